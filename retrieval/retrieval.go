// Package retrieval implements hybrid document retrieval over indexed
// financial filings: semantic and keyword search run concurrently and their
// rankings are merged with Reciprocal Rank Fusion.
package retrieval

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SHAIK14/Finsight-AI/internal/metrics"
	"github.com/SHAIK14/Finsight-AI/types"
)

// Index is the chunk store queried by the retriever. Implementations wrap a
// vector database for SemanticSearch and a full-text index for KeywordSearch;
// both return candidates ordered best-first.
type Index interface {
	SemanticSearch(ctx context.Context, query string, documentIDs []string, topK int) ([]types.ChunkResult, error)
	KeywordSearch(ctx context.Context, query string, documentIDs []string, topK int) ([]types.ChunkResult, error)
}

// Config controls candidate counts and fusion behaviour.
type Config struct {
	// TopK candidates requested from each search method.
	TopK int `yaml:"top_k" json:"top_k"`
	// RRFConstant is the smoothing constant k in 1/(k+rank).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`
	// FusionLimit caps how many fused candidates are returned.
	FusionLimit int `yaml:"fusion_limit" json:"fusion_limit"`
	// Timeout bounds a single hybrid retrieval.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the default retrieval configuration.
func DefaultConfig() Config {
	return Config{
		TopK:        20,
		RRFConstant: 60,
		FusionLimit: 20,
		Timeout:     10 * time.Second,
	}
}

// Retriever fans a query out to both search methods and fuses the rankings.
type Retriever struct {
	index   Index
	config  Config
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewRetriever creates a hybrid retriever. metrics may be nil.
func NewRetriever(index Index, config Config, collector *metrics.Collector, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		index:   index,
		config:  config,
		metrics: collector,
		logger:  logger.With(zap.String("component", "retrieval")),
	}
}

// Retrieve runs semantic and keyword search concurrently and returns the
// fused candidate list, best first, capped at FusionLimit.
//
// A single failing method degrades to the surviving ranking; retrieval fails
// only when both methods fail. An empty fused list is a valid result, not an
// error.
func (r *Retriever) Retrieve(ctx context.Context, query string, documentIDs []string) ([]types.FusedResult, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var (
		semantic, keyword []types.ChunkResult
		semanticErr       error
		keywordErr        error
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.Now()
		semantic, semanticErr = r.index.SemanticSearch(gctx, query, documentIDs, r.config.TopK)
		if r.metrics != nil && semanticErr == nil {
			r.metrics.RecordRetrieval("semantic", time.Since(t), len(semantic))
		}
		return nil
	})
	g.Go(func() error {
		t := time.Now()
		keyword, keywordErr = r.index.KeywordSearch(gctx, query, documentIDs, r.config.TopK)
		if r.metrics != nil && keywordErr == nil {
			r.metrics.RecordRetrieval("keyword", time.Since(t), len(keyword))
		}
		return nil
	})
	// Search errors are collected per-method above, not propagated through
	// the group, so one failure cannot cancel the other search.
	_ = g.Wait()

	if semanticErr != nil && keywordErr != nil {
		r.logger.Error("both retrieval methods failed",
			zap.Error(semanticErr),
			zap.NamedError("keyword_error", keywordErr))
		return nil, types.NewError(types.ErrRetrievalFailure, "both semantic and keyword search failed").
			WithCause(semanticErr).
			WithRetryable(true)
	}
	if semanticErr != nil {
		r.logger.Warn("semantic search failed, continuing with keyword ranking", zap.Error(semanticErr))
	}
	if keywordErr != nil {
		r.logger.Warn("keyword search failed, continuing with semantic ranking", zap.Error(keywordErr))
	}

	fused := FuseRankings(semantic, keyword, r.config.RRFConstant)
	if len(fused) > r.config.FusionLimit && r.config.FusionLimit > 0 {
		fused = fused[:r.config.FusionLimit]
	}

	if r.metrics != nil {
		r.metrics.RecordRetrieval("fused", time.Since(start), len(fused))
	}
	r.logger.Debug("hybrid retrieval complete",
		zap.Int("semantic", len(semantic)),
		zap.Int("keyword", len(keyword)),
		zap.Int("fused", len(fused)))

	return fused, nil
}

// FuseRankings merges two rankings with Reciprocal Rank Fusion. Each chunk
// contributes 1/(k+rank) per ranking it appears in, with ranks starting at 1.
// Ties on fusion score break toward the chunk with the better single-method
// rank, then toward the smaller chunk ID so ordering stays deterministic.
func FuseRankings(semantic, keyword []types.ChunkResult, k int) []types.FusedResult {
	if k <= 0 {
		k = 60
	}

	byID := make(map[string]*types.FusedResult, len(semantic)+len(keyword))

	add := func(results []types.ChunkResult, semanticRanking bool) {
		for i, chunk := range results {
			rank := i + 1
			entry, ok := byID[chunk.ChunkID]
			if !ok {
				entry = &types.FusedResult{
					ChunkResult: chunk,
					BestRank:    rank,
				}
				byID[chunk.ChunkID] = entry
			} else {
				if rank < entry.BestRank {
					entry.BestRank = rank
				}
				// Keep whichever copy carries a score for this method.
				if semanticRanking && entry.SemanticScore == 0 {
					entry.SemanticScore = chunk.SemanticScore
				}
				if !semanticRanking && entry.KeywordScore == 0 {
					entry.KeywordScore = chunk.KeywordScore
				}
			}
			entry.FusionScore += 1.0 / float64(k+rank)
		}
	}

	add(semantic, true)
	add(keyword, false)

	fused := make([]types.FusedResult, 0, len(byID))
	for _, entry := range byID {
		fused = append(fused, *entry)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].FusionScore != fused[j].FusionScore {
			return fused[i].FusionScore > fused[j].FusionScore
		}
		if fused[i].BestRank != fused[j].BestRank {
			return fused[i].BestRank < fused[j].BestRank
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})

	return fused
}
