package rerank

import (
	"context"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/types"
)

// Reranker narrows a fused candidate list down to the chunks that actually
// answer the question. Provider failure is never fatal: the fused ordering
// already carries a usable ranking, so the reranker degrades to it.
type Reranker struct {
	provider Provider
	topN     int
	logger   *zap.Logger
}

// NewReranker creates a reranker. provider may be nil, in which case fused
// order is always used.
func NewReranker(provider Provider, topN int, logger *zap.Logger) *Reranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topN <= 0 {
		topN = 5
	}
	return &Reranker{
		provider: provider,
		topN:     topN,
		logger:   logger.With(zap.String("component", "rerank")),
	}
}

// Rerank reorders fused candidates by relevance to the query and returns the
// top N. On provider failure the first N fused candidates are returned in
// fusion order, scored by their fusion scores.
func (r *Reranker) Rerank(ctx context.Context, query string, fused []types.FusedResult) []types.RerankedResult {
	if len(fused) == 0 {
		return nil
	}

	if r.provider == nil {
		return r.fallback(fused)
	}

	docs := make([]Document, len(fused))
	for i, f := range fused {
		docs[i] = Document{ID: f.ChunkID, Text: f.Text}
	}

	resp, err := r.provider.Rerank(ctx, &RerankRequest{
		Query:     query,
		Documents: docs,
		TopN:      r.topN,
	})
	if err != nil {
		r.logger.Warn("rerank provider failed, falling back to fusion order",
			zap.String("provider", r.provider.Name()),
			zap.Error(err))
		return r.fallback(fused)
	}

	reranked := make([]types.RerankedResult, 0, len(resp.Results))
	for _, res := range resp.Results {
		if res.Index < 0 || res.Index >= len(fused) {
			r.logger.Warn("rerank result index out of range", zap.Int("index", res.Index))
			continue
		}
		reranked = append(reranked, types.RerankedResult{
			ChunkResult:    fused[res.Index].ChunkResult,
			RelevanceScore: res.RelevanceScore,
		})
	}
	if len(reranked) == 0 {
		return r.fallback(fused)
	}
	return reranked
}

// fallback keeps fusion order and reuses fusion scores as relevance.
func (r *Reranker) fallback(fused []types.FusedResult) []types.RerankedResult {
	n := r.topN
	if n > len(fused) {
		n = len(fused)
	}
	out := make([]types.RerankedResult, n)
	for i := 0; i < n; i++ {
		out[i] = types.RerankedResult{
			ChunkResult:    fused[i].ChunkResult,
			RelevanceScore: fused[i].FusionScore,
		}
	}
	return out
}
