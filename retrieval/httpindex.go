package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/types"
)

// HTTPIndexConfig configures the HTTP chunk index client.
type HTTPIndexConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// HTTPIndex queries the indexing service over HTTP. The index itself is
// maintained by the ingestion side; this client only reads from it.
type HTTPIndex struct {
	config HTTPIndexConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPIndex creates an index client against the given base URL.
func NewHTTPIndex(config HTTPIndexConfig, logger *zap.Logger) *HTTPIndex {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPIndex{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "index")),
	}
}

type indexSearchRequest struct {
	Query       string   `json:"query"`
	DocumentIDs []string `json:"document_ids"`
	TopK        int      `json:"top_k"`
}

type indexSearchResponse struct {
	Chunks []types.ChunkResult `json:"chunks"`
}

// SemanticSearch runs an embedding-similarity search on the index service.
func (i *HTTPIndex) SemanticSearch(ctx context.Context, query string, documentIDs []string, topK int) ([]types.ChunkResult, error) {
	return i.search(ctx, "/v1/search/semantic", query, documentIDs, topK)
}

// KeywordSearch runs a term-frequency search on the index service.
func (i *HTTPIndex) KeywordSearch(ctx context.Context, query string, documentIDs []string, topK int) ([]types.ChunkResult, error) {
	return i.search(ctx, "/v1/search/keyword", query, documentIDs, topK)
}

func (i *HTTPIndex) search(ctx context.Context, path, query string, documentIDs []string, topK int) ([]types.ChunkResult, error) {
	payload, _ := json.Marshal(indexSearchRequest{
		Query:       query,
		DocumentIDs: documentIDs,
		TopK:        topK,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", i.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrRetrievalFailure, "failed to build index request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if i.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+i.config.APIKey)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrRetrievalFailure, "index request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		i.logger.Warn("index returned non-200",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, types.NewError(types.ErrRetrievalFailure,
			fmt.Sprintf("index returned %d: %s", resp.StatusCode, string(body)))
	}

	var decoded indexSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, types.NewError(types.ErrRetrievalFailure, "failed to decode index response").WithCause(err)
	}
	return decoded.Chunks, nil
}
