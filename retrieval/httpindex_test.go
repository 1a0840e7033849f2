package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/types"
)

func testIndex(t *testing.T, handler http.HandlerFunc) *HTTPIndex {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewHTTPIndex(HTTPIndexConfig{BaseURL: srv.URL, APIKey: "idx-key"}, zap.NewNop())
}

func TestHTTPIndex_SemanticSearch(t *testing.T) {
	t.Parallel()

	idx := testIndex(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search/semantic" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer idx-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req indexSearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.TopK != 20 {
			t.Errorf("top_k = %d, want 20", req.TopK)
		}
		if len(req.DocumentIDs) != 2 {
			t.Errorf("document_ids = %v", req.DocumentIDs)
		}

		json.NewEncoder(w).Encode(indexSearchResponse{
			Chunks: []types.ChunkResult{
				{ChunkID: "c1", DocumentID: "doc-1", PageNumber: 4, Text: "Revenue grew 18%.", SemanticScore: 0.88},
			},
		})
	})

	chunks, err := idx.SemanticSearch(context.Background(), "revenue growth", []string{"doc-1", "doc-2"}, 20)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ChunkID != "c1" {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestHTTPIndex_KeywordSearchPath(t *testing.T) {
	t.Parallel()

	idx := testIndex(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search/keyword" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(indexSearchResponse{})
	})

	chunks, err := idx.KeywordSearch(context.Background(), "debt", nil, 10)
	if err != nil {
		t.Fatalf("KeywordSearch: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestHTTPIndex_ServerErrorIsRetrievalFailure(t *testing.T) {
	t.Parallel()

	idx := testIndex(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index unavailable", http.StatusServiceUnavailable)
	})

	_, err := idx.SemanticSearch(context.Background(), "q", nil, 5)
	if types.GetErrorCode(err) != types.ErrRetrievalFailure {
		t.Fatalf("error code = %v, want RETRIEVAL_FAILURE", types.GetErrorCode(err))
	}
}
