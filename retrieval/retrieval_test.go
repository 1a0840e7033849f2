package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/SHAIK14/Finsight-AI/types"
)

type fakeIndex struct {
	semantic    []types.ChunkResult
	keyword     []types.ChunkResult
	semanticErr error
	keywordErr  error
}

func (f *fakeIndex) SemanticSearch(ctx context.Context, query string, documentIDs []string, topK int) ([]types.ChunkResult, error) {
	if f.semanticErr != nil {
		return nil, f.semanticErr
	}
	return f.semantic, nil
}

func (f *fakeIndex) KeywordSearch(ctx context.Context, query string, documentIDs []string, topK int) ([]types.ChunkResult, error) {
	if f.keywordErr != nil {
		return nil, f.keywordErr
	}
	return f.keyword, nil
}

func chunk(id string) types.ChunkResult {
	return types.ChunkResult{ChunkID: id, DocumentID: "doc-1", Text: "text for " + id}
}

func TestFuseRankings_Scores(t *testing.T) {
	t.Parallel()

	// a: semantic rank 1, keyword rank 2. b: semantic rank 2 only.
	semantic := []types.ChunkResult{chunk("a"), chunk("b")}
	keyword := []types.ChunkResult{chunk("c"), chunk("a")}

	fused := FuseRankings(semantic, keyword, 60)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused chunks, got %d", len(fused))
	}

	if fused[0].ChunkID != "a" {
		t.Fatalf("expected chunk in both rankings first, got %q", fused[0].ChunkID)
	}
	want := 1.0/61 + 1.0/62
	if math.Abs(fused[0].FusionScore-want) > 1e-12 {
		t.Fatalf("fusion score = %v, want %v", fused[0].FusionScore, want)
	}
	if fused[0].BestRank != 1 {
		t.Fatalf("best rank = %d, want 1", fused[0].BestRank)
	}
}

func TestFuseRankings_TieBreak(t *testing.T) {
	t.Parallel()

	// b at semantic rank 1 and c at keyword rank 1 have equal fusion scores;
	// identical best ranks as well, so the smaller chunk ID wins.
	semantic := []types.ChunkResult{chunk("b")}
	keyword := []types.ChunkResult{chunk("c")}

	fused := FuseRankings(semantic, keyword, 60)
	if len(fused) != 2 {
		t.Fatalf("expected 2 fused chunks, got %d", len(fused))
	}
	if fused[0].ChunkID != "b" || fused[1].ChunkID != "c" {
		t.Fatalf("tie-break order wrong: %q, %q", fused[0].ChunkID, fused[1].ChunkID)
	}

	// Ordering must not depend on which ranking a chunk came from.
	semantic = []types.ChunkResult{chunk("z")}
	keyword = []types.ChunkResult{chunk("a")}
	fused = FuseRankings(semantic, keyword, 60)
	if fused[0].ChunkID != "a" {
		t.Fatalf("expected lexicographic tie-break, got %q first", fused[0].ChunkID)
	}
}

func TestRetrieve_OneMethodFailureDegrades(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		index *fakeIndex
		want  []string
	}{
		{
			name: "semantic down",
			index: &fakeIndex{
				semanticErr: errors.New("vector store unavailable"),
				keyword:     []types.ChunkResult{chunk("k1"), chunk("k2")},
			},
			want: []string{"k1", "k2"},
		},
		{
			name: "keyword down",
			index: &fakeIndex{
				semantic:   []types.ChunkResult{chunk("s1")},
				keywordErr: errors.New("index timeout"),
			},
			want: []string{"s1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewRetriever(tt.index, DefaultConfig(), nil, zap.NewNop())
			fused, err := r.Retrieve(context.Background(), "q3 revenue", []string{"doc-1"})
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			got := make([]string, len(fused))
			for i, f := range fused {
				got[i] = f.ChunkID
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestRetrieve_BothMethodsFailed(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{
		semanticErr: errors.New("vector store unavailable"),
		keywordErr:  errors.New("index timeout"),
	}
	r := NewRetriever(index, DefaultConfig(), nil, zap.NewNop())

	_, err := r.Retrieve(context.Background(), "q3 revenue", nil)
	if err == nil {
		t.Fatal("expected error when both methods fail")
	}
	if types.GetErrorCode(err) != types.ErrRetrievalFailure {
		t.Fatalf("error code = %v, want %v", types.GetErrorCode(err), types.ErrRetrievalFailure)
	}
}

func TestRetrieve_EmptyResultIsNotAnError(t *testing.T) {
	t.Parallel()

	r := NewRetriever(&fakeIndex{}, DefaultConfig(), nil, zap.NewNop())
	fused, err := r.Retrieve(context.Background(), "nothing matches", nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(fused) != 0 {
		t.Fatalf("expected empty result, got %d", len(fused))
	}
}

func TestRetrieve_FusionLimit(t *testing.T) {
	t.Parallel()

	var semantic []types.ChunkResult
	for i := 0; i < 30; i++ {
		semantic = append(semantic, chunk(fmt.Sprintf("c%02d", i)))
	}

	cfg := DefaultConfig()
	cfg.FusionLimit = 5
	r := NewRetriever(&fakeIndex{semantic: semantic}, cfg, nil, zap.NewNop())

	fused, err := r.Retrieve(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(fused) != 5 {
		t.Fatalf("expected 5 fused chunks, got %d", len(fused))
	}
}

func TestFuseRankings_Properties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.StringMatching(`c[0-9]{1,3}`), 0, 40, rapid.ID[string]).Draw(t, "ids")

		// Split the ID pool into two overlapping rankings.
		var semantic, keyword []types.ChunkResult
		for i, id := range ids {
			if i%3 != 0 {
				semantic = append(semantic, chunk(id))
			}
			if i%2 == 0 {
				keyword = append(keyword, chunk(id))
			}
		}

		k := rapid.IntRange(1, 200).Draw(t, "k")
		fused := FuseRankings(semantic, keyword, k)

		// Each chunk appears exactly once.
		seen := make(map[string]bool)
		for _, f := range fused {
			if seen[f.ChunkID] {
				t.Fatalf("duplicate chunk %q in fused output", f.ChunkID)
			}
			seen[f.ChunkID] = true
		}

		// Output is sorted by fusion score descending.
		if !sort.SliceIsSorted(fused, func(i, j int) bool {
			return fused[i].FusionScore > fused[j].FusionScore
		}) {
			// Equal scores are allowed in any adjacent order by this
			// predicate, so verify monotonic non-increase explicitly.
			for i := 1; i < len(fused); i++ {
				if fused[i].FusionScore > fused[i-1].FusionScore {
					t.Fatalf("fusion scores are not non-increasing at %d", i)
				}
			}
		}

		// Every fused score is the exact sum of its rank contributions.
		for _, f := range fused {
			var want float64
			for i, c := range semantic {
				if c.ChunkID == f.ChunkID {
					want += 1.0 / float64(k+i+1)
				}
			}
			for i, c := range keyword {
				if c.ChunkID == f.ChunkID {
					want += 1.0 / float64(k+i+1)
				}
			}
			if math.Abs(f.FusionScore-want) > 1e-12 {
				t.Fatalf("chunk %q score %v, want %v", f.ChunkID, f.FusionScore, want)
			}
		}
	})
}
