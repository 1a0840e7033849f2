package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/SHAIK14/Finsight-AI/agents"
	"github.com/SHAIK14/Finsight-AI/internal/cache"
	"github.com/SHAIK14/Finsight-AI/llm"
	"github.com/SHAIK14/Finsight-AI/rerank"
	"github.com/SHAIK14/Finsight-AI/retrieval"
	"github.com/SHAIK14/Finsight-AI/router"
	"github.com/SHAIK14/Finsight-AI/session"
	"github.com/SHAIK14/Finsight-AI/types"
	"github.com/SHAIK14/Finsight-AI/websearch"
)

// stubProvider serves queued completion responses and a scripted token
// stream. streamFn, when set, overrides the default stream behaviour.
type stubProvider struct {
	mu          sync.Mutex
	completions []any // string or error, consumed in order
	tokens      []string
	streamErr   error
	streamFn    func(ctx context.Context) (<-chan llm.StreamChunk, error)
}

func (p *stubProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.completions) == 0 {
		return &llm.ChatResponse{}, nil
	}
	next := p.completions[0]
	p.completions = p.completions[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: next.(string)}}},
	}, nil
}

func (p *stubProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if p.streamFn != nil {
		return p.streamFn(ctx)
	}
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	ch := make(chan llm.StreamChunk, len(p.tokens))
	for _, tok := range p.tokens {
		ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: tok}}
	}
	close(ch)
	return ch, nil
}

func (p *stubProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *stubProvider) Name() string { return "stub" }

// fakeIndex serves a fixed chunk list and counts search calls.
type fakeIndex struct {
	calls  atomic.Int64
	chunks []types.ChunkResult
}

func (f *fakeIndex) SemanticSearch(ctx context.Context, query string, documentIDs []string, topK int) ([]types.ChunkResult, error) {
	f.calls.Add(1)
	return f.chunks, nil
}

func (f *fakeIndex) KeywordSearch(ctx context.Context, query string, documentIDs []string, topK int) ([]types.ChunkResult, error) {
	f.calls.Add(1)
	return f.chunks, nil
}

const factualRoute = `{"intent": "factual", "needs_web_search": false, "agents_needed": ["research"], "complexity": "simple"}`
const webRoute = `{"intent": "recent_data", "needs_web_search": true, "agents_needed": ["research"], "complexity": "simple"}`
const riskRoute = `{"intent": "risk", "needs_web_search": false, "agents_needed": ["research", "verification", "risk"], "complexity": "complex"}`

func revenueChunks() []types.ChunkResult {
	return []types.ChunkResult{
		{ChunkID: "c1", DocumentID: "doc-1", DocumentName: "FY25 10-Q", PageNumber: 4,
			Text: "Revenue for the quarter was 718.04 crore. Competition risk may impact future results."},
		{ChunkID: "c2", DocumentID: "doc-1", DocumentName: "FY25 10-Q", PageNumber: 9,
			Text: "Operating margin improved to 21 percent."},
	}
}

func answerTokens() []string {
	return []string{"Revenue for the third quarter was ₹718.04 crore, ", "up 12% year over year (Page 4)."}
}

type testEnv struct {
	svc   *Service
	index *fakeIndex
	store *session.Store
}

// newTestEnv wires a full pipeline against in-memory redis and sqlite, with
// separate stub providers for classification and the reasoning stages.
func newTestEnv(t *testing.T, routeJSONs []string, orch *stubProvider, searcher *websearch.Searcher) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = mr.Addr()
	cacheCfg.HealthCheckInterval = 0
	cacheMgr, err := cache.NewManager(cacheCfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cacheMgr.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := session.NewStore(db, logger)
	require.NoError(t, err)

	routeScripts := make([]any, len(routeJSONs))
	for i, r := range routeJSONs {
		routeScripts[i] = r
	}
	routerProvider := &stubProvider{completions: routeScripts}

	index := &fakeIndex{chunks: revenueChunks()}

	cfg := DefaultConfig()
	cfg.QueryTimeout = 10 * time.Second

	svc, err := NewService(Options{
		Router:       router.NewRouter(routerProvider, router.DefaultConfig(), logger),
		Retriever:    retrieval.NewRetriever(index, retrieval.DefaultConfig(), nil, logger),
		Reranker:     rerank.NewReranker(nil, 5, logger),
		Searcher:     searcher,
		Orchestrator: agents.NewOrchestrator(orch, agents.DefaultConfig(), nil, logger),
		Cache:        cacheMgr,
		Sessions:     store,
		Config:       cfg,
	}, logger)
	require.NoError(t, err)

	return &testEnv{svc: svc, index: index, store: store}
}

// collect drains the event stream until it closes.
func collect(t *testing.T, events <-chan types.StreamEvent) []types.StreamEvent {
	t.Helper()
	var out []types.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func eventsOfType(events []types.StreamEvent, et types.EventType) []types.StreamEvent {
	var out []types.StreamEvent
	for _, ev := range events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func TestAsk_FactualQuery_EndToEnd(t *testing.T) {
	orch := &stubProvider{
		completions: []any{"Revenue was 718.04 crore (Page 4).", "APPROVED"},
		tokens:      answerTokens(),
	}
	env := newTestEnv(t, []string{factualRoute}, orch, nil)

	events, err := env.svc.Ask(context.Background(), types.Query{
		Text:        "What was Q3 revenue?",
		DocumentIDs: []string{"doc-1"},
		Tier:        types.TierFree,
		UserID:      "user-1",
	})
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)

	// No session id supplied: the first event announces the new session.
	assert.Equal(t, types.EventSessionCreated, got[0].Type)
	sessionID := got[0].SessionID
	require.NotEmpty(t, sessionID)

	tokens := eventsOfType(got, types.EventToken)
	require.Len(t, tokens, len(answerTokens()))
	var answer strings.Builder
	for _, tok := range tokens {
		answer.WriteString(tok.Content)
	}
	assert.Contains(t, answer.String(), "₹718.04 crore")

	// Exactly one terminal event, last, carrying document citations.
	last := got[len(got)-1]
	require.Equal(t, types.EventDone, last.Type)
	assert.False(t, last.Cached)
	assert.Equal(t, sessionID, last.SessionID)
	require.NotEmpty(t, last.Sources)
	assert.Equal(t, 4, last.Sources[0].PageNumber)

	// Both turns persisted.
	sess, err := env.store.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "user", sess.Messages[0].Role)
	assert.Contains(t, sess.Messages[1].Content, "₹718.04 crore")
}

func TestAsk_SecondCallHitsCache(t *testing.T) {
	orch := &stubProvider{
		completions: []any{"Revenue was 718.04 crore (Page 4).", "APPROVED"},
		tokens:      answerTokens(),
	}
	env := newTestEnv(t, []string{factualRoute, factualRoute}, orch, nil)
	query := types.Query{Text: "What was Q3 revenue?", DocumentIDs: []string{"doc-1"}, Tier: types.TierFree, UserID: "user-1"}

	first, err := env.svc.Ask(context.Background(), query)
	require.NoError(t, err)
	collect(t, first)
	callsAfterFirst := env.index.calls.Load()
	require.Greater(t, callsAfterFirst, int64(0))

	second, err := env.svc.Ask(context.Background(), query)
	require.NoError(t, err)
	got := collect(t, second)

	// Cache hit: zero additional retrieval calls, answer replayed as a
	// single burst, done tagged cached.
	assert.Equal(t, callsAfterFirst, env.index.calls.Load())
	tokens := eventsOfType(got, types.EventToken)
	require.Len(t, tokens, 1)
	assert.Contains(t, tokens[0].Content, "₹718.04 crore")

	last := got[len(got)-1]
	require.Equal(t, types.EventDone, last.Type)
	assert.True(t, last.Cached)
}

func TestAsk_FreeTierNeverCallsWebSearch(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	t.Cleanup(server.Close)

	searcher := websearch.NewSearcher(websearch.Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
	}, zaptest.NewLogger(t))

	orch := &stubProvider{
		completions: []any{"The stock last traded around the reported quarter close.", "APPROVED"},
		tokens:      answerTokens(),
	}
	env := newTestEnv(t, []string{webRoute}, orch, searcher)

	events, err := env.svc.Ask(context.Background(), types.Query{
		Text:        "What's the current stock price?",
		DocumentIDs: []string{"doc-1"},
		Tier:        types.TierFree,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	got := collect(t, events)

	// The tier restriction surfaces as an advisory, the provider is never
	// called, and the query still completes from document grounding.
	infos := eventsOfType(got, types.EventInfo)
	require.Len(t, infos, 1)
	assert.Contains(t, infos[0].Content, "premium")
	assert.Zero(t, hits.Load())
	assert.Empty(t, eventsOfType(got, types.EventWebSearch))
	assert.Equal(t, types.EventDone, got[len(got)-1].Type)
}

func TestAsk_PremiumTierWebSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "Quarterly results", "url": "https://www.moneycontrol.com/q3", "content": "Stock up 3% after results.", "score": 0.92},
				{"title": "Market wrap", "url": "https://www.reuters.com/markets", "content": "Benchmark indices closed higher.", "score": 0.81},
			},
		})
	}))
	t.Cleanup(server.Close)

	searcher := websearch.NewSearcher(websearch.Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
	}, zaptest.NewLogger(t))

	orch := &stubProvider{
		completions: []any{"Stock is up 3% after results [Web Source 1].", "APPROVED"},
		tokens:      answerTokens(),
	}
	env := newTestEnv(t, []string{webRoute}, orch, searcher)

	events, err := env.svc.Ask(context.Background(), types.Query{
		Text:        "What's the current stock price?",
		DocumentIDs: []string{"doc-1"},
		Tier:        types.TierPremium,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	got := collect(t, events)

	webEvents := eventsOfType(got, types.EventWebSearch)
	require.Len(t, webEvents, 1)
	require.Len(t, webEvents[0].WebSources, 2)
	assert.Equal(t, "https://www.moneycontrol.com/q3", webEvents[0].WebSources[0].URL)

	last := got[len(got)-1]
	require.Equal(t, types.EventDone, last.Type)
	assert.Len(t, last.WebSources, 2)
	assert.Empty(t, eventsOfType(got, types.EventInfo))
}

func TestAsk_RiskPathVisitsAllStages(t *testing.T) {
	orch := &stubProvider{
		completions: []any{
			"Research: competition risk noted (Page 4).",
			"Verification: figures match source chunks.",
			"Risk: HIGH - competition risk (Page 4).",
			"APPROVED",
		},
		tokens: []string{"Major risks include competition pressure ", "noted on Page 4 of the filing."},
	}
	env := newTestEnv(t, []string{riskRoute}, orch, nil)

	events, err := env.svc.Ask(context.Background(), types.Query{
		Text:        "What are the major risks?",
		DocumentIDs: []string{"doc-1"},
		Tier:        types.TierFree,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	got := collect(t, events)

	var labels []string
	for _, ev := range eventsOfType(got, types.EventStatus) {
		labels = append(labels, ev.Content)
	}
	assert.Contains(t, labels, "Verifying extracted facts")
	assert.Contains(t, labels, "Assessing risks")
	assert.Equal(t, types.EventDone, got[len(got)-1].Type)
}

func TestAsk_ReplacedAnswerReachesLiveStream(t *testing.T) {
	// Synthesis produces an answer too short to survive review, so the
	// pipeline replaces it after streaming. The live consumer must receive
	// the replacement, and the session store must hold the same text.
	orch := &stubProvider{
		completions: []any{"Research findings."},
		tokens:      []string{"No data."},
	}
	env := newTestEnv(t, []string{factualRoute}, orch, nil)

	events, err := env.svc.Ask(context.Background(), types.Query{
		Text:        "What was Q3 revenue?",
		DocumentIDs: []string{"doc-1"},
		Tier:        types.TierFree,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	got := collect(t, events)

	tokens := eventsOfType(got, types.EventToken)
	require.Len(t, tokens, 2)
	final := tokens[len(tokens)-1].Content
	assert.Contains(t, final, "couldn't find enough information")

	last := got[len(got)-1]
	require.Equal(t, types.EventDone, last.Type)

	sess, err := env.store.Get(context.Background(), last.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, final, sess.Messages[1].Content)
}

func TestAsk_DisclaimerReachesLiveStream(t *testing.T) {
	// Review appends a disclaimer after synthesis finished streaming; the
	// suffix arrives as one more token so the streamed text matches what
	// gets persisted.
	orch := &stubProvider{
		completions: []any{"Research findings.", "NEEDS_DISCLAIMER: figures could not be independently verified"},
		tokens:      answerTokens(),
	}
	env := newTestEnv(t, []string{factualRoute}, orch, nil)

	events, err := env.svc.Ask(context.Background(), types.Query{
		Text:        "What was Q3 revenue?",
		DocumentIDs: []string{"doc-1"},
		Tier:        types.TierFree,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	got := collect(t, events)

	tokens := eventsOfType(got, types.EventToken)
	require.Len(t, tokens, len(answerTokens())+1)
	assert.True(t, strings.HasPrefix(tokens[len(tokens)-1].Content, "\n\n---\n*Note:"),
		"last token should carry the disclaimer suffix, got %q", tokens[len(tokens)-1].Content)

	var streamed strings.Builder
	for _, tok := range tokens {
		streamed.WriteString(tok.Content)
	}

	last := got[len(got)-1]
	require.Equal(t, types.EventDone, last.Type)

	sess, err := env.store.Get(context.Background(), last.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, streamed.String(), sess.Messages[1].Content)
}

func TestAsk_SynthesisFailure(t *testing.T) {
	orch := &stubProvider{
		completions: []any{"Research findings."},
		streamErr:   errors.New("model unavailable"),
	}
	env := newTestEnv(t, []string{factualRoute}, orch, nil)

	events, err := env.svc.Ask(context.Background(), types.Query{
		Text:        "What was Q3 revenue?",
		DocumentIDs: []string{"doc-1"},
		Tier:        types.TierFree,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	got := collect(t, events)

	last := got[len(got)-1]
	require.Equal(t, types.EventError, last.Type)
	assert.NotEmpty(t, last.Content)
	assert.Empty(t, eventsOfType(got, types.EventDone))
}

func TestAsk_CancellationPersistsPartialAnswer(t *testing.T) {
	firstToken := make(chan struct{})
	orch := &stubProvider{
		completions: []any{"Research findings.", "APPROVED"},
		streamFn: func(ctx context.Context) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk)
			go func() {
				defer close(ch)
				ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: "Revenue was "}}
				close(firstToken)
				// Hold the stream open until the caller cancels.
				<-ctx.Done()
			}()
			return ch, nil
		},
	}
	env := newTestEnv(t, []string{factualRoute}, orch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := env.svc.Ask(ctx, types.Query{
		Text:        "What was Q3 revenue?",
		DocumentIDs: []string{"doc-1"},
		Tier:        types.TierFree,
		UserID:      "user-1",
	})
	require.NoError(t, err)

	go func() {
		<-firstToken
		cancel()
	}()

	got := collect(t, events)

	var sessionID string
	for _, ev := range got {
		if ev.Type == types.EventSessionCreated {
			sessionID = ev.SessionID
		}
	}
	require.NotEmpty(t, sessionID)

	last := got[len(got)-1]
	require.Equal(t, types.EventDone, last.Type)
	assert.True(t, last.Cancelled)

	// The partial turn survives in the session store with the marker.
	sess, err := env.store.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Contains(t, sess.Messages[1].Content, "_[response interrupted]_")
	assert.Contains(t, sess.Messages[1].Content, "Revenue was")
}

func TestAsk_CancelledWinnerFailsSubscriberRetryably(t *testing.T) {
	// Two identical questions share one in-flight computation. When the
	// caller driving that computation cancels, the other caller is still
	// waiting: it must see a retryable error, not a cancelled turn.
	firstToken := make(chan struct{})
	orch := &stubProvider{
		completions: []any{"Research findings."},
		streamFn: func(ctx context.Context) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk)
			go func() {
				defer close(ch)
				ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: "Revenue was "}}
				close(firstToken)
				<-ctx.Done()
			}()
			return ch, nil
		},
	}
	env := newTestEnv(t, []string{factualRoute, factualRoute}, orch, nil)
	query := types.Query{Text: "What was Q3 revenue?", DocumentIDs: []string{"doc-1"}, Tier: types.TierFree, UserID: "user-1"}

	winnerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	winnerEvents, err := env.svc.Ask(winnerCtx, query)
	require.NoError(t, err)
	<-firstToken

	otherEvents, err := env.svc.Ask(context.Background(), query)
	require.NoError(t, err)

	// Give the second call time to join the in-flight computation, then
	// cancel the caller driving it.
	time.Sleep(200 * time.Millisecond)
	cancel()

	winnerGot := collect(t, winnerEvents)
	last := winnerGot[len(winnerGot)-1]
	require.Equal(t, types.EventDone, last.Type)
	assert.True(t, last.Cancelled)

	otherGot := collect(t, otherEvents)
	require.NotEmpty(t, otherGot)
	otherLast := otherGot[len(otherGot)-1]
	require.Equal(t, types.EventError, otherLast.Type)
	assert.Contains(t, otherLast.Content, "try again")
	assert.Empty(t, eventsOfType(otherGot, types.EventDone))
	assert.Empty(t, eventsOfType(otherGot, types.EventToken))

	// The second caller's session keeps only its user turn: no interrupted
	// assistant turn it never produced.
	var otherSession string
	for _, ev := range otherGot {
		if ev.Type == types.EventSessionCreated {
			otherSession = ev.SessionID
		}
	}
	require.NotEmpty(t, otherSession)
	sess, err := env.store.Get(context.Background(), otherSession)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 1)
}

func TestAsk_EmptyDocumentSet(t *testing.T) {
	orch := &stubProvider{
		completions: []any{"No grounding found in the provided documents.", "APPROVED"},
		tokens: []string{"I could not find supporting excerpts for this question ", "in the selected documents."},
	}
	env := newTestEnv(t, []string{factualRoute}, orch, nil)
	env.index.chunks = nil

	events, err := env.svc.Ask(context.Background(), types.Query{
		Text:        "What was Q3 revenue?",
		DocumentIDs: nil,
		Tier:        types.TierFree,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	got := collect(t, events)

	last := got[len(got)-1]
	require.Equal(t, types.EventDone, last.Type)
	assert.Empty(t, last.Sources)
}

func TestAsk_EmptyQuestionRejected(t *testing.T) {
	orch := &stubProvider{}
	env := newTestEnv(t, nil, orch, nil)

	_, err := env.svc.Ask(context.Background(), types.Query{Text: "   "})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}
