package agents

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/llm"
	"github.com/SHAIK14/Finsight-AI/types"
)

// fakeProvider serves queued completion responses and a scripted token
// stream. A queued error consumes one completion slot.
type fakeProvider struct {
	completions []any // string or error, consumed in order
	tokens      []string
	streamErr   error
	streamReq   *llm.ChatRequest   // last request passed to Stream
	compReqs    []*llm.ChatRequest // requests passed to Completion, in order
}

func (f *fakeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.compReqs = append(f.compReqs, req)
	if len(f.completions) == 0 {
		return &llm.ChatResponse{}, nil
	}
	next := f.completions[0]
	f.completions = f.completions[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: next.(string)}}},
	}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	f.streamReq = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan llm.StreamChunk, len(f.tokens))
	for _, tok := range f.tokens {
		ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: tok}}
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func longAnswer() []string {
	return []string{"Revenue for the third quarter was ₹718.04 crore, ", "up 12% year over year (Page 4)."}
}

func baseState(agents ...types.AgentKind) *State {
	return &State{
		Question: "What was Q3 revenue?",
		Route: types.RouteDecision{
			Intent:       types.IntentFactual,
			AgentsNeeded: agents,
			Complexity:   types.ComplexitySimple,
		},
		Chunks: []types.RerankedResult{
			{ChunkResult: types.ChunkResult{ChunkID: "c1", PageNumber: 4, Text: "Revenue was 718.04 crore, a risk of competition noted."}, RelevanceScore: 0.9},
		},
	}
}

func newTestOrchestrator(p llm.Provider) *Orchestrator {
	return NewOrchestrator(p, DefaultConfig(), nil, zap.NewNop())
}

func TestRun_MinimalPath(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		completions: []any{"Research: revenue was 718.04 crore (Page 4)", "APPROVED"},
		tokens:      longAnswer(),
	}
	st := baseState(types.AgentResearch)

	var stages []types.AgentKind
	var streamed strings.Builder
	hooks := Hooks{
		OnStage: func(stage types.AgentKind) { stages = append(stages, stage) },
		OnToken: func(tok string) { streamed.WriteString(tok) },
	}

	if err := newTestOrchestrator(p).Run(context.Background(), st, hooks); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []types.AgentKind{types.AgentResearch, types.AgentSynthesis, types.AgentReflection}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stages = %v, want %v", stages, want)
		}
	}
	if st.FinalAnswer != streamed.String() {
		t.Fatalf("final answer %q does not match streamed tokens %q", st.FinalAnswer, streamed.String())
	}
	if !st.ReflectionPassed {
		t.Fatal("reflection should have passed")
	}
}

func TestRun_FullPath(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		completions: []any{
			"Research findings",
			"✅ Verified claims",
			"🔴 Competition risk (Page 4)",
			"APPROVED",
		},
		tokens: longAnswer(),
	}
	st := baseState(types.AgentResearch, types.AgentVerification, types.AgentRisk, types.AgentSynthesis)

	var stages []types.AgentKind
	hooks := Hooks{OnStage: func(stage types.AgentKind) { stages = append(stages, stage) }}

	if err := newTestOrchestrator(p).Run(context.Background(), st, hooks); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []types.AgentKind{
		types.AgentResearch, types.AgentVerification, types.AgentRisk,
		types.AgentSynthesis, types.AgentReflection,
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stages = %v, want %v", stages, want)
		}
	}
	if st.VerificationOutput == "" || st.RiskOutput == "" {
		t.Fatal("verification and risk outputs missing")
	}
}

func TestRun_DegradedResearchIsNotFatal(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		completions: []any{errors.New("model overloaded"), "APPROVED"},
		tokens:      longAnswer(),
	}
	st := baseState(types.AgentResearch)

	if err := newTestOrchestrator(p).Run(context.Background(), st, Hooks{}); err != nil {
		t.Fatalf("degraded research must not abort the run: %v", err)
	}
	if !st.Degraded(types.AgentResearch) {
		t.Fatal("research should be marked degraded")
	}
	if st.FinalAnswer == "" {
		t.Fatal("synthesis should still produce an answer")
	}
	// The failure must be visible to synthesis, not silently swallowed.
	if !strings.Contains(st.ResearchOutput, "Research step failed") {
		t.Fatalf("degraded research should leave a placeholder, got %q", st.ResearchOutput)
	}
	if p.streamReq == nil {
		t.Fatal("synthesis was never called")
	}
	prompt := p.streamReq.Messages[len(p.streamReq.Messages)-1].Content
	if !strings.Contains(prompt, "Research step failed") {
		t.Fatalf("synthesis prompt missing the degradation caveat:\n%s", prompt)
	}
}

func TestRun_DegradedVerificationAndRiskLeaveCaveats(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		completions: []any{
			"Research findings",
			errors.New("model overloaded"),
			errors.New("model overloaded"),
			"APPROVED",
		},
		tokens: longAnswer(),
	}
	st := baseState(types.AgentResearch, types.AgentVerification, types.AgentRisk, types.AgentSynthesis)

	if err := newTestOrchestrator(p).Run(context.Background(), st, Hooks{}); err != nil {
		t.Fatalf("degraded stages must not abort the run: %v", err)
	}
	if !st.Degraded(types.AgentVerification) || !st.Degraded(types.AgentRisk) {
		t.Fatal("verification and risk should be marked degraded")
	}
	if !strings.Contains(st.VerificationOutput, "unverified") {
		t.Fatalf("verification placeholder missing, got %q", st.VerificationOutput)
	}
	if !strings.Contains(st.RiskOutput, "incomplete") {
		t.Fatalf("risk placeholder missing, got %q", st.RiskOutput)
	}
	prompt := p.streamReq.Messages[len(p.streamReq.Messages)-1].Content
	if !strings.Contains(prompt, st.VerificationOutput) || !strings.Contains(prompt, st.RiskOutput) {
		t.Fatalf("synthesis prompt missing degradation caveats:\n%s", prompt)
	}
}

func TestRun_SynthesisFailureIsFatal(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		completions: []any{"Research findings"},
		streamErr:   errors.New("stream refused"),
	}
	st := baseState(types.AgentResearch)

	err := newTestOrchestrator(p).Run(context.Background(), st, Hooks{})
	if err == nil {
		t.Fatal("expected synthesis failure")
	}
	if types.GetErrorCode(err) != types.ErrSynthesisFailure {
		t.Fatalf("error code = %v, want %v", types.GetErrorCode(err), types.ErrSynthesisFailure)
	}
	if !types.IsFatal(err) {
		t.Fatal("synthesis failure must be fatal")
	}
}

func TestRun_ReflectionShortCircuitOnShortAnswer(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		completions: []any{"Research findings"},
		tokens:      []string{"No data."},
	}
	st := baseState(types.AgentResearch)

	if err := newTestOrchestrator(p).Run(context.Background(), st, Hooks{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.ReflectionPassed {
		t.Fatal("reflection must fail on a too-short answer")
	}
	if st.FinalAnswer != insufficientAnswer {
		t.Fatalf("short answer should be replaced, got %q", st.FinalAnswer)
	}
}

func TestRun_ReflectionDisclaimer(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		completions: []any{"Research findings", "NEEDS_DISCLAIMER: web sources were unavailable"},
		tokens:      longAnswer(),
	}
	st := baseState(types.AgentResearch)

	if err := newTestOrchestrator(p).Run(context.Background(), st, Hooks{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !st.ReflectionPassed {
		t.Fatal("disclaimer still counts as passed")
	}
	if !strings.HasSuffix(st.FinalAnswer, "*Note: web sources were unavailable*") {
		t.Fatalf("disclaimer missing:\n%s", st.FinalAnswer)
	}
}

func TestRun_ReflectionFailureApprovesAnswer(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		completions: []any{"Research findings", errors.New("evaluator down")},
		tokens:      longAnswer(),
	}
	st := baseState(types.AgentResearch)

	if err := newTestOrchestrator(p).Run(context.Background(), st, Hooks{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !st.ReflectionPassed {
		t.Fatal("reflection failure should approve the answer as-is")
	}
	if strings.Contains(st.FinalAnswer, "Note:") {
		t.Fatal("no disclaimer should be added on reflection failure")
	}
}

func TestRun_Cancellation(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		completions: []any{"Research findings"},
		tokens:      longAnswer(),
	}
	st := baseState(types.AgentResearch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestOrchestrator(p).Run(ctx, st, Hooks{})
	if types.GetErrorCode(err) != types.ErrQueryCancelled {
		t.Fatalf("error code = %v, want %v", types.GetErrorCode(err), types.ErrQueryCancelled)
	}
}

func TestRunResearch_WebSourceBlocks(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{completions: []any{"Stock is up 3% [Web Source 1]"}}
	st := baseState(types.AgentResearch)
	st.WebResults = []types.WebResult{
		{Title: "Quarterly results", URL: "https://www.moneycontrol.com/q3", Content: "Stock up 3% after results."},
	}

	newTestOrchestrator(p).runResearch(context.Background(), st)

	if len(p.compReqs) != 1 {
		t.Fatalf("expected one completion call, got %d", len(p.compReqs))
	}
	prompt := p.compReqs[0].Messages[len(p.compReqs[0].Messages)-1].Content
	if !strings.Contains(prompt, "[Web Source 1: Moneycontrol] Quarterly results") {
		t.Fatalf("web source block missing from research prompt:\n%s", prompt)
	}
}

func TestFormatRiskChunks_Filtering(t *testing.T) {
	t.Parallel()

	chunks := []types.RerankedResult{
		{ChunkResult: types.ChunkResult{PageNumber: 1, Text: "Revenue grew 12% this quarter."}},
		{ChunkResult: types.ChunkResult{PageNumber: 7, Text: "Litigation exposure remains a key uncertainty."}},
	}

	out := formatRiskChunks(chunks)
	if strings.Contains(out, "Revenue grew") {
		t.Fatalf("non-risk chunk leaked into risk context:\n%s", out)
	}
	if !strings.Contains(out, "Litigation exposure") || !strings.Contains(out, "(Page 7)") {
		t.Fatalf("risk chunk missing:\n%s", out)
	}

	if got := formatRiskChunks(nil); got != "No chunks available for risk analysis" {
		t.Fatalf("empty chunks: %q", got)
	}
}
