// Package router classifies inbound questions and decides which reasoning
// stages a query needs, whether it wants live web data, and whether the
// requester's tier actually permits that.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/llm"
	"github.com/SHAIK14/Finsight-AI/types"
)

const classifySystemPrompt = `Analyze this financial query and return JSON with:
- intent: factual|comparison|risk|trend|recent_data
- needs_web_search: true ONLY if asking about real-time data like "stock price now", "trading today", "market news". Do NOT set true for "latest earnings" from documents.
- agents_needed: list from ["research", "verification", "risk", "synthesis"]
- complexity: simple|medium|complex

AGENT SELECTION RULES:
- "research": ALWAYS include - extracts data from documents/web
- "verification": Include when accuracy is critical (financial numbers, comparisons, claims)
- "risk": Include when asking about risks, challenges, threats, or financial health
- "synthesis": Include for multi-part questions or comparisons

Examples:
Q: "What was Q3 revenue?"
A: {"intent": "factual", "needs_web_search": false, "agents_needed": ["research", "synthesis"], "complexity": "simple"}

Q: "What's the current stock price?"
A: {"intent": "recent_data", "needs_web_search": true, "agents_needed": ["research", "synthesis"], "complexity": "simple"}

Q: "What are the risks mentioned in the report?"
A: {"intent": "risk", "needs_web_search": false, "agents_needed": ["research", "risk", "synthesis"], "complexity": "medium"}

Q: "Compare revenue and profit across quarters with risk analysis"
A: {"intent": "comparison", "needs_web_search": false, "agents_needed": ["research", "verification", "risk", "synthesis"], "complexity": "complex"}

Q: "Is the revenue figure of 718 crore accurate?"
A: {"intent": "factual", "needs_web_search": false, "agents_needed": ["research", "verification", "synthesis"], "complexity": "medium"}

Return only valid JSON.`

// Config controls the classifier.
type Config struct {
	// Model used for classification; a small, fast model is enough.
	Model string `yaml:"model" json:"model"`
	// Timeout bounds one classification call.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		Model:   "gpt-4o-mini",
		Timeout: 10 * time.Second,
	}
}

// Router classifies queries with an LLM and falls back to a deterministic
// minimal route when classification fails in any way.
type Router struct {
	provider llm.Provider
	config   Config
	logger   *zap.Logger
}

// NewRouter creates a query router.
func NewRouter(provider llm.Provider, config Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		provider: provider,
		config:   config,
		logger:   logger.With(zap.String("component", "router")),
	}
}

// Route classifies the question and applies the tier gate. It never returns
// an error: a failed or malformed classification degrades to the fallback
// route so the query always proceeds.
func (r *Router) Route(ctx context.Context, question string, tier types.Tier) types.RouteDecision {
	decision, err := r.classify(ctx, question)
	if err != nil {
		r.logger.Warn("classification failed, using fallback route",
			zap.String("question", truncate(question, 80)),
			zap.Error(err))
		decision = FallbackDecision()
	}

	decision.WebSearchPermitted = decision.NeedsWebSearch && tierAllowsWebSearch(tier)

	r.logger.Info("query routed",
		zap.String("intent", string(decision.Intent)),
		zap.Bool("needs_web_search", decision.NeedsWebSearch),
		zap.Bool("web_search_permitted", decision.WebSearchPermitted),
		zap.String("complexity", string(decision.Complexity)))

	return decision
}

// FallbackDecision is the deterministic route used when classification is
// unavailable: document-only research at the lowest complexity.
func FallbackDecision() types.RouteDecision {
	return types.RouteDecision{
		Intent:         types.IntentFactual,
		NeedsWebSearch: false,
		AgentsNeeded:   []types.AgentKind{types.AgentResearch},
		Complexity:     types.ComplexitySimple,
	}
}

func (r *Router) classify(ctx context.Context, question string) (types.RouteDecision, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	resp, err := r.provider.Completion(ctx, &llm.ChatRequest{
		Model: r.config.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: classifySystemPrompt},
			{Role: llm.RoleUser, Content: question},
		},
		Temperature: 0,
	})
	if err != nil {
		return types.RouteDecision{}, types.NewError(types.ErrClassificationFailure, "classifier call failed").WithCause(err)
	}

	var raw struct {
		Intent         string   `json:"intent"`
		NeedsWebSearch bool     `json:"needs_web_search"`
		AgentsNeeded   []string `json:"agents_needed"`
		Complexity     string   `json:"complexity"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Text())), &raw); err != nil {
		return types.RouteDecision{}, types.NewError(types.ErrClassificationFailure, "classifier returned malformed JSON").WithCause(err)
	}

	decision := types.RouteDecision{
		Intent:         parseIntent(raw.Intent),
		NeedsWebSearch: raw.NeedsWebSearch,
		Complexity:     parseComplexity(raw.Complexity),
	}
	if decision.Intent == "" || decision.Complexity == "" {
		return types.RouteDecision{}, types.NewError(types.ErrClassificationFailure, "classifier returned unknown intent or complexity")
	}

	for _, name := range raw.AgentsNeeded {
		if kind, ok := parseAgentKind(name); ok {
			decision.AgentsNeeded = append(decision.AgentsNeeded, kind)
		}
	}
	// Research is mandatory whatever the classifier said.
	if !decision.Requires(types.AgentResearch) {
		decision.AgentsNeeded = append([]types.AgentKind{types.AgentResearch}, decision.AgentsNeeded...)
	}

	return decision, nil
}

// tierAllowsWebSearch gates live data behind paid tiers.
func tierAllowsWebSearch(tier types.Tier) bool {
	switch tier {
	case types.TierPremium, types.TierAdmin:
		return true
	}
	return false
}

func parseIntent(s string) types.Intent {
	switch types.Intent(strings.ToLower(strings.TrimSpace(s))) {
	case types.IntentFactual:
		return types.IntentFactual
	case types.IntentComparison:
		return types.IntentComparison
	case types.IntentRisk:
		return types.IntentRisk
	case types.IntentTrend:
		return types.IntentTrend
	case types.IntentRecentData:
		return types.IntentRecentData
	}
	return ""
}

func parseComplexity(s string) types.Complexity {
	switch types.Complexity(strings.ToLower(strings.TrimSpace(s))) {
	case types.ComplexitySimple:
		return types.ComplexitySimple
	case types.ComplexityMedium:
		return types.ComplexityMedium
	case types.ComplexityComplex:
		return types.ComplexityComplex
	}
	return ""
}

func parseAgentKind(s string) (types.AgentKind, bool) {
	switch types.AgentKind(strings.ToLower(strings.TrimSpace(s))) {
	case types.AgentResearch:
		return types.AgentResearch, true
	case types.AgentVerification:
		return types.AgentVerification, true
	case types.AgentRisk:
		return types.AgentRisk, true
	case types.AgentSynthesis:
		return types.AgentSynthesis, true
	}
	return "", false
}

// stripCodeFence removes a ```json fence if the model wrapped its output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
