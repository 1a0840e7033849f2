// Package rewrite prepares a raw question for retrieval: follow-up questions
// are rewritten to be standalone using session history, and abbreviations are
// normalized for better document search. Both steps fail open to the
// original question.
package rewrite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/llm"
	"github.com/SHAIK14/Finsight-AI/types"
)

const rewriteSystemPrompt = `You are a query rewriting assistant for a financial document QA system.

Your job: Rewrite the current question to be standalone by incorporating relevant context from the conversation history.

CRITICAL RULES:
1. Resolve all pronouns (it, they, this, that) with specific entities from history
2. Add missing context (company names, time periods) from previous questions
3. PRESERVE temporal references EXACTLY as mentioned in history:
   - If history mentions "last quarter", keep "last quarter"
   - If history mentions "Q2 FY26", keep "Q2 FY26"
   - DO NOT change "last quarter" to "fourth quarter" or vice versa
4. Keep the question concise but complete
5. Preserve the user's intent exactly
6. If the question is already standalone, return it unchanged

IMPORTANT: Copy temporal references (quarters, fiscal years, dates) EXACTLY from the conversation history.`

const normalizeSystemPrompt = `You are a financial query normalizer. Expand abbreviations and make queries more formal for better document search.

Rules:
- Expand stock tickers to full company names (AAPL → Apple Inc., TSLA → Tesla Inc.)
- Expand quarter abbreviations (Q1 → first quarter, Q2 → second quarter, Q3 → third quarter, Q4 → fourth quarter)
- Expand financial abbreviations (rev → revenue, YoY → year over year, EPS → earnings per share)
- Keep the EXACT same meaning, just more formal and complete
- Don't add information that wasn't in the original query
- Don't change the question type`

// Config controls the rewriter.
type Config struct {
	// Model used for rewriting and normalization.
	Model string `yaml:"model" json:"model"`
	// MaxHistoryTurns caps how many prior turns feed the rewrite prompt.
	MaxHistoryTurns int `yaml:"max_history_turns" json:"max_history_turns"`
	// HistoryTokenBudget caps the token cost of the embedded history.
	HistoryTokenBudget int `yaml:"history_token_budget" json:"history_token_budget"`
	// NormalizeEnabled toggles the abbreviation-expansion pass.
	NormalizeEnabled bool `yaml:"normalize_enabled" json:"normalize_enabled"`
	// Timeout bounds one rewrite call.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the default rewriter configuration.
func DefaultConfig() Config {
	return Config{
		Model:              "gpt-4o-mini",
		MaxHistoryTurns:    10,
		HistoryTokenBudget: 2000,
		NormalizeEnabled:   true,
		Timeout:            10 * time.Second,
	}
}

// Rewriter makes follow-up questions standalone and normalizes phrasing.
type Rewriter struct {
	provider llm.Provider
	config   Config
	encoder  *tiktoken.Tiktoken
	logger   *zap.Logger
}

// NewRewriter creates a query rewriter.
func NewRewriter(provider llm.Provider, config Config, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	// cl100k_base covers the GPT-4 family; a missing encoding only disables
	// the token budget, it never blocks rewriting.
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, history budget disabled", zap.Error(err))
	}
	return &Rewriter{
		provider: provider,
		config:   config,
		encoder:  encoder,
		logger:   logger.With(zap.String("component", "rewrite")),
	}
}

// Rewrite returns the retrieval-ready form of the question. With no history
// the rewrite step is skipped entirely. Every failure returns the question
// unchanged.
func (r *Rewriter) Rewrite(ctx context.Context, question string, history []types.Turn) string {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	rewritten := question
	if len(history) > 0 {
		rewritten = r.rewriteWithHistory(ctx, question, history)
	}

	if r.config.NormalizeEnabled {
		rewritten = r.normalize(ctx, rewritten)
	}

	if rewritten != question {
		r.logger.Info("query rewritten",
			zap.String("original", truncate(question, 80)),
			zap.String("rewritten", truncate(rewritten, 80)))
	}
	return rewritten
}

func (r *Rewriter) rewriteWithHistory(ctx context.Context, question string, history []types.Turn) string {
	historyText := r.formatHistory(history)
	if historyText == "" {
		return question
	}

	userPrompt := fmt.Sprintf(
		"Conversation history:\n%s\n\nCurrent question: %s\n\nRewrite this question to be standalone (return ONLY the rewritten question):",
		historyText, question)

	resp, err := r.provider.Completion(ctx, &llm.ChatRequest{
		Model: r.config.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: rewriteSystemPrompt},
			{Role: llm.RoleUser, Content: userPrompt},
		},
		Temperature: 0,
	})
	if err != nil {
		r.logger.Warn("query rewriting failed, using original", zap.Error(err))
		return question
	}

	rewritten := strings.TrimSpace(resp.Text())
	if rewritten == "" {
		return question
	}
	return rewritten
}

func (r *Rewriter) normalize(ctx context.Context, question string) string {
	if strings.TrimSpace(question) == "" {
		return question
	}

	resp, err := r.provider.Completion(ctx, &llm.ChatRequest{
		Model: r.config.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: normalizeSystemPrompt},
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Rewrite this financial query to be more complete and formal:\n\nOriginal query: %s\n\nRewritten query:", question)},
		},
		Temperature: 0,
	})
	if err != nil {
		r.logger.Warn("query normalization failed, using original", zap.Error(err))
		return question
	}

	normalized := strings.TrimSpace(resp.Text())
	if normalized == "" {
		return question
	}
	return normalized
}

// formatHistory renders the most recent turns, newest last, trimmed to the
// turn cap and then to the token budget (dropping oldest first).
func (r *Rewriter) formatHistory(history []types.Turn) string {
	turns := history
	if max := r.config.MaxHistoryTurns; max > 0 && len(turns) > max {
		turns = turns[len(turns)-max:]
	}

	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", capitalize(string(turn.Role)), turn.Content))
	}

	if r.config.HistoryTokenBudget > 0 {
		for len(lines) > 0 {
			joined := strings.Join(lines, "\n")
			if r.tokenCount(joined) <= r.config.HistoryTokenBudget {
				return joined
			}
			lines = lines[1:]
		}
		return ""
	}

	return strings.Join(lines, "\n")
}

// tokenCount measures prompt cost, falling back to a word count when no
// encoder is available.
func (r *Rewriter) tokenCount(s string) int {
	if r.encoder != nil {
		return len(r.encoder.Encode(s, nil, nil))
	}
	return len(strings.Fields(s))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
