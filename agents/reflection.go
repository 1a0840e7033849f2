package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/llm"
)

const reflectionSystemPrompt = `You evaluate financial analysis responses for quality.

Check these criteria:
1. Does the answer directly address the question asked?
2. Are claims supported by the source documents?
3. Are there specific numbers, dates, or facts (not vague statements)?
4. Is there potential hallucination (claims without source backing)?

Respond with ONLY one of:
- "APPROVED" if the answer is good
- "NEEDS_DISCLAIMER: [reason]" if answer might be incomplete or uncertain`

// insufficientAnswer replaces answers too short to be useful.
const insufficientAnswer = "I couldn't find enough information in the documents to answer this question. Please try rephrasing or upload relevant documents."

// minAnswerLength is the short-circuit threshold below which an answer is
// judged insufficient without consulting the model.
const minAnswerLength = 50

// evaluationWindow caps how much of the answer the evaluator reads.
const evaluationWindow = 2000

// runReflection quality-checks the synthesized answer. Too-short answers are
// replaced outright; an uncertain evaluation appends a disclaimer; any
// reflection failure approves the answer as-is.
func (o *Orchestrator) runReflection(ctx context.Context, st *State) {
	if len(st.FinalAnswer) < minAnswerLength {
		st.ReflectionPassed = false
		st.FinalAnswer = insufficientAnswer
		return
	}

	var sources strings.Builder
	for i, chunk := range st.Chunks {
		if i >= 3 {
			break
		}
		preview := chunk.Text
		if len(preview) > 150 {
			preview = preview[:150]
		}
		fmt.Fprintf(&sources, "[Page %d]: %s...\n", chunk.PageNumber, preview)
	}

	answer := st.FinalAnswer
	if len(answer) > evaluationWindow {
		answer = answer[:evaluationWindow]
	}

	userPrompt := fmt.Sprintf(
		"Question: %s\n\nAnswer to evaluate:\n%s\n\nAvailable sources (partial):\n%s\n\nEvaluate:",
		st.Question, answer, sources.String())

	resp, err := o.provider.Completion(ctx, &llm.ChatRequest{
		Model: o.config.FastModel,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: reflectionSystemPrompt},
			{Role: llm.RoleUser, Content: userPrompt},
		},
		Temperature: 0,
	})
	if err != nil {
		o.logger.Warn("reflection stage failed, approving answer as-is", zap.Error(err))
		st.ReflectionPassed = true
		return
	}

	evaluation := strings.TrimSpace(resp.Text())
	switch {
	case strings.Contains(evaluation, "APPROVED"):
		st.ReflectionPassed = true
	case strings.Contains(evaluation, "NEEDS_DISCLAIMER"):
		st.ReflectionPassed = true
		reason := strings.TrimSpace(strings.ReplaceAll(evaluation, "NEEDS_DISCLAIMER:", ""))
		st.FinalAnswer = fmt.Sprintf("%s\n\n---\n*Note: %s*", st.FinalAnswer, reason)
	default:
		st.ReflectionPassed = true
	}
}
