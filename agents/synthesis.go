package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/llm"
	"github.com/SHAIK14/Finsight-AI/types"
)

const synthesisSystemPrompt = `You are a synthesis agent that creates final answers for financial queries.

Your job: Combine outputs from other agents into one coherent, well-formatted answer.

You receive:
- Research findings (facts from documents/web)
- Verification results (cross-checks, if run)
- Risk analysis (risk assessment, if run)

Create a final answer that:
- Answers the user's question directly
- Uses markdown formatting (headers, lists, tables)
- Cites sources (page numbers for docs, URLs for web)
- Is concise but complete
- Highlights key numbers/percentages

Don't repeat information - synthesize it into a flowing answer.`

// runSynthesis streams the final answer token by token. This is the one
// stage whose failure is fatal: without it there is no answer to return.
func (o *Orchestrator) runSynthesis(ctx context.Context, st *State, onToken func(string)) error {
	var contextParts []string
	if st.ResearchOutput != "" {
		contextParts = append(contextParts, "### Research Findings:\n"+st.ResearchOutput)
	}
	if st.VerificationOutput != "" {
		contextParts = append(contextParts, "### Verification Results:\n"+st.VerificationOutput)
	}
	if st.RiskOutput != "" {
		contextParts = append(contextParts, "### Risk Analysis:\n"+st.RiskOutput)
	}

	userPrompt := fmt.Sprintf(
		"Question: %s\n\nAgent Outputs:\n%s\n\nCreate final answer:",
		st.Question, strings.Join(contextParts, "\n\n"))

	chunks, err := o.provider.Stream(ctx, &llm.ChatRequest{
		Model: o.config.SynthesisModel,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: synthesisSystemPrompt},
			{Role: llm.RoleUser, Content: userPrompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return types.NewError(types.ErrSynthesisFailure, "failed to start answer stream").
			WithCause(err).
			WithStage(string(types.AgentSynthesis))
	}

	var answer strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			// A partial answer is not trustworthy; treat any mid-stream
			// provider error as a synthesis failure.
			return types.NewError(types.ErrSynthesisFailure, "answer stream broke").
				WithCause(chunk.Err).
				WithStage(string(types.AgentSynthesis))
		}
		if chunk.Delta.Content == "" {
			continue
		}
		answer.WriteString(chunk.Delta.Content)
		if onToken != nil {
			onToken(chunk.Delta.Content)
		}
	}

	if err := ctx.Err(); err != nil {
		st.FinalAnswer = answer.String()
		return types.NewError(types.ErrQueryCancelled, "query cancelled during synthesis").WithCause(err)
	}

	st.FinalAnswer = answer.String()
	o.logger.Debug("synthesis complete", zap.Int("answer_len", len(st.FinalAnswer)))
	return nil
}
