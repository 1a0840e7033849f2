package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/llm"
	"github.com/SHAIK14/Finsight-AI/types"
)

const verificationSystemPrompt = `You are a verification agent that checks research findings for accuracy.

Your job: Cross-reference research claims against source chunks.

Verify:
- Are page numbers correct?
- Are quotes/numbers accurate?
- Are claims supported by sources?
- Any contradictions?

Output format:
- ✅ Verified claims
- ⚠️ Uncertain claims (need more info)
- ❌ Incorrect claims (with corrections)

Be strict but fair.`

// runVerification cross-references research claims against the source
// chunks. With nothing to verify it is a no-op; failure leaves a
// placeholder so synthesis treats the claims as unverified.
func (o *Orchestrator) runVerification(ctx context.Context, st *State) {
	if st.ResearchOutput == "" || st.Degraded(types.AgentResearch) {
		st.VerificationOutput = "No research findings to verify"
		return
	}

	userPrompt := fmt.Sprintf(
		"Research findings to verify:\n%s\n\nSource Chunks:\n%s\n\nVerify these claims:",
		st.ResearchOutput, formatNumberedChunks(st.Chunks))

	resp, err := o.provider.Completion(ctx, &llm.ChatRequest{
		Model: o.config.FastModel,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: verificationSystemPrompt},
			{Role: llm.RoleUser, Content: userPrompt},
		},
		Temperature: 0,
	})
	if err != nil {
		o.logger.Warn("verification stage failed", zap.Error(err))
		st.markDegraded(types.AgentVerification)
		st.VerificationOutput = "Verification step failed; the research claims above are unverified."
		return
	}

	st.VerificationOutput = resp.Text()
}

// formatNumberedChunks renders chunks with stable indexes for cross-checks.
func formatNumberedChunks(chunks []types.RerankedResult) string {
	if len(chunks) == 0 {
		return "No chunks to cross-reference"
	}
	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		parts = append(parts, fmt.Sprintf("[Chunk %d] (Page %d)\n%s\n", i+1, chunk.PageNumber, chunk.Text))
	}
	return strings.Join(parts, "\n")
}
