package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/llm"
	"github.com/SHAIK14/Finsight-AI/types"
)

const riskSystemPrompt = `You are a risk analysis agent for financial documents.

Your job: Identify and assess risks mentioned in the research findings and documents.

Analyze:
- What risks are mentioned?
- How severe are they?
- Are they quantified?
- Any mitigation strategies mentioned?

Output format:
🔴 High severity risks
🟡 Medium severity risks
🟢 Low severity risks

Include page references and specifics.`

// riskKeywords flag chunks worth feeding to the risk stage.
var riskKeywords = []string{
	"risk", "uncertainty", "loss", "litigation", "compliance",
	"regulatory", "market conditions", "competition",
}

// runRisk assesses risks surfaced by research and the underlying chunks.
// With nothing to analyze it is a no-op; failure leaves a placeholder so
// the answer can flag incomplete risk coverage.
func (o *Orchestrator) runRisk(ctx context.Context, st *State) {
	if st.ResearchOutput == "" || st.Degraded(types.AgentResearch) {
		st.RiskOutput = "No research findings to analyze for risks"
		return
	}

	userPrompt := fmt.Sprintf(
		"Research findings:\n%s\n\nRisk-related sections:\n%s\n\nAnalyze risks:",
		st.ResearchOutput, formatRiskChunks(st.Chunks))

	resp, err := o.provider.Completion(ctx, &llm.ChatRequest{
		Model: o.config.FastModel,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: riskSystemPrompt},
			{Role: llm.RoleUser, Content: userPrompt},
		},
		Temperature: 0,
	})
	if err != nil {
		o.logger.Warn("risk stage failed", zap.Error(err))
		st.markDegraded(types.AgentRisk)
		st.RiskOutput = "Risk analysis step failed; risk coverage in this answer is incomplete."
		return
	}

	st.RiskOutput = resp.Text()
}

// formatRiskChunks keeps only chunks that mention risk-adjacent language.
func formatRiskChunks(chunks []types.RerankedResult) string {
	if len(chunks) == 0 {
		return "No chunks available for risk analysis"
	}

	var parts []string
	for i, chunk := range chunks {
		text := strings.ToLower(chunk.Text)
		for _, keyword := range riskKeywords {
			if strings.Contains(text, keyword) {
				parts = append(parts, fmt.Sprintf("[Risk Chunk %d] (Page %d)\n%s\n", i+1, chunk.PageNumber, chunk.Text))
				break
			}
		}
	}
	if len(parts) == 0 {
		return "No risk-related content found in chunks"
	}
	return strings.Join(parts, "\n")
}
