package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/llm"
	"github.com/SHAIK14/Finsight-AI/types"
	"github.com/SHAIK14/Finsight-AI/websearch"
)

const researchSystemPrompt = `You are a research agent extracting financial data from documents and web sources.

CRITICAL RULES:
1. ONLY use information from Document Chunks and Web Results provided
2. DO NOT make up ANY data
3. Extract ALL relevant numbers with full context

FOR DOCUMENT DATA:
- Cite as: (Page X)
- Include company name, time period, metric type

FOR WEB DATA (stock prices, news):
- Cite with ACTUAL website name and URL: (Source: [Moneycontrol](https://moneycontrol.com/...))
- If multiple sources show different prices, pick the MOST RECENT or from NSE/BSE/Moneycontrol
- Do NOT list different conflicting prices - pick ONE reliable source
- Include the date if available

If information not found, say "Information not found in uploaded documents or web search".`

// runResearch extracts question-relevant facts from chunks and web results.
// Failure degrades: a placeholder takes the output's place so downstream
// prompts carry the gap instead of silently losing the stage.
func (o *Orchestrator) runResearch(ctx context.Context, st *State) {
	webText := "No web results"
	if len(st.WebResults) > 0 {
		webText = websearch.FormatForPrompt(st.WebResults)
	}

	userPrompt := fmt.Sprintf(
		"Question: %s\n\nDocument Chunks:\n%s\n\nWeb Results:\n%s\n\nExtract relevant information with proper citations:",
		st.Question, formatChunks(st.Chunks), webText)

	resp, err := o.provider.Completion(ctx, &llm.ChatRequest{
		Model: o.config.FastModel,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: researchSystemPrompt},
			{Role: llm.RoleUser, Content: userPrompt},
		},
		Temperature: 0,
	})
	if err != nil {
		o.logger.Warn("research stage failed", zap.Error(err))
		st.markDegraded(types.AgentResearch)
		st.ResearchOutput = "Research step failed; no extracted findings are available. Answer from the document excerpts directly and note the gap."
		return
	}

	st.ResearchOutput = resp.Text()
}
