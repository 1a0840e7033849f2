package agents

import (
	"fmt"
	"strings"

	"github.com/SHAIK14/Finsight-AI/types"
)

// formatChunks renders document chunks with contextual headers so the model
// can cite pages and sections.
func formatChunks(chunks []types.RerankedResult) string {
	if len(chunks) == 0 {
		return "No document chunks found"
	}

	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		name := chunk.DocumentName
		if name == "" {
			name = "Document"
		}
		section := ""
		if chunk.SectionTitle != "" {
			section = " | " + chunk.SectionTitle
		}
		parts = append(parts, fmt.Sprintf("[%s%s | Page %d]\n%s\n", name, section, chunk.PageNumber, chunk.Text))
	}
	return strings.Join(parts, "\n---\n")
}
