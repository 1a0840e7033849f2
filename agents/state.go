// Package agents implements the staged reasoning pipeline that turns
// retrieved evidence into a final answer: research, optional verification and
// risk analysis, streaming synthesis, and a reflection pass over the result.
package agents

import (
	"github.com/SHAIK14/Finsight-AI/types"
)

// State is the shared blackboard threaded through the stages. Each stage
// reads what earlier stages wrote and adds its own output; nothing is ever
// removed.
type State struct {
	// Question is the retrieval-ready (rewritten) question.
	Question string
	// OriginalQuestion is what the user actually typed.
	OriginalQuestion string
	SessionID        string

	Route      types.RouteDecision
	Chunks     []types.RerankedResult
	WebResults []types.WebResult

	ResearchOutput     string
	VerificationOutput string
	RiskOutput         string

	FinalAnswer      string
	ReflectionPassed bool

	// DegradedStages lists stages that failed and were skipped over.
	DegradedStages []types.AgentKind
}

// Degraded reports whether the given stage failed during this run.
func (s *State) Degraded(kind types.AgentKind) bool {
	for _, d := range s.DegradedStages {
		if d == kind {
			return true
		}
	}
	return false
}

func (s *State) markDegraded(kind types.AgentKind) {
	s.DegradedStages = append(s.DegradedStages, kind)
}
