// Package types provides core types used across the Finsight query pipeline.
// This package has ZERO dependencies on other Finsight packages to avoid circular imports.
// All other packages should import types from here.
package types

import (
	"time"
)

// Tier identifies the requester's subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierAdmin   Tier = "admin"
)

// Query is one inbound question against a set of uploaded documents.
// Immutable once accepted by the pipeline.
type Query struct {
	Text        string   `json:"question"`
	DocumentIDs []string `json:"document_ids"`
	SessionID   string   `json:"session_id,omitempty"`
	Tier        Tier     `json:"-"`
	UserID      string   `json:"-"`
}

// Intent classifies what kind of answer the question is after.
type Intent string

const (
	IntentFactual    Intent = "factual"
	IntentComparison Intent = "comparison"
	IntentRisk       Intent = "risk"
	IntentTrend      Intent = "trend"
	IntentRecentData Intent = "recent_data"
)

// Complexity grades how much reasoning the question needs.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// AgentKind identifies one reasoning stage of the orchestrator.
type AgentKind string

const (
	AgentResearch     AgentKind = "research"
	AgentVerification AgentKind = "verification"
	AgentRisk         AgentKind = "risk"
	AgentSynthesis    AgentKind = "synthesis"
	AgentReflection   AgentKind = "reflection"
)

// RouteDecision is the classifier output for one query.
// Produced exactly once per query and read-only thereafter.
type RouteDecision struct {
	Intent             Intent      `json:"intent"`
	NeedsWebSearch     bool        `json:"needs_web_search"`
	AgentsNeeded       []AgentKind `json:"agents_needed"`
	Complexity         Complexity  `json:"complexity"`
	WebSearchPermitted bool        `json:"web_search_permitted"`
}

// Requires reports whether the decision asks for the given agent.
func (d RouteDecision) Requires(kind AgentKind) bool {
	for _, a := range d.AgentsNeeded {
		if a == kind {
			return true
		}
	}
	return false
}

// ChunkResult is one indexed document segment returned by a retrieval method.
// Sourced from the external chunk index and never mutated by the pipeline.
type ChunkResult struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentName  string  `json:"document_name,omitempty"`
	PageNumber    int     `json:"page_number"`
	SectionTitle  string  `json:"section_title,omitempty"`
	Text          string  `json:"text"`
	SemanticScore float64 `json:"semantic_score,omitempty"`
	KeywordScore  float64 `json:"keyword_score,omitempty"`
}

// FusedResult is a ChunkResult with its reciprocal-rank-fusion score and the
// best 1-based rank it held in any contributing sub-ranking.
type FusedResult struct {
	ChunkResult
	FusionScore float64 `json:"fusion_score"`
	BestRank    int     `json:"best_rank"`
}

// RerankedResult is a fused chunk that survived the second-pass relevance
// scoring; it carries everything needed for a citation.
type RerankedResult struct {
	ChunkResult
	RelevanceScore float64 `json:"relevance_score"`
}

// WebResult is one external web search hit. Web provenance is kept distinct
// from document provenance so citations never conflate the two.
type WebResult struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Content     string  `json:"content"`
	SourceScore float64 `json:"score"`
}

// Role identifies the author of a session turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a session transcript.
type Turn struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Sources   []RerankedResult `json:"sources,omitempty"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
}

// FinalAnswerPayload is everything needed to replay a completed answer:
// the cached value stored per the answer-cache contract and the body of the
// terminal done event.
type FinalAnswerPayload struct {
	Answer     string           `json:"answer"`
	Sources    []RerankedResult `json:"sources"`
	WebSources []WebResult      `json:"web_sources,omitempty"`
	SessionID  string           `json:"session_id"`
	Cached     bool             `json:"cached"`
	Cancelled  bool             `json:"cancelled,omitempty"`
}
