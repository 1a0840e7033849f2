// 软件包 rerank 提供了统一的重排提供者接口和执行.
package rerank

import (
	"context"
	"time"
)

// RerankRequest 代表重新排序文档的请求。
type RerankRequest struct {
	Query           string     `json:"query"`
	Documents       []Document `json:"documents"`
	Model           string     `json:"model,omitempty"`
	TopN            int        `json:"top_n,omitempty"`            // Return top N results
	ReturnDocuments bool       `json:"return_documents,omitempty"` // Include document text in response
}

// Document 代表要重新排序的文档。
type Document struct {
	Text string `json:"text"`
	ID   string `json:"id,omitempty"`
}

// RerankResponse 代表由 rerank 请求产生的响应.
type RerankResponse struct {
	ID        string         `json:"id,omitempty"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Results   []RerankResult `json:"results"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// RerankResult 代表单一被重新排序的文档.
type RerankResult struct {
	Index          int     `json:"index"`           // Original index in input
	RelevanceScore float64 `json:"relevance_score"` // 0-1 normalized score
}

// Provider 定义了统一的重排提供者接口.
type Provider interface {
	// 根据查询的关联性重新排序文档。
	Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error)

	// 名称返回提供者名称。
	Name() string
}
