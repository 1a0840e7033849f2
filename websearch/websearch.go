// Package websearch augments document answers with live market context from
// a web search API. Search is strictly best effort: every failure mode,
// including zero results, degrades to document-only answers.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SHAIK14/Finsight-AI/types"
)

// financeDomains restricts search to established financial publications so
// synthesized answers do not cite arbitrary blogs.
var financeDomains = []string{
	"moneycontrol.com",
	"economictimes.indiatimes.com",
	"screener.in",
	"bseindia.com",
	"nseindia.com",
	"livemint.com",
	"businesstoday.in",
	"tickertape.in",
	"reuters.com",
	"bloomberg.com",
}

// Config controls the search client.
type Config struct {
	APIKey             string        `yaml:"api_key" json:"api_key"`
	BaseURL            string        `yaml:"base_url" json:"base_url"`
	MaxResults         int           `yaml:"max_results" json:"max_results"`
	FinanceDomainsOnly bool          `yaml:"finance_domains_only" json:"finance_domains_only"`
	RateLimitRPS       float64       `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst     int           `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the default web search configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:            "https://api.tavily.com",
		MaxResults:         5,
		FinanceDomainsOnly: true,
		RateLimitRPS:       2,
		RateLimitBurst:     4,
		Timeout:            15 * time.Second,
	}
}

// Searcher queries a Tavily-compatible search API.
type Searcher struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewSearcher creates a web searcher.
func NewSearcher(config Config, logger *zap.Logger) *Searcher {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.tavily.com"
	}
	if config.MaxResults <= 0 {
		config.MaxResults = 5
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = 2
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = 4
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Searcher{
		config:  config,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitBurst),
		logger:  logger.With(zap.String("component", "websearch")),
	}
}

type searchRequest struct {
	APIKey         string   `json:"api_key"`
	Query          string   `json:"query"`
	SearchDepth    string   `json:"search_depth"`
	Topic          string   `json:"topic"`
	MaxResults     int      `json:"max_results"`
	IncludeDomains []string `json:"include_domains,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs a finance-scoped web search. Errors carry the web search
// failure code so callers can degrade instead of aborting.
func (s *Searcher) Search(ctx context.Context, query string) ([]types.WebResult, error) {
	if s.config.APIKey == "" {
		return nil, types.NewError(types.ErrWebSearchFailure, "web search API key not configured")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, types.NewError(types.ErrWebSearchFailure, "rate limit wait interrupted").WithCause(err)
	}

	body := searchRequest{
		APIKey:      s.config.APIKey,
		Query:       query,
		SearchDepth: "advanced",
		Topic:       "finance",
		MaxResults:  s.config.MaxResults,
	}
	if s.config.FinanceDomainsOnly {
		body.IncludeDomains = financeDomains
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		strings.TrimRight(s.config.BaseURL, "/")+"/search",
		bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrWebSearchFailure, "failed to create search request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrWebSearchFailure, "search request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, types.NewError(types.ErrWebSearchFailure,
			fmt.Sprintf("search API error: status=%d body=%s", resp.StatusCode, truncate(string(raw), 200)))
	}

	var sResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sResp); err != nil {
		return nil, types.NewError(types.ErrWebSearchFailure, "failed to decode search response").WithCause(err)
	}

	results := make([]types.WebResult, 0, len(sResp.Results))
	for _, r := range sResp.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, types.WebResult{
			Title:       r.Title,
			URL:         r.URL,
			Content:     r.Content,
			SourceScore: r.Score,
		})
	}

	if len(results) == 0 {
		return nil, types.NewError(types.ErrWebSearchFailure, "search returned no results")
	}

	s.logger.Info("web search complete",
		zap.String("query", truncate(query, 80)),
		zap.Int("results", len(results)))

	return results, nil
}

// FormatForPrompt renders results as numbered source blocks for the
// reasoning prompts. Answers cite them back as "Web Source N", with the
// site name available for publication-style citations.
func FormatForPrompt(results []types.WebResult) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[Web Source %d: %s] %s\nURL: %s\n%s\n", i+1, SiteName(r.URL), r.Title, r.URL, r.Content)
		if i < len(results)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// SiteName derives a publication display name from a result URL
// ("https://www.moneycontrol.com/..." becomes "Moneycontrol").
func SiteName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "Web"
	}
	host := strings.TrimPrefix(u.Host, "www.")
	name, _, _ := strings.Cut(host, ".")
	if name == "" {
		return "Web"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
