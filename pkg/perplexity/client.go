// Package perplexity is a client for Perplexity's search-grounded answers,
// used to research facts missing from a company profile.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar-pro"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 4 << 20
	maxErrorBody     = 512
)

// Recency windows accepted by the search_recency_filter parameter.
const (
	RecencyDay   = "day"
	RecencyWeek  = "week"
	RecencyMonth = "month"
	RecencyYear  = "year"
)

// Client answers one research question.
type Client interface {
	Search(ctx context.Context, q Query) (*Answer, error)
}

// Query is a single research question.
type Query struct {
	System   string
	Question string
	// Model overrides the client default.
	Model string
	// Recency limits sources to a window; empty searches everything.
	Recency string
	// Domains restricts sources; a "-" prefix excludes a domain instead.
	Domains   []string
	MaxTokens int
}

// Answer is the grounded response to a Query.
type Answer struct {
	Text             string
	Sources          []string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Source returns the first cited URL, or "perplexity" when the answer cites
// nothing.
func (a *Answer) Source() string {
	for _, s := range a.Sources {
		if s != "" {
			return s
		}
	}
	return "perplexity"
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("perplexity: unexpected status %d: %s", e.StatusCode, e.Body)
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type searchRequest struct {
	Model               string    `json:"model"`
	Messages            []message `json:"messages"`
	MaxTokens           int       `json:"max_tokens,omitempty"`
	Temperature         float64   `json:"temperature"`
	SearchRecencyFilter string    `json:"search_recency_filter,omitempty"`
	SearchDomainFilter  []string  `json:"search_domain_filter,omitempty"`
}

type searchResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Citations     []string `json:"citations"`
	SearchResults []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"search_results"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL. Empty keeps the default.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithModel overrides the default model. Empty keeps the default.
func WithModel(model string) Option {
	return func(c *httpClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a Perplexity search client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, q Query) (*Answer, error) {
	if strings.TrimSpace(q.Question) == "" {
		return nil, eris.New("perplexity: empty question")
	}
	req := searchRequest{
		Model:               q.Model,
		MaxTokens:           q.MaxTokens,
		SearchRecencyFilter: q.Recency,
		SearchDomainFilter:  q.Domains,
	}
	if req.Model == "" {
		req.Model = c.model
	}
	if q.System != "" {
		req.Messages = append(req.Messages, message{Role: "system", Content: q.System})
	}
	req.Messages = append(req.Messages, message{Role: "user", Content: q.Question})

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: read response")
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       msg,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var sr searchResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, eris.Wrap(err, "perplexity: unmarshal response")
	}
	if len(sr.Choices) == 0 {
		return nil, eris.Errorf("perplexity: response %s has no choices", sr.ID)
	}

	ans := &Answer{
		Text:             strings.TrimSpace(sr.Choices[0].Message.Content),
		Sources:          sr.Citations,
		Model:            sr.Model,
		PromptTokens:     sr.Usage.PromptTokens,
		CompletionTokens: sr.Usage.CompletionTokens,
	}
	if len(ans.Sources) == 0 {
		for _, r := range sr.SearchResults {
			ans.Sources = append(ans.Sources, r.URL)
		}
	}
	return ans, nil
}

// parseRetryAfter reads a delay-seconds Retry-After header. HTTP-date values
// are ignored.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
