// Package provider executes single structured LLM calls with per-attempt
// timeouts, retries with temperature decay, and circuit breaking.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Request is one completion request sent to an LLM.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
	// Label names the request in usage logs.
	Label string
}

// Response is the raw completion returned by an LLM. InputTokens excludes
// prompt-cache writes and reads, which are billed at their own rates.
type Response struct {
	Text             string
	Model            string
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// LLM is a single provider endpoint. Implementations classify failures as
// resilience.TransientError or resilience.PermanentError, and may return a
// non-nil Response alongside an error so billed usage is still counted.
type LLM interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CallFailedError is returned when a call exhausts its attempts or hits a
// non-retryable error. Err is the last cause.
type CallFailedError struct {
	Provider  string
	Model     string
	Attempts  int
	Permanent bool
	Err       error
}

func (e *CallFailedError) Error() string {
	kind := "exhausted retries"
	if e.Permanent {
		kind = "non-retryable"
	}
	return fmt.Sprintf("provider: %s/%s call failed (%s, %d attempts): %v", e.Provider, e.Model, kind, e.Attempts, e.Err)
}

func (e *CallFailedError) Unwrap() error { return e.Err }

// ParseError reports output that does not match the expected structure.
type ParseError struct {
	Err error
	Raw string
}

func (e *ParseError) Error() string {
	return "provider: parse output: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractJSON returns the outermost JSON object in text, dropping markdown
// code fences and surrounding prose. It returns text unchanged if no object
// is found.
func ExtractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
