package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// PipelineRequest is the immutable input for one submission. It is created
// once by the inbound layer and never mutated by the pipeline.
type PipelineRequest struct {
	SubmissionID string         `json:"submission_id"`
	Company      string         `json:"company"`
	Industry     string         `json:"industry"`
	Challenge    string         `json:"challenge"`
	Enrichment   map[string]any `json:"enrichment,omitempty"` // pre-supplied context, e.g. from form auto-fill
}

// Validate checks that the request carries enough context to run stage 1.
func (r PipelineRequest) Validate() error {
	if strings.TrimSpace(r.Company) == "" {
		return eris.New("model: request company is required")
	}
	if strings.TrimSpace(r.Industry) == "" {
		return eris.New("model: request industry is required")
	}
	if strings.TrimSpace(r.Challenge) == "" {
		return eris.New("model: request challenge is required")
	}
	return nil
}

// EnrichmentValue returns a pre-supplied enrichment value and whether it is
// present and non-empty.
func (r PipelineRequest) EnrichmentValue(key string) (any, bool) {
	v, ok := r.Enrichment[key]
	if !ok || IsEmptyValue(v) {
		return nil, false
	}
	return v, true
}

// IsEmptyValue reports whether v carries no usable information.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return isPlaceholder(t)
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// placeholders are answers that mean "no data". A leading "unknown" also
// covers qualified answers such as "Unknown, not publicly disclosed".
var placeholders = map[string]bool{"": true, "unknown": true, "n/a": true, "null": true, "none": true}

func isPlaceholder(s string) bool {
	s = strings.TrimRight(strings.ToLower(strings.TrimSpace(s)), ".!;:, ")
	if placeholders[s] {
		return true
	}
	rest, ok := strings.CutPrefix(s, "unknown")
	if !ok {
		return false
	}
	r := rest[0]
	return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
}
