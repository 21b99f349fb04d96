package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/research"
)

// ErrInvariant marks an internal consistency violation, such as two stages
// writing the same result section.
var ErrInvariant = eris.New("pipeline: invariant violated")

// State is the per-run context shared by the stages of one run. Stage n
// sees the results of stages 1..n-1 and never rewrites them. A State is
// owned by a single run and is not safe for concurrent use.
type State struct {
	Request model.PipelineRequest
	RunID   string

	results map[model.StageID]*model.StageResult
	skipped []model.StageID
}

func newState(req model.PipelineRequest) *State {
	return &State{
		Request: req,
		results: make(map[model.StageID]*model.StageResult, len(model.AllStages)),
	}
}

// Result returns the completed result for stage.
func (s *State) Result(stage model.StageID) (*model.StageResult, bool) {
	r, ok := s.results[stage]
	return r, ok
}

// Skipped reports whether stage was skipped in this run.
func (s *State) Skipped(stage model.StageID) bool {
	for _, id := range s.skipped {
		if id == stage {
			return true
		}
	}
	return false
}

func (s *State) add(res *model.StageResult) error {
	if _, dup := s.results[res.Stage]; dup {
		return eris.Wrapf(ErrInvariant, "stage %s completed twice", res.Stage)
	}
	s.results[res.Stage] = res
	return nil
}

func (s *State) skip(stage model.StageID) {
	s.skipped = append(s.skipped, stage)
}

// payloadOf returns the typed payload of a completed stage.
func payloadOf[T model.Payload](s *State, stage model.StageID) (T, bool) {
	var zero T
	r, ok := s.results[stage]
	if !ok || r.Payload == nil {
		return zero, false
	}
	p, ok := r.Payload.(T)
	return p, ok
}

// Extraction returns the raw stage 1 profile.
func (s *State) Extraction() *model.ExtractionPayload {
	p, _ := payloadOf[*model.ExtractionPayload](s, model.StageExtraction)
	return p
}

// Gaps returns the stage 2 payload, or nil when gap analysis was skipped.
func (s *State) Gaps() *model.GapAnalysisPayload {
	p, _ := payloadOf[*model.GapAnalysisPayload](s, model.StageGapAnalysis)
	return p
}

// Profile returns the stage 1 profile with gap findings applied. The
// stored stage 1 payload is left untouched.
func (s *State) Profile() *model.ExtractionPayload {
	profile := s.Extraction()
	if profile == nil {
		return nil
	}
	return research.Enrich(profile, s.Gaps())
}

// Frameworks returns the stage 3 payload.
func (s *State) Frameworks() *model.FrameworksPayload {
	p, _ := payloadOf[*model.FrameworksPayload](s, model.StageFrameworks)
	return p
}

// Competitive returns the stage 4 payload.
func (s *State) Competitive() *model.CompetitivePayload {
	p, _ := payloadOf[*model.CompetitivePayload](s, model.StageCompetitive)
	return p
}

// Risks returns the stage 5 payload.
func (s *State) Risks() *model.RiskPayload {
	p, _ := payloadOf[*model.RiskPayload](s, model.StageRiskPriority)
	return p
}

// upstream returns a digest of every completed stage before stage, keyed by
// stage key. Later stages hash these instead of embedding whole payloads so
// the cache key stays within the truncation window.
func (s *State) upstream(stage model.StageID) map[string]string {
	out := make(map[string]string)
	for _, id := range model.AllStages {
		if id >= stage {
			break
		}
		r, ok := s.results[id]
		if !ok {
			continue
		}
		out[id.Key()] = digest(r.Payload)
	}
	return out
}

func digest(p model.Payload) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
