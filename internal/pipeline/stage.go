package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategy-cli/internal/config"
	"github.com/sells-group/strategy-cli/internal/memory"
	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/provider"
	"github.com/sells-group/strategy-cli/internal/research"
)

// Provider labels for stages that were satisfied without a model call.
const (
	SourceMemory = "institutional_memory"
	SourceLocal  = "local"
)

// modelConfidence is recorded with facts written back to institutional memory.
const modelConfidence = 0.8

// Stage is one ordered step of the analysis.
type Stage interface {
	ID() model.StageID
	// Input returns everything the stage reads from the run state. It is
	// the source of the stage cache key.
	Input(s *State) any
	Execute(ctx context.Context, s *State) (*Output, error)
}

// Output is what a stage produced before caching and pricing.
type Output struct {
	Payload          model.Payload
	Provider         string
	Model            string
	ResponseModel    string
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
	ResearchQueries  int
}

// Caller executes one structured provider call. *provider.Caller
// satisfies it.
type Caller interface {
	Call(ctx context.Context, call provider.Call) (*provider.Result, error)
}

// GapAnalyzer runs stage 2. *research.Analyzer satisfies it.
type GapAnalyzer interface {
	RequiredFields() []string
	Analyze(ctx context.Context, req model.PipelineRequest, profile *model.ExtractionPayload) (*research.GapReport, error)
}

// Memory is the institutional memory used by stages. *memory.Store
// satisfies it.
type Memory interface {
	LookupInto(ctx context.Context, entityType, entityID string, minConfidence float64, v any) (*model.MemoryEntry, bool, error)
	Upsert(ctx context.Context, entityType, entityID string, data any, source string, confidence float64) (memory.Outcome, *model.MemoryEntry, error)
}

// llm issues the provider call for one stage and decodes the payload.
type llm struct {
	caller Caller
	cfg    config.StageConfig
}

func (l llm) complete(ctx context.Context, stage model.StageID, system, prompt string) (*Output, error) {
	if l.caller == nil {
		return nil, eris.Errorf("pipeline: no provider caller for stage %s", stage)
	}

	var payload model.Payload
	res, err := l.caller.Call(ctx, provider.Call{
		Provider:    l.cfg.Provider,
		Model:       l.cfg.Model,
		System:      system,
		Prompt:      prompt,
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: l.cfg.Temperature,
		Timeout:     l.cfg.Timeout(),
		Label:       stage.Name(),
		Validate: func(text string) error {
			p, err := model.DecodePayload(stage, []byte(provider.ExtractJSON(text)))
			if err != nil {
				return err
			}
			payload = p
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, eris.Wrapf(ErrInvariant, "stage %s returned no payload", stage)
	}

	out := &Output{
		Payload:          payload,
		Provider:         res.Provider,
		Model:            res.Model,
		InputTokens:      res.InputTokens,
		OutputTokens:     res.OutputTokens,
		CacheWriteTokens: res.CacheWriteTokens,
		CacheReadTokens:  res.CacheReadTokens,
	}
	if res.ResponseModel != res.Model {
		out.ResponseModel = res.ResponseModel
	}
	return out, nil
}

// remember writes a fact back to institutional memory. Failures are logged.
func remember(ctx context.Context, mem Memory, entityType, entityID string, data any, source string, confidence float64) {
	if mem == nil || entityID == "" {
		return
	}
	outcome, _, err := mem.Upsert(ctx, entityType, entityID, data, source, confidence)
	if err != nil {
		zap.L().Warn("pipeline: memory upsert failed",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("pipeline: memory upsert",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("outcome", string(outcome)),
	)
}

// recall reads a fact from institutional memory into v. Failures count as
// a miss.
func recall(ctx context.Context, mem Memory, entityType, entityID string, minConfidence float64, v any) bool {
	if mem == nil || entityID == "" {
		return false
	}
	_, ok, err := mem.LookupInto(ctx, entityType, entityID, minConfidence, v)
	if err != nil {
		zap.L().Warn("pipeline: memory lookup failed",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		return false
	}
	return ok
}
