// Package pipeline runs the six ordered analysis stages for one submission,
// caching each stage, pricing it in the cost ledger, and assembling the
// final report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategy-cli/internal/config"
	"github.com/sells-group/strategy-cli/internal/cost"
	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/stagecache"
)

// StageFailedError is returned when an essential stage fails irrecoverably.
// The partial result returned alongside it carries stages 1..n-1.
type StageFailedError struct {
	Stage model.StageID
	Err   error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("pipeline: stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageFailedError) Unwrap() error { return e.Err }

// Orchestrator executes stages strictly in order.
type Orchestrator struct {
	stages      []Stage
	cache       *stagecache.Cache
	calc        *cost.Calculator
	observer    cost.Observer
	tracker     Tracker
	keyMaxChars int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates an Orchestrator over the given stages. cache, observer and
// tracker may be nil.
func New(cfg *config.Config, stages []Stage, cache *stagecache.Cache, observer cost.Observer, tracker Tracker) *Orchestrator {
	if tracker == nil {
		tracker = nopTracker{}
	}
	return &Orchestrator{
		stages:      stages,
		cache:       cache,
		calc:        cost.NewCalculator(cfg.Pricing),
		observer:    observer,
		tracker:     tracker,
		keyMaxChars: cfg.Cache.KeyMaxChars,
		nowFunc:     time.Now,
	}
}

// Run executes every stage for req and returns the assembled result.
//
// An essential stage failure returns the partial result with a failure
// marker and a *StageFailedError. A non-essential failure or circuit
// rejection skips the stage. Cancellation is honored between stages only;
// a stage already running finishes or times out on its own.
func (o *Orchestrator) Run(ctx context.Context, req model.PipelineRequest) (*model.FinalResult, error) {
	if err := req.Validate(); err != nil {
		return nil, eris.Wrap(err, "pipeline: invalid request")
	}

	log := zap.L().With(zap.String("submission_id", req.SubmissionID), zap.String("company", req.Company))
	log.Info("pipeline: starting analysis")

	start := o.nowFunc()
	state := newState(req)
	ledger := cost.NewLedger(o.calc, o.observer)
	result := model.NewFinalResult()
	result.Metadata.SubmissionID = req.SubmissionID

	runID := o.tracker.Begin(ctx, req)
	state.RunID = runID
	result.Metadata.RunID = runID

	var runErr error
	for _, st := range o.stages {
		id := st.ID()
		if err := ctx.Err(); err != nil {
			result.Failed = &model.FailureMarker{Stage: id, Name: id.Name(), Error: err.Error()}
			runErr = eris.Wrapf(err, "pipeline: cancelled before stage %s", id)
			log.Warn("pipeline: cancelled", zap.String("stage", id.Key()), zap.Error(err))
			break
		}

		handle := o.tracker.StageStarted(ctx, runID, id)
		res, err := o.runStage(ctx, state, st, ledger)
		if err == nil {
			err = o.merge(state, result, res)
		}

		switch {
		case err == nil:
			o.tracker.StageFinished(ctx, handle, model.StageStatusComplete, res, nil)
			msg := "pipeline: stage complete"
			if res.CacheHit {
				msg = "pipeline: cache hit"
			}
			log.Info(msg,
				zap.Int("stage", int(id)),
				zap.String("name", id.Name()),
				zap.String("provider", res.ProviderLabel()),
				zap.Int64("duration_ms", res.Duration.Milliseconds()),
				zap.Float64("cost_usd", res.CostUSD),
			)
			continue

		case errors.Is(err, ErrInvariant):
			o.tracker.StageFinished(ctx, handle, model.StageStatusFailed, nil, err)
			result.Failed = &model.FailureMarker{Stage: id, Name: id.Name(), Error: err.Error()}
			runErr = err
			log.Error("pipeline: invariant violated", zap.String("stage", id.Key()), zap.Error(err))

		case !id.Essential():
			state.skip(id)
			result.Metadata.StagesSkipped = append(result.Metadata.StagesSkipped, id)
			o.tracker.StageFinished(ctx, handle, model.StageStatusSkipped, nil, err)
			log.Warn("pipeline: stage skipped",
				zap.Int("stage", int(id)),
				zap.String("name", id.Name()),
				zap.Bool("circuit_open", resilience.IsCircuitOpen(err)),
				zap.Error(err),
			)
			continue

		default:
			o.tracker.StageFinished(ctx, handle, model.StageStatusFailed, nil, err)
			result.Failed = &model.FailureMarker{Stage: id, Name: id.Name(), Error: err.Error()}
			runErr = &StageFailedError{Stage: id, Err: err}
			log.Error("pipeline: stage failed",
				zap.Int("stage", int(id)),
				zap.String("name", id.Name()),
				zap.Bool("circuit_open", resilience.IsCircuitOpen(err)),
				zap.Error(err),
			)
		}
		break
	}

	o.finalize(result, state, ledger, o.nowFunc().Sub(start))
	o.tracker.Finish(ctx, runID, req, result, runErr)

	log.Info("pipeline: analysis finished",
		zap.String("status", string(RunStatus(result, runErr))),
		zap.Int("stages_completed", len(result.Metadata.StagesCompleted)),
		zap.Float64("total_cost_usd", result.Metadata.TotalCostUSD),
		zap.Int64("total_duration_ms", result.Metadata.TotalDurationMs),
	)
	return result, runErr
}

// runStage executes one stage through the stage cache and records it in
// the ledger. Failed and skipped stages are recorded with zero usage.
func (o *Orchestrator) runStage(ctx context.Context, state *State, st Stage, ledger *cost.Ledger) (*model.StageResult, error) {
	id := st.ID()
	stageCtx := context.WithoutCancel(ctx)
	start := o.nowFunc()

	var queries int
	compute := func(ctx context.Context) (*model.StageResult, error) {
		computeStart := o.nowFunc()
		out, err := st.Execute(ctx, state)
		if err != nil {
			return nil, err
		}
		if out == nil || out.Payload == nil {
			return nil, eris.Wrapf(ErrInvariant, "stage %s produced no payload", id)
		}
		if out.Payload.Stage() != id {
			return nil, eris.Wrapf(ErrInvariant, "stage %s produced a %s payload", id, out.Payload.Stage())
		}
		queries = out.ResearchQueries
		return &model.StageResult{
			Stage:            id,
			Payload:          out.Payload,
			Provider:         out.Provider,
			Model:            out.Model,
			ResponseModel:    out.ResponseModel,
			InputTokens:      out.InputTokens,
			OutputTokens:     out.OutputTokens,
			CacheWriteTokens: out.CacheWriteTokens,
			CacheReadTokens:  out.CacheReadTokens,
			CostUSD: o.calc.Call(out.Provider, out.Model, out.InputTokens, out.OutputTokens, out.CacheWriteTokens, out.CacheReadTokens) +
				o.calc.ResearchQueries(out.ResearchQueries),
			Duration: o.nowFunc().Sub(computeStart),
		}, nil
	}

	var res *model.StageResult
	var err error
	key, kerr := stagecache.Key(id, st.Input(state), o.keyMaxChars)
	if kerr != nil {
		zap.L().Warn("pipeline: cache key failed, running uncached", zap.String("stage", id.Key()), zap.Error(kerr))
		res, err = compute(stageCtx)
	} else {
		res, err = o.cache.GetOrCompute(stageCtx, id, key, compute)
	}

	if err != nil {
		ledger.Record(cost.Entry{Stage: id, Duration: o.nowFunc().Sub(start)})
		return nil, err
	}

	res.CostUSD = ledger.Record(cost.Entry{
		Stage:            id,
		Provider:         res.Provider,
		Model:            res.Model,
		InputTokens:      res.InputTokens,
		OutputTokens:     res.OutputTokens,
		CacheWriteTokens: res.CacheWriteTokens,
		CacheReadTokens:  res.CacheReadTokens,
		ResearchQueries:  queries,
		Duration:         res.Duration,
		CacheHit:         res.CacheHit,
	})
	return res, nil
}

// merge adds a completed stage to the run state and the result document.
func (o *Orchestrator) merge(state *State, result *model.FinalResult, res *model.StageResult) error {
	section := res.Payload.Section()
	if _, dup := result.Sections[section]; dup {
		return eris.Wrapf(ErrInvariant, "section %q written twice", section)
	}
	if err := state.add(res); err != nil {
		return err
	}

	result.Sections[section] = res.Payload
	md := &result.Metadata
	md.StagesCompleted = append(md.StagesCompleted, res.Stage)
	md.Providers[res.Stage.Key()] = res.ProviderLabel()
	md.CacheHits[res.Stage.Key()] = res.CacheHit
	return nil
}

func (o *Orchestrator) finalize(result *model.FinalResult, state *State, ledger *cost.Ledger, elapsed time.Duration) {
	summary := ledger.Total()
	md := &result.Metadata
	md.TotalCostUSD = summary.CostUSD
	md.TotalDurationMs = elapsed.Milliseconds()
	md.PerStage = summary.PerStage

	if gaps := state.Gaps(); gaps != nil {
		md.DataGapsFilled = gaps.GapsFilled
		md.DataGapsUnfilled = gaps.Unfilled()
	}
}
