package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategy-cli/internal/resilience"
)

// DefaultTimeout applies when a Call has no timeout of its own.
const DefaultTimeout = 120 * time.Second

// Call describes one structured request.
type Call struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
	Timeout     time.Duration
	// Label names the call in logs, e.g. the stage name.
	Label string
	// Validate parses raw output; an error marks the attempt as a
	// retryable parse failure.
	Validate func(text string) error
}

// Result is a successful call with usage summed across every attempt.
// Model is the requested model and is what the call is priced by;
// ResponseModel is the name the provider reported, e.g. a dated snapshot.
type Result struct {
	Text             string
	Provider         string
	Model            string
	ResponseModel    string
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
	Attempts         int
	Temperatures     []float64
	Duration         time.Duration
}

// Caller executes Calls against registered providers.
type Caller struct {
	providers map[string]LLM
	breakers  *resilience.Registry
	retry     resilience.RetryConfig
}

// NewCaller builds a Caller over the given providers. breakers may be nil to
// disable circuit breaking.
func NewCaller(providers []LLM, breakers *resilience.Registry, retry resilience.RetryConfig) *Caller {
	m := make(map[string]LLM, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Caller{providers: m, breakers: breakers, retry: retry}
}

// Has reports whether a provider is registered.
func (c *Caller) Has(name string) bool {
	_, ok := c.providers[name]
	return ok
}

// Call runs call with retries. It returns a *CallFailedError once attempts
// are exhausted or a permanent error is hit, and a *resilience.CircuitOpenError
// (unwrapped) when the provider breaker rejects the call. A rejection does
// not count as an attempt.
func (c *Caller) Call(ctx context.Context, call Call) (*Result, error) {
	llm, ok := c.providers[call.Provider]
	if !ok {
		return nil, &CallFailedError{
			Provider:  call.Provider,
			Model:     call.Model,
			Permanent: true,
			Err:       eris.Errorf("provider: unknown provider %q", call.Provider),
		}
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger(call.Provider, call.Label)

	res := &Result{Provider: call.Provider, Model: call.Model}
	start := time.Now()

	text, err := resilience.DoAttempts(ctx, cfg, func(ctx context.Context, attempt int) (string, error) {
		temp := cfg.Temperature(call.Temperature, attempt)
		req := Request{
			Model:       call.Model,
			System:      call.System,
			Prompt:      call.Prompt,
			MaxTokens:   call.MaxTokens,
			Temperature: temp,
			Label:       call.Label,
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		send := func(ctx context.Context) (*Response, error) {
			res.Attempts++
			res.Temperatures = append(res.Temperatures, temp)
			return llm.Complete(ctx, req)
		}

		var resp *Response
		var err error
		if c.breakers != nil {
			resp, err = resilience.ExecuteVal(attemptCtx, c.breakers.Get(call.Provider), func(ctx context.Context) (*Response, error) {
				resp, err := send(ctx)
				return resp, c.validate(call, resp, err)
			})
		} else {
			resp, err = send(attemptCtx)
			err = c.validate(call, resp, err)
		}

		if resp != nil {
			res.InputTokens += resp.InputTokens
			res.OutputTokens += resp.OutputTokens
			res.CacheWriteTokens += resp.CacheWriteTokens
			res.CacheReadTokens += resp.CacheReadTokens
			if resp.Model != "" {
				res.ResponseModel = resp.Model
			}
		}
		if err != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !resilience.IsTransient(err) {
				err = resilience.NewTransientError(eris.Wrapf(err, "provider: attempt timed out after %s", timeout), 0)
			}
			zap.L().Debug("provider: attempt failed",
				zap.String("provider", call.Provider),
				zap.String("model", call.Model),
				zap.String("label", call.Label),
				zap.Int("attempt", attempt+1),
				zap.Float64("temperature", temp),
				zap.Error(err),
			)
			return "", err
		}
		return resp.Text, nil
	})
	res.Duration = time.Since(start)

	if err != nil {
		if resilience.IsCircuitOpen(err) {
			return nil, err
		}
		return nil, &CallFailedError{
			Provider:  call.Provider,
			Model:     call.Model,
			Attempts:  res.Attempts,
			Permanent: resilience.IsPermanent(err) || !resilience.IsTransient(err),
			Err:       err,
		}
	}

	res.Text = text
	return res, nil
}

// validate folds output validation into the attempt error so parse
// failures count against the breaker and the retry budget alike.
func (c *Caller) validate(call Call, resp *Response, err error) error {
	if err != nil || call.Validate == nil {
		return err
	}
	if resp == nil {
		return resilience.NewTransientError(&ParseError{Err: eris.New("empty response")}, 0)
	}
	if verr := call.Validate(resp.Text); verr != nil {
		return resilience.NewTransientError(&ParseError{Err: verr, Raw: resp.Text}, 0)
	}
	return nil
}
