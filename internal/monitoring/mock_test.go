package monitoring

import (
	"context"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/store"
)

// mockRuns implements RunSource for testing.
type mockRuns struct {
	runs     []model.Run
	dlqCount int
	listErr  error
	dlqErr   error
}

func (m *mockRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var filtered []model.Run
	for _, r := range m.runs {
		if !filter.CreatedAfter.IsZero() && r.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

func (m *mockRuns) CountDLQ(_ context.Context) (int, error) {
	return m.dlqCount, m.dlqErr
}

type staticBreakers map[string]resilience.CircuitState

func (b staticBreakers) States() map[string]resilience.CircuitState { return b }
