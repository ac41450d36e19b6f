package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func static(status Status, msg string) Check {
	return func(context.Context) Component { return Component{Status: status, Message: msg} }
}

func TestRunReportsTransitions(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	status := StatusHealthy
	m.Register("store", func(context.Context) Component { return Component{Status: status} })

	report, transitions := m.Run(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, transitions)

	status = StatusUnhealthy
	report, transitions = m.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	require.Len(t, transitions, 1)
	assert.Equal(t, "store", transitions[0].Component.Name)
	assert.False(t, transitions[0].Recovered())

	// Staying unhealthy is not a new transition.
	_, transitions = m.Run(context.Background())
	assert.Empty(t, transitions)

	status = StatusDegraded
	report, transitions = m.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	require.Len(t, transitions, 1)
	assert.True(t, transitions[0].Recovered())

	assert.Equal(t, int64(4), report.TotalRuns)
	assert.Equal(t, int64(2), report.FailedChecks)
}

func TestRunRecoversPanics(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	m.Register("broken", func(context.Context) Component { panic("boom") })

	report, transitions := m.Run(context.Background())
	c, ok := report.Component("broken")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, c.Status)
	assert.Contains(t, c.Message, "boom")
	require.Len(t, transitions, 1)
}

func TestReportIncludesRuntimeChecks(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	m.Register("b", static(StatusHealthy, "ok"))
	m.Register("a", static(StatusHealthy, "ok"))
	m.Run(context.Background())

	report := m.Report()
	names := make([]string, 0, len(report.Components))
	for _, c := range report.Components {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"a", "b", "goroutines", "memory"}, names)
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	failed := DatabaseCheck(func(context.Context) error { return errors.New("locked") })(context.Background())
	assert.Equal(t, StatusUnhealthy, failed.Status)
	assert.Contains(t, failed.Message, "locked")

	slow := DatabaseCheck(func(context.Context) error {
		time.Sleep(120 * time.Millisecond)
		return nil
	})(context.Background())
	assert.Equal(t, StatusDegraded, slow.Status)
}

func TestProviderCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, ProviderCheck(func() bool { return true })(context.Background()).Status)
	assert.Equal(t, StatusDegraded, ProviderCheck(func() bool { return false })(context.Background()).Status)
}

func TestCycleCheck(t *testing.T) {
	now := time.Now()
	never := func() time.Time { return time.Time{} }

	c := CycleCheck(never, now, time.Hour)(context.Background())
	assert.Equal(t, StatusUnknown, c.Status)

	c = CycleCheck(never, now.Add(-2*time.Hour), time.Hour)(context.Background())
	assert.Equal(t, StatusUnhealthy, c.Status)

	recent := func() time.Time { return now.Add(-time.Minute) }
	c = CycleCheck(recent, now.Add(-2*time.Hour), time.Hour)(context.Background())
	assert.Equal(t, StatusHealthy, c.Status)

	old := func() time.Time { return now.Add(-3 * time.Hour) }
	c = CycleCheck(old, now, time.Hour)(context.Background())
	assert.Equal(t, StatusUnhealthy, c.Status)
}

func TestQueueCheck(t *testing.T) {
	empty := QueueCheck(func() ([]string, error) { return nil, nil })(context.Background())
	assert.Equal(t, StatusHealthy, empty.Status)

	waiting := QueueCheck(func() ([]string, error) { return []string{"a", "b"}, nil })(context.Background())
	assert.Equal(t, StatusDegraded, waiting.Status)
	assert.Equal(t, 2, waiting.Details["queued"])

	broken := QueueCheck(func() ([]string, error) { return nil, errors.New("denied") })(context.Background())
	assert.Equal(t, StatusUnhealthy, broken.Status)
}
