package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunOnceAggregatesWorstStatus(t *testing.T) {
	m := NewMonitor()
	m.Register(Check{Name: "ms", Probe: func(ctx context.Context) (Status, string) { return StatusHealthy, "" }})
	m.Register(Check{Name: "pool:fuse", Probe: func(ctx context.Context) (Status, string) { return StatusDegraded, "queue depth 90%" }})

	report := m.RunOnce(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Len(t, report.Results, 2)
}

func TestRunOnceDownWins(t *testing.T) {
	m := NewMonitor()
	m.Register(Check{Name: "ms", Probe: func(ctx context.Context) (Status, string) { return StatusDown, "connection refused" }})
	m.Register(Check{Name: "vault:finance", Probe: func(ctx context.Context) (Status, string) { return StatusDegraded, "sync lag 90s" }})

	report := m.RunOnce(context.Background())
	assert.Equal(t, StatusDown, report.Status)
}

func TestUnregisterRemovesCheck(t *testing.T) {
	m := NewMonitor()
	m.Register(Check{Name: "vault:finance", Probe: func(ctx context.Context) (Status, string) { return StatusHealthy, "" }})
	m.Unregister("vault:finance")

	report := m.RunOnce(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Results)
}

func TestLastReturnsMostRecentReport(t *testing.T) {
	m := NewMonitor()
	assert.Equal(t, StatusHealthy, m.Last().Status)

	m.Register(Check{Name: "ms", Probe: func(ctx context.Context) (Status, string) { return StatusDown, "" }})
	m.RunOnce(context.Background())
	assert.Equal(t, StatusDown, m.Last().Status)
}
