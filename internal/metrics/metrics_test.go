package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered returns the counter or gauge value of the series matching labels.
func gathered(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return -1
}

func TestMustNewReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a := MustNew(reg)
	b := MustNew(reg)

	a.ObserveReconcile("ok", 10*time.Millisecond, 26)
	assert.Equal(t, 26.0, gathered(t, reg, "bellkeeper_schedule_scheduled_instances", nil))

	b.ObserveReconcile("too_many", time.Millisecond, 0)
	assert.Equal(t, 1.0, gathered(t, reg, "bellkeeper_schedule_reconcile_runs_total", map[string]string{"result": "ok"}))
	assert.Equal(t, 1.0, gathered(t, reg, "bellkeeper_schedule_reconcile_runs_total", map[string]string{"result": "too_many"}))
	assert.Equal(t, 0.0, gathered(t, reg, "bellkeeper_schedule_scheduled_instances", nil))
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveReconcile("ok", time.Second, 1)
	m.IncNightly("skipped")
	m.IncDelivery("bell", "primary", "delivered")
	m.SetTimeOffset(time.Second)
	m.IncTimeSyncFailure("x")
	m.AddChannelFailures(2)
}

func TestDeliveryLabels(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := MustNew(reg)
	m.IncDelivery("bell", "backup", "suppressed")
	m.IncDelivery("bell", "backup", "suppressed")
	m.IncDelivery("bell", "primary", "delivered")
	labels := map[string]string{"category": "bell", "level": "backup", "outcome": "suppressed"}
	assert.Equal(t, 2.0, gathered(t, reg, "bellkeeper_delivery_events_total", labels))
}
