package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func resetShared() {
	sharedMu.Lock()
	sharedCollector = nil
	sharedMu.Unlock()
}

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("console.yaml")
	collector.ObserveRequest("select", 200, time.Millisecond)
	collector.IncPollTick("service_mode", false)
	collector.IncActivity("info")
}

func TestPrometheusCollectorRegistersAndReuses(t *testing.T) {
	resetShared()
	t.Cleanup(resetShared)

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncHotReload("console.yaml")
	collector.ObserveRequest("select_device", 200, 20*time.Millisecond)
	collector.IncPollTick("machine_state", true)
	collector.IncPollTick("machine_state", false)
	collector.IncActivity("error")

	requireCounter(t, reg, "beltconsole_config_hot_reload_total", 1)
	requireCounter(t, reg, "beltconsole_api_requests_total", 1)
	requireCounter(t, reg, "beltconsole_poll_ticks_total", 2)
	requireCounter(t, reg, "beltconsole_activity_entries_total", 1)

	resetShared()
	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)
	require.Same(t, collector.requestDuration, again.requestDuration)

	again.IncHotReload("console.yaml")
	requireCounter(t, reg, "beltconsole_config_hot_reload_total", 2)
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.IncHotReload("x")
	collector.ObserveRequest("x", 0, 0)
	collector.IncPollTick("x", true)
	collector.IncActivity("x")
}

func requireCounter(t *testing.T, reg *prometheus.Registry, name string, want float64) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var family *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == name {
			family = mf
		}
	}
	require.NotNil(t, family, "metric %s not gathered", name)
	var total float64
	for _, m := range family.Metric {
		require.NotNil(t, m.Counter)
		total += m.Counter.GetValue()
	}
	require.Equal(t, want, total)
}
