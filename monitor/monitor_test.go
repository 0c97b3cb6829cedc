package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/virtuous-cycle/alertbus"
	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/vcconfig"
)

func testConfig() vcconfig.MonitorConfig {
	return vcconfig.MonitorConfig{
		WindowCapacity: 200, WindowHorizon: time.Hour,
		CriticalThreshold: 0.85, WarningThreshold: 0.90, TargetThreshold: 0.95, ExcellentThreshold: 0.98,
		BreachConsecutiveK: 5, ClearConsecutiveK: 5, ClearHysteresis: 0.02,
		TrendSlopeThreshold: -0.002, TrendMeanCeiling: 0.92, VarianceStdevLimit: 0.08,
		ForecastEveryN: 20, ForecastInterval: 15 * time.Minute, ForecastHorizon: 168 * time.Hour,
		ForecastSmoothingAlpha: 0.3, ReorderWindow: 30 * time.Second,
	}
}

func observe(m *Monitor, model string, spectrum trace.Spectrum, overall float64, ts time.Time) {
	m.Observe(context.Background(), trace.QualityScore{
		Model: model, Spectrum: spectrum, Overall: overall, Timestamp: ts,
	})
}

func TestWindowMeanVarianceSlope(t *testing.T) {
	w := NewWindow(10, time.Hour)
	base := time.Now()
	for i, v := range []float64{0.9, 0.9, 0.9} {
		w.Append(v, base.Add(time.Duration(i)*time.Second))
	}
	assert.InDelta(t, 0.9, w.Mean(), 1e-9)
	assert.InDelta(t, 0, w.Variance(), 1e-9)
	assert.InDelta(t, 0, w.Slope(), 1e-9)
}

func TestWindowSlopeDetectsDownwardTrend(t *testing.T) {
	w := NewWindow(10, time.Hour)
	base := time.Now()
	for i, v := range []float64{0.95, 0.93, 0.91, 0.89, 0.87} {
		w.Append(v, base.Add(time.Duration(i)*time.Second))
	}
	assert.Less(t, w.Slope(), 0.0)
}

func TestWindowEvictsByCapacity(t *testing.T) {
	w := NewWindow(3, time.Hour)
	base := time.Now()
	for i := 0; i < 5; i++ {
		w.Append(float64(i), base.Add(time.Duration(i)*time.Second))
	}
	require.Equal(t, 3, w.Len())
	assert.Equal(t, []float64{2, 3, 4}, w.Snapshot())
}

func TestWindowEvictsByHorizon(t *testing.T) {
	w := NewWindow(100, time.Minute)
	base := time.Now()
	w.Append(0.5, base)
	w.Append(0.6, base.Add(2*time.Minute))
	require.Equal(t, 1, w.Len())
	assert.Equal(t, []float64{0.6}, w.Snapshot())
}

func TestThresholdBreachRequiresKConsecutiveSamples(t *testing.T) {
	bus := alertbus.New(100, time.Minute, nil, nil)
	ch := bus.Subscribe(context.Background())
	m := New(testConfig(), bus, nil, nil)

	base := time.Now()
	for i := 0; i < 4; i++ {
		observe(m, "gpt-4", trace.CustomerIdentity, 0.80, base.Add(time.Duration(i)*time.Second))
	}
	select {
	case <-ch:
		t.Fatal("alert fired before K consecutive breaching samples")
	default:
	}

	observe(m, "gpt-4", trace.CustomerIdentity, 0.80, base.Add(5*time.Second))
	select {
	case a := <-ch:
		assert.Equal(t, alertbus.ThresholdBreach, a.Kind)
	default:
		t.Fatal("expected threshold_breach alert after 5th consecutive breaching sample")
	}
}

func TestThresholdBreachDoesNotRefireWhileStillBreached(t *testing.T) {
	bus := alertbus.New(100, time.Minute, nil, nil)
	ch := bus.Subscribe(context.Background())
	m := New(testConfig(), bus, nil, nil)

	base := time.Now()
	for i := 0; i < 5; i++ {
		observe(m, "gpt-4", trace.CustomerIdentity, 0.80, base.Add(time.Duration(i)*time.Second))
	}
	<-ch // consume the initial breach alert

	for i := 5; i < 10; i++ {
		observe(m, "gpt-4", trace.CustomerIdentity, 0.80, base.Add(time.Duration(i)*time.Second))
	}
	select {
	case a := <-ch:
		t.Fatalf("unexpected repeat alert while still breached: %+v", a)
	default:
	}
}

func TestThresholdClearRequiresHysteresis(t *testing.T) {
	bus := alertbus.New(100, time.Minute, nil, nil)
	m := New(testConfig(), bus, nil, nil)
	key := Key{Model: "gpt-4", Spectrum: trace.CustomerIdentity}

	base := time.Now()
	for i := 0; i < 5; i++ {
		observe(m, key.Model, key.Spectrum, 0.80, base.Add(time.Duration(i)*time.Second))
	}
	m.mu.Lock()
	st := m.byKey[key]
	breached := st.breached[tierCritical]
	m.mu.Unlock()
	require.True(t, breached)

	// Eleven samples at 0.90 lift the window mean from 0.85 up to 0.86875:
	// at or above the critical threshold for more than ClearConsecutiveK
	// samples, yet below the clear margin (threshold + ClearHysteresis), so
	// the tier must not clear.
	for i := 5; i < 16; i++ {
		observe(m, key.Model, key.Spectrum, 0.90, base.Add(time.Duration(i)*time.Second))
	}
	m.mu.Lock()
	breached = st.breached[tierCritical]
	m.mu.Unlock()
	assert.True(t, breached, "should remain breached below clear hysteresis margin")
}

func TestVarianceHighAlert(t *testing.T) {
	bus := alertbus.New(100, time.Minute, nil, nil)
	ch := bus.Subscribe(context.Background())
	m := New(testConfig(), bus, nil, nil)

	base := time.Now()
	values := []float64{0.95, 0.60, 0.95, 0.55, 0.95, 0.58}
	for i, v := range values {
		observe(m, "gpt-4", trace.CreditAnalysis, v, base.Add(time.Duration(i)*time.Second))
	}

	found := false
	for {
		select {
		case a := <-ch:
			if a.Kind == alertbus.VarianceHigh {
				found = true
			}
		default:
			assert.True(t, found, "expected a variance_high alert")
			return
		}
	}
}

func TestObserveDropsStaleReorderedSample(t *testing.T) {
	bus := alertbus.New(100, time.Minute, nil, nil)
	m := New(testConfig(), bus, nil, nil)
	key := Key{Model: "gpt-4", Spectrum: trace.Unknown}

	base := time.Now()
	observe(m, key.Model, key.Spectrum, 0.9, base)
	observe(m, key.Model, key.Spectrum, 0.1, base.Add(-time.Minute))

	snap, ok := m.Snapshot(key)
	require.True(t, ok)
	assert.Equal(t, 1, snap.Count)
	assert.InDelta(t, 0.9, snap.Mean, 1e-9)
}

func TestSnapshotUnknownKeyReturnsFalse(t *testing.T) {
	m := New(testConfig(), alertbus.New(10, time.Minute, nil, nil), nil, nil)
	_, ok := m.Snapshot(Key{Model: "nope"})
	assert.False(t, ok)
}
