package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/TheCreditPros/virtuous-cycle/alertbus"
	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/telemetry"
	"github.com/TheCreditPros/virtuous-cycle/vcconfig"
)

// tier identifies which configured threshold a window's mean is compared
// against for breach/clear hysteresis tracking.
type tier int

const (
	tierCritical tier = iota
	tierWarning
	tierTarget
	tierExcellent
)

func (t tier) String() string {
	switch t {
	case tierCritical:
		return "critical"
	case tierWarning:
		return "warning"
	case tierTarget:
		return "target"
	case tierExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// state tracks per-(model,spectrum) hysteresis counters and forecast
// scheduling, in addition to the rolling window itself.
type state struct {
	window *Window

	breachStreak map[tier]int
	clearStreak  map[tier]int
	breached     map[tier]bool

	samplesSinceForecast int
	lastForecastAt       time.Time

	lastReordered time.Time
}

func newState(capacity int, horizon time.Duration) *state {
	return &state{
		window:       NewWindow(capacity, horizon),
		breachStreak: make(map[tier]int),
		clearStreak:  make(map[tier]int),
		breached:     make(map[tier]bool),
	}
}

// Monitor implements C3: it ingests scored traces into per-(model,
// spectrum) rolling windows, evaluates threshold/trend/variance conditions
// with consecutive-sample hysteresis, forecasts future quality, and
// publishes alerts through the bus.
type Monitor struct {
	cfg    vcconfig.MonitorConfig
	bus    *alertbus.Bus
	logger telemetry.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	byKey map[Key]*state
}

func New(cfg vcconfig.MonitorConfig, bus *alertbus.Bus, logger telemetry.ComponentAwareLogger, metrics *telemetry.Metrics) *Monitor {
	if logger == nil {
		logger = telemetry.NoOpLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoOpMetrics()
	}
	return &Monitor{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.WithComponent("virtuouscycle/monitor"),
		metrics: metrics,
		byKey:   make(map[Key]*state),
	}
}

// Observe ingests one quality score at the given wall-clock time. Scores
// arriving more than ReorderWindow behind the newest sample in the window
// are dropped as stale and counted as a dropped-trace metric; everything
// else is inserted at its timestamp position, so the window stays
// time-ordered when a sample arrives moderately late.
func (m *Monitor) Observe(ctx context.Context, score trace.QualityScore) {
	key := Key{Model: score.Model, Spectrum: score.Spectrum}
	now := score.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	m.mu.Lock()
	st, ok := m.byKey[key]
	if !ok {
		st = newState(m.cfg.WindowCapacity, m.cfg.WindowHorizon)
		m.byKey[key] = st
	}

	if st.window.Len() > 0 {
		head := st.window.samples[len(st.window.samples)-1].timestamp
		if now.Before(head.Add(-m.cfg.ReorderWindow)) {
			m.mu.Unlock()
			m.metrics.RecordTraceDropped(ctx, "stale_reorder")
			m.logger.DebugWithContext(ctx, "dropping stale observation", map[string]interface{}{
				"model": key.Model, "spectrum": string(key.Spectrum),
			})
			return
		}
	}

	st.window.Append(score.Overall, now)
	st.samplesSinceForecast++
	m.mu.Unlock()

	m.evaluate(ctx, key, st)
}

// evaluate runs threshold/hysteresis, trend, variance, and (on schedule)
// forecast checks for one key's state, publishing alerts as needed. Caller
// does not hold m.mu; evaluate takes its own snapshot under lock to keep
// hold times short (per the shared-resource ownership rule: only Monitor
// mutates window state, readers use Snapshot).
func (m *Monitor) evaluate(ctx context.Context, key Key, st *state) {
	m.mu.Lock()
	mean := st.window.Mean()
	slope := st.window.Slope()
	stdev := st.window.Stdev()
	n := st.window.Len()
	m.mu.Unlock()

	m.evaluateThresholds(ctx, key, st, mean)

	if slope < m.cfg.TrendSlopeThreshold && mean < m.cfg.TrendMeanCeiling {
		m.bus.Publish(ctx, alertbus.Medium, alertbus.TrendDown, alertbus.Subject{Model: key.Model, Spectrum: key.Spectrum}, mean, m.cfg.TrendMeanCeiling)
	}

	if stdev > m.cfg.VarianceStdevLimit {
		m.bus.Publish(ctx, alertbus.Medium, alertbus.VarianceHigh, alertbus.Subject{Model: key.Model, Spectrum: key.Spectrum}, stdev, m.cfg.VarianceStdevLimit)
	}

	m.mu.Lock()
	due := st.samplesSinceForecast >= m.cfg.ForecastEveryN ||
		(!st.lastForecastAt.IsZero() && time.Since(st.lastForecastAt) >= m.cfg.ForecastInterval)
	if n >= 2 && due {
		st.samplesSinceForecast = 0
		st.lastForecastAt = time.Now()
	} else {
		due = false
	}
	m.mu.Unlock()

	if due {
		m.forecast(ctx, key, st, mean)
	}
}

// evaluateThresholds checks the mean against each configured tier with
// K-consecutive-sample hysteresis on both breach and clear, so a single
// noisy sample neither raises nor silences an alert.
func (m *Monitor) evaluateThresholds(ctx context.Context, key Key, st *state, mean float64) {
	tiers := []struct {
		t         tier
		threshold float64
		severity  alertbus.Severity
	}{
		{tierCritical, m.cfg.CriticalThreshold, alertbus.Critical},
		{tierWarning, m.cfg.WarningThreshold, alertbus.High},
		{tierTarget, m.cfg.TargetThreshold, alertbus.Medium},
		{tierExcellent, m.cfg.ExcellentThreshold, alertbus.Low},
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tt := range tiers {
		if mean < tt.threshold {
			st.breachStreak[tt.t]++
			st.clearStreak[tt.t] = 0
			if !st.breached[tt.t] && st.breachStreak[tt.t] >= m.cfg.BreachConsecutiveK {
				st.breached[tt.t] = true
				m.bus.Publish(ctx, tt.severity, alertbus.ThresholdBreach, alertbus.Subject{Model: key.Model, Spectrum: key.Spectrum}, mean, tt.threshold)
			}
			continue
		}

		st.breachStreak[tt.t] = 0
		if st.breached[tt.t] && mean >= tt.threshold+m.cfg.ClearHysteresis {
			st.clearStreak[tt.t]++
			if st.clearStreak[tt.t] >= m.cfg.ClearConsecutiveK {
				st.breached[tt.t] = false
				st.clearStreak[tt.t] = 0
			}
		} else {
			st.clearStreak[tt.t] = 0
		}
	}
}

// forecast projects quality forward using exponentially-weighted linear
// extrapolation: an EW-smoothed slope and level are combined to project
// ForecastHorizon out, and a forecast_regression alert fires when the
// projection crosses below the warning threshold while the current mean
// has not yet done so.
func (m *Monitor) forecast(ctx context.Context, key Key, st *state, currentMean float64) {
	m.mu.Lock()
	scores := st.window.Snapshot()
	m.mu.Unlock()

	if len(scores) < 2 {
		return
	}

	alpha := m.cfg.ForecastSmoothingAlpha
	level := scores[0]
	trendEst := scores[1] - scores[0]
	for i := 1; i < len(scores); i++ {
		prevLevel := level
		level = alpha*scores[i] + (1-alpha)*(level+trendEst)
		trendEst = alpha*(level-prevLevel) + (1-alpha)*trendEst
	}

	horizonSamples := m.forecastHorizonSamples(st)
	projected := level + trendEst*horizonSamples
	projected = clamp01(projected)

	if projected < m.cfg.WarningThreshold && currentMean >= m.cfg.WarningThreshold {
		m.bus.Publish(ctx, alertbus.Medium, alertbus.ForecastRegression, alertbus.Subject{Model: key.Model, Spectrum: key.Spectrum}, projected, m.cfg.WarningThreshold)
	}
}

// forecastHorizonSamples estimates how many sample-steps ForecastHorizon
// corresponds to, based on the observed average spacing in the window.
func (m *Monitor) forecastHorizonSamples(st *state) float64 {
	n := len(st.window.samples)
	if n < 2 {
		return 0
	}
	span := st.window.samples[n-1].timestamp.Sub(st.window.samples[0].timestamp)
	if span <= 0 {
		return float64(n)
	}
	avgSpacing := span / time.Duration(n-1)
	if avgSpacing <= 0 {
		return float64(n)
	}
	return m.cfg.ForecastHorizon.Seconds() / avgSpacing.Seconds()
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Snapshot returns a read-only view of the current mean, stdev, slope, and
// sample count for one (model, spectrum) key. Returns ok=false if no
// observations have been recorded for that key yet.
type WindowSnapshot struct {
	Mean   float64
	Stdev  float64
	Slope  float64
	Count  int
}

func (m *Monitor) Snapshot(key Key) (WindowSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.byKey[key]
	if !ok {
		return WindowSnapshot{}, false
	}
	return WindowSnapshot{
		Mean:  st.window.Mean(),
		Stdev: st.window.Stdev(),
		Slope: st.window.Slope(),
		Count: st.window.Len(),
	}, true
}

// Keys returns all (model, spectrum) pairs currently tracked.
func (m *Monitor) Keys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]Key, 0, len(m.byKey))
	for k := range m.byKey {
		keys = append(keys, k)
	}
	return keys
}
