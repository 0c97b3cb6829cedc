// Package monitor implements C3: per-(model, spectrum) rolling windows of
// quality scores, threshold/trend/variance detection with hysteresis, and
// exponentially-weighted forecasting.
package monitor

import (
	"math"
	"time"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

type sample struct {
	score     float64
	timestamp time.Time
}

// Window is a bounded, time-ordered, oldest-first-eviction sequence of
// quality scores for one (model, spectrum) pair.
type Window struct {
	capacity int
	horizon  time.Duration
	samples  []sample
}

func NewWindow(capacity int, horizon time.Duration) *Window {
	return &Window{capacity: capacity, horizon: horizon}
}

// Append inserts a score at its timestamp position, so the window stays
// time-ordered when a sample arrives late, then evicts samples older than
// the horizon (measured from the newest sample) or beyond capacity,
// oldest first.
func (w *Window) Append(score float64, ts time.Time) {
	i := len(w.samples)
	for i > 0 && w.samples[i-1].timestamp.After(ts) {
		i--
	}
	w.samples = append(w.samples, sample{})
	copy(w.samples[i+1:], w.samples[i:])
	w.samples[i] = sample{score: score, timestamp: ts}
	w.evict(w.samples[len(w.samples)-1].timestamp)
}

func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.horizon)
	start := 0
	for start < len(w.samples) && w.samples[start].timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.samples = w.samples[start:]
	}
	if len(w.samples) > w.capacity {
		excess := len(w.samples) - w.capacity
		w.samples = w.samples[excess:]
	}
}

func (w *Window) Len() int { return len(w.samples) }

// Mean returns the arithmetic mean of the retained samples.
func (w *Window) Mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.samples {
		sum += s.score
	}
	return sum / float64(len(w.samples))
}

// Variance returns the population variance of the retained samples.
func (w *Window) Variance() float64 {
	n := len(w.samples)
	if n == 0 {
		return 0
	}
	mean := w.Mean()
	var sumSq float64
	for _, s := range w.samples {
		d := s.score - mean
		sumSq += d * d
	}
	return sumSq / float64(n)
}

func (w *Window) Stdev() float64 {
	return math.Sqrt(w.Variance())
}

// Slope returns the ordinary-least-squares slope of score against sample
// index (not wall-clock time, since samples may arrive unevenly spaced;
// index-based OLS is what the spec's "index->score" regression calls for).
func (w *Window) Slope() float64 {
	n := len(w.samples)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range w.samples {
		x := float64(i)
		y := s.score
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (nf*sumXY - sumX*sumY) / denom
}

// Snapshot returns a read-only copy of the scores, oldest first.
func (w *Window) Snapshot() []float64 {
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.score
	}
	return out
}

// Key identifies a rolling window by (model, spectrum).
type Key struct {
	Model    string
	Spectrum trace.Spectrum
}
