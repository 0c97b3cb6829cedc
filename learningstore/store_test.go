package learningstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{StoragePath: filepath.Join(dir, "learning.store"), MinSupport: 3}, nil)
	require.NoError(t, err)
	return s
}

func TestFingerprintStableAcrossNearIdenticalFeatures(t *testing.T) {
	a := Fingerprint(trace.CreditAnalysis, "clarity", []float64{0.501, 0.2})
	b := Fingerprint(trace.CreditAnalysis, "clarity", []float64{0.5009, 0.2001})
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersByLabel(t *testing.T) {
	a := Fingerprint(trace.CreditAnalysis, "clarity", []float64{0.5})
	b := Fingerprint(trace.CreditAnalysis, "structure", []float64{0.5})
	assert.NotEqual(t, a, b)
}

func TestRecordAccumulatesSupportAndConfidence(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	obs := Observation{Spectrum: trace.CreditAnalysis, Label: "clarity", Features: []float64{0.5, 0.1}, Success: true, At: time.Now()}

	p, err := s.Record(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Support)
	assert.InDelta(t, 2.0/3.0, p.Confidence, 1e-9)

	p, err = s.Record(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Support)
	assert.InDelta(t, 3.0/4.0, p.Confidence, 1e-9)
}

func TestQueryHidesPatternsBelowMinSupport(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	obs := Observation{Spectrum: trace.CreditAnalysis, Label: "clarity", Features: []float64{0.5}, Success: true, At: time.Now()}
	s.Record(ctx, obs)
	s.Record(ctx, obs)

	results := s.Query(trace.CreditAnalysis, 0, 10)
	assert.Empty(t, results, "support 2 is below MinSupport 3")

	s.Record(ctx, obs)
	results = s.Query(trace.CreditAnalysis, 0, 10)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].Support)
}

func TestQueryFiltersByConfidenceAndSortsDescending(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	low := Observation{Spectrum: trace.CreditAnalysis, Label: "low", Features: []float64{0.1}, Success: false, At: time.Now()}
	high := Observation{Spectrum: trace.CreditAnalysis, Label: "high", Features: []float64{0.9}, Success: true, At: time.Now()}
	for i := 0; i < 5; i++ {
		s.Record(ctx, low)
		s.Record(ctx, high)
	}

	results := s.Query(trace.CreditAnalysis, 0.5, 10)
	require.Len(t, results, 1)
	assert.Equal(t, "high", results[0].Label)
}

func TestSimilarRanksByEuclideanDistance(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	near := Observation{Spectrum: trace.CreditAnalysis, Label: "near", Features: []float64{0.5, 0.5}, Success: true, At: time.Now()}
	far := Observation{Spectrum: trace.CreditAnalysis, Label: "far", Features: []float64{5.0, 5.0}, Success: true, At: time.Now()}
	for i := 0; i < 3; i++ {
		s.Record(ctx, near)
		s.Record(ctx, far)
	}

	results := s.Similar(trace.CreditAnalysis, []float64{0.51, 0.49}, 1)
	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].Label)
}

func TestOpenReloadsPersistedPatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "learning.store")
	ctx := context.Background()

	s1, err := Open(Config{StoragePath: path, MinSupport: 1}, nil)
	require.NoError(t, err)
	obs := Observation{Spectrum: trace.CreditAnalysis, Label: "clarity", Features: []float64{0.5}, Success: true, At: time.Now()}
	s1.Record(ctx, obs)
	s1.Record(ctx, obs)

	s2, err := Open(Config{StoragePath: path, MinSupport: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s2.Len())
	results := s2.Query(trace.CreditAnalysis, 0, 10)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Support)
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{StoragePath: filepath.Join(dir, "does-not-exist.store"), MinSupport: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestRecordSkipsMalformedLinesOnReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "learning.store")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"id\":\"x\"}\n"), 0o644))

	s, err := Open(Config{StoragePath: path, MinSupport: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}
