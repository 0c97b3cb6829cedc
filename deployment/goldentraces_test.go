package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/scorer"
	"github.com/TheCreditPros/virtuous-cycle/spectrum"
)

func TestDefaultGoldenTracesCoverEverySpectrum(t *testing.T) {
	golden := DefaultGoldenTraces()
	require.Len(t, golden, len(spectrum.Registry))

	seen := make(map[trace.Spectrum]bool)
	for _, g := range golden {
		seen[g.Spectrum] = true
		assert.Equal(t, g.Spectrum, g.Trace.Spectrum)
		assert.False(t, g.Trace.Error)
	}
	for sp := range spectrum.Registry {
		assert.True(t, seen[sp], "missing golden trace for spectrum %s", sp)
	}
}

// TestDefaultGoldenTracesPassValidationFloor guards against a future edit
// to goldenBody or the latency fraction silently dropping the default
// probe set's mean overall score below the validation floor Manager.Apply
// enforces (vcconfig.DeploymentConfig.ValidationMinMean, default 0.90).
func TestDefaultGoldenTracesPassValidationFloor(t *testing.T) {
	golden := DefaultGoldenTraces()
	var sum float64
	for _, g := range golden {
		score := scorer.Score(g.Trace, g.Spectrum)
		assert.GreaterOrEqualf(t, score.Overall, 0.85, "spectrum %s scored too low: %+v", g.Spectrum, score)
		sum += score.Overall
	}
	mean := sum / float64(len(golden))
	assert.GreaterOrEqual(t, mean, 0.90)
}
