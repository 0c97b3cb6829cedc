package optimizer

import (
	"context"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/learningstore"
	"github.com/TheCreditPros/virtuous-cycle/scorer"
	"github.com/TheCreditPros/virtuous-cycle/spectrum"
)

// minePatterns scores each recent trace, classifies it success/failure
// against the spectrum's target, records the observation in the learning
// store (so confidence accumulates across cycles), and returns the
// freshly-mined patterns plus scores for the context bundle.
func minePatterns(ctx context.Context, traces []trace.Trace, sp trace.Spectrum, store *learningstore.Store) ([]trace.QualityScore, []MinedPattern, []MinedPattern, error) {
	def, ok := spectrum.Lookup(sp)
	if !ok {
		def = spectrum.DefaultFor("")
	}

	scores := make([]trace.QualityScore, 0, len(traces))
	var success, failure []MinedPattern

	for _, t := range traces {
		qs := scorer.Score(t, sp)
		scores = append(scores, qs)

		label := "failure"
		if qs.Overall >= def.Target {
			label = "success"
		}

		features := def.Features(t)
		obs := learningstore.Observation{
			Spectrum: sp,
			Label:    label,
			Features: features,
			Success:  label == "success",
			At:       t.Timestamp,
		}
		p, err := store.Record(ctx, obs)
		if err != nil {
			return scores, success, failure, err
		}

		mp := MinedPattern{
			Label:        label,
			Spectrum:     sp,
			Features:     features,
			Confidence:   p.Confidence,
			Support:      p.Support,
			SampleInput:  t.Input,
			SampleOutput: t.Output,
		}
		if label == "success" {
			success = append(success, mp)
		} else {
			failure = append(failure, mp)
		}
	}

	return scores, success, failure, nil
}

// similarHistorical queries the learning store for patterns near the
// centroid of this cycle's freshly-observed failure features, so the
// generating stage can draw on prior cycles' evidence as well as this
// one's.
func similarHistorical(store *learningstore.Store, sp trace.Spectrum, failure []MinedPattern, k int) []MinedPattern {
	if len(failure) == 0 {
		return nil
	}
	centroid := centroidOf(failure)
	matches := store.Similar(sp, centroid, k)
	out := make([]MinedPattern, 0, len(matches))
	for _, p := range matches {
		out = append(out, MinedPattern{
			Label: p.Label, Spectrum: p.Spectrum, Features: p.Features,
			Confidence: p.Confidence, Support: p.Support,
		})
	}
	return out
}

func centroidOf(patterns []MinedPattern) []float64 {
	if len(patterns) == 0 {
		return nil
	}
	n := len(patterns[0].Features)
	sum := make([]float64, n)
	for _, p := range patterns {
		for i := 0; i < n && i < len(p.Features); i++ {
			sum[i] += p.Features[i]
		}
	}
	for i := range sum {
		sum[i] /= float64(len(patterns))
	}
	return sum
}
