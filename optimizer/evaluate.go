package optimizer

import (
	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/scorer"
	"github.com/TheCreditPros/virtuous-cycle/spectrum"
)

// baselineSample scores one replayed trace exactly as it was recorded,
// representing the currently-deployed prompt's behavior on that trace.
func baselineSample(t trace.Trace, sp trace.Spectrum) float64 {
	return scorer.Score(t, sp).Overall
}

// candidateSample estimates how a candidate variant would have scored on
// a replayed trace. The serving layer itself is out of scope (§1) — this
// system never re-invokes a live model — so the candidate arm is modeled
// as a deterministic adjustment of the trace's baseline score, targeted at
// whichever subscore the variant's generation strategy addresses. The
// adjustment is a pure function of the variant and the trace's own
// subscores: same inputs always produce the same simulated sample, so a
// replayed A/B test is exactly as reproducible as the variant generation
// that produced its candidates.
func candidateSample(t trace.Trace, sp trace.Spectrum, variant PromptVariant) float64 {
	def, ok := spectrum.Lookup(sp)
	if !ok {
		def = spectrum.DefaultFor("")
	}
	base := scorer.Score(t, sp)
	sub := base.Subscores

	switch variant.GenerationStrategy {
	case StrategyPatternMerge:
		sub.Completeness = nudgeToward(sub.Completeness, 1.0, 0.15)
		sub.Accuracy = nudgeToward(sub.Accuracy, 1.0, 0.08)
	case StrategyClarity:
		sub.Professionalism = nudgeToward(sub.Professionalism, 1.0, 0.15)
	case StrategyStructure:
		sub.Completeness = nudgeToward(sub.Completeness, 1.0, 0.20)
	case StrategyExamples:
		sub.Accuracy = nudgeToward(sub.Accuracy, 1.0, 0.15)
	case StrategyMetaLearned:
		sub.Relevance = nudgeToward(sub.Relevance, 1.0, 0.12)
		sub.Accuracy = nudgeToward(sub.Accuracy, 1.0, 0.05)
	}

	weights := def.Weights
	if t.Error && def.ErrorAware {
		weights = def.ErrorWeights
	}
	if t.Error && !def.ErrorAware {
		return 0
	}

	overall := weights.Accuracy*sub.Accuracy +
		weights.Completeness*sub.Completeness +
		weights.Relevance*sub.Relevance +
		weights.Professionalism*sub.Professionalism +
		weights.LatencyPenalty*sub.LatencyPenalty
	return clamp01(overall)
}

// nudgeToward moves v a fraction of the remaining distance to target;
// used to model a bounded, monotone improvement rather than an unbounded
// additive delta that could push a subscore out of [0,1].
func nudgeToward(v, target, fraction float64) float64 {
	return v + (target-v)*fraction
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
