// Package scorer implements the quality scorer: a pure, synchronous,
// stateless function from a Trace and its Spectrum definition to a
// QualityScore. It performs no I/O and uses no randomness, so the same
// Trace always yields the same QualityScore, and it is tested with golden
// traces rather than mocks.
package scorer

import (
	"math"
	"strings"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/spectrum"
)

// Score computes a QualityScore for t. defaultSpectrum is the spectrum to
// weigh untagged or unrecognized traces against — typically the spectrum
// the caller's cycle or golden-trace is already operating on — and is used
// to look up the scoring definition whenever t.Spectrum is absent or not in
// the registry. Falls back further to spectrum.DefaultFor(t.Model) when
// defaultSpectrum itself doesn't resolve. Either way the returned score's
// Spectrum field is set to trace.Unknown, per the "tag unknown, don't
// guess" resolution, never defaultSpectrum itself, so callers never mistake
// a fallback score for a classified one.
func Score(t trace.Trace, defaultSpectrum trace.Spectrum) trace.QualityScore {
	def, ok := spectrum.Lookup(t.Spectrum)
	resultSpectrum := t.Spectrum
	if !ok || t.Spectrum == "" {
		if fallback, fbOK := spectrum.Lookup(defaultSpectrum); fbOK {
			def = fallback
		} else {
			def = spectrum.DefaultFor(t.Model)
		}
		resultSpectrum = trace.Unknown
	}

	weights := def.Weights
	if t.Error && def.ErrorAware {
		weights = def.ErrorWeights
	}

	sub := trace.Subscores{
		Accuracy:        accuracy(t, def),
		Completeness:    completeness(t, def),
		Relevance:        relevance(t, def),
		Professionalism: professionalism(t),
		LatencyPenalty:  latencyPenalty(t, def),
	}

	var overall float64
	if t.Error && !def.ErrorAware {
		overall = 0
	} else {
		overall = weights.Accuracy*sub.Accuracy +
			weights.Completeness*sub.Completeness +
			weights.Relevance*sub.Relevance +
			weights.Professionalism*sub.Professionalism +
			weights.LatencyPenalty*sub.LatencyPenalty
		overall = clamp01(overall)
	}

	return trace.QualityScore{
		TraceID:   t.ID,
		Model:     t.Model,
		Spectrum:  resultSpectrum,
		Overall:   overall,
		Subscores: sub,
		Timestamp: t.Timestamp,
	}
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

// accuracy is the proportion of the spectrum's expected entity tokens
// present (case-insensitively) in the output. An empty entity list scores
// 1.0, since the spectrum defines nothing to check.
func accuracy(t trace.Trace, def spectrum.Definition) float64 {
	if len(def.Entities) == 0 {
		return 1.0
	}
	out := strings.ToLower(t.Output)
	present := 0
	for _, e := range def.Entities {
		if strings.Contains(out, strings.ToLower(e)) {
			present++
		}
	}
	return float64(present) / float64(len(def.Entities))
}

// completeness is the ratio of required response sections present in the
// output, clipped to [0,1]. An empty section list scores 1.0.
func completeness(t trace.Trace, def spectrum.Definition) float64 {
	if len(def.RequiredSections) == 0 {
		return 1.0
	}
	out := strings.ToLower(t.Output)
	present := 0
	for _, s := range def.RequiredSections {
		if strings.Contains(out, strings.ToLower(s)) {
			present++
		}
	}
	return clamp01(float64(present) / float64(len(def.RequiredSections)))
}

// relevance is a normalized-token-overlap surrogate for cosine similarity
// between input and output, minus a penalty for disallowed tokens leaking
// into the output.
func relevance(t trace.Trace, def spectrum.Definition) float64 {
	inTokens := significantTokens(t.Input)
	outTokens := significantTokens(t.Output)
	if len(inTokens) == 0 || len(outTokens) == 0 {
		return 0.5 // neither confirmable nor disconfirmable; neutral score
	}

	inSet := make(map[string]struct{}, len(inTokens))
	for _, tok := range inTokens {
		inSet[tok] = struct{}{}
	}
	overlap := 0
	for _, tok := range outTokens {
		if _, ok := inSet[tok]; ok {
			overlap++
		}
	}
	denom := math.Sqrt(float64(len(inTokens) * len(outTokens)))
	score := float64(overlap) / denom
	score = clamp01(score)

	out := strings.ToLower(t.Output)
	for _, bad := range def.DisallowedTokens {
		if strings.Contains(out, strings.ToLower(bad)) {
			score -= 0.2
		}
	}
	return clamp01(score)
}

func significantTokens(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if len(f) > 3 {
			out = append(out, f)
		}
	}
	return out
}

var rawFormatMarkers = []string{"{\"", "[{", "traceback", "exception:", "null,null", "undefined"}

// professionalism penalizes raw-format leakage (stringified JSON/tool
// payloads, stack traces) and rewards full-sentence structure.
func professionalism(t trace.Trace) float64 {
	out := strings.ToLower(t.Output)
	score := 1.0
	for _, marker := range rawFormatMarkers {
		if strings.Contains(out, marker) {
			score -= 0.25
		}
	}

	sentences := strings.FieldsFunc(t.Output, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	hasFullSentence := false
	for _, s := range sentences {
		if len(strings.Fields(s)) >= 3 {
			hasFullSentence = true
			break
		}
	}
	if !hasFullSentence {
		score -= 0.25
	}
	return clamp01(score)
}

// latencyPenalty is max(0, 1 - latency/target).
func latencyPenalty(t trace.Trace, def spectrum.Definition) float64 {
	target := def.TargetLatencyMs
	if target <= 0 {
		target = 3000
	}
	v := 1 - t.LatencyMs/target
	if v < 0 {
		return 0
	}
	return v
}
