// Package spectrum binds each of the closed set of seven evaluation
// spectrums to its scoring parameters at compile time, the way the teacher
// framework binds AI providers in a static factory table rather than
// discovering them by reflection (see ai.ProviderFactory in the reference
// corpus). There is no plugin loading and no runtime registration here.
package spectrum

import (
	"fmt"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

// Weights is the per-spectrum weight vector over the five quality
// subscores. Validated at init time to sum to 1.0.
type Weights struct {
	Accuracy        float64
	Completeness    float64
	Relevance       float64
	Professionalism float64
	LatencyPenalty  float64
}

func (w Weights) sum() float64 {
	return w.Accuracy + w.Completeness + w.Relevance + w.Professionalism + w.LatencyPenalty
}

// Definition is everything the scorer needs to evaluate a trace against
// one spectrum.
type Definition struct {
	Spectrum trace.Spectrum

	Weights Weights

	// Target is the spectrum's quality target in [0,1] (distinct from the
	// monitor's global thresholds, which apply across spectrums).
	Target float64

	// Entities is the expected-entity-token list used for the accuracy
	// subscore. Empty means accuracy always scores 1.0 for this spectrum.
	Entities []string

	// RequiredSections names the response sections the completeness
	// subscore checks for, matched as case-insensitive substrings of the
	// output (e.g. a heading or label the response is expected to contain).
	RequiredSections []string

	// DisallowedTokens penalize the relevance subscore when present in the
	// output (e.g. leaked internal field names).
	DisallowedTokens []string

	// TargetLatencyMs is the latency the latency_penalty subscore is
	// computed against. Defaults to 3000ms when zero.
	TargetLatencyMs float64

	// ErrorAware, when true, means this spectrum defines its own handling
	// for error=true traces instead of the default "score 0 overall".
	ErrorAware bool

	// ErrorWeights is used in place of Weights when a trace has Error=true
	// and ErrorAware is set.
	ErrorWeights Weights

	// Features is the spectrum's pattern extractor: a pure function from a
	// Trace to a fixed-length feature vector, used by the optimizer's
	// pattern mining step and the learning store's k-NN similarity search.
	// Never nil; every registry entry gets DefaultFeatures unless it needs
	// spectrum-specific signal.
	Features func(t trace.Trace) []float64
}

// DefaultFeatures is the feature extractor shared by spectrums with no
// bespoke signal: latency normalized to seconds, output length in words,
// tool-call count, and a 0/1 error flag. It is pure and deterministic, as
// every pattern extractor in the registry must be.
func DefaultFeatures(t trace.Trace) []float64 {
	errFlag := 0.0
	if t.Error {
		errFlag = 1.0
	}
	return []float64{
		t.LatencyMs / 1000.0,
		float64(len(wordsOf(t.Output))),
		float64(len(t.ToolCalls)),
		errFlag,
	}
}

func wordsOf(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

// Registry is the closed, compile-time-bound table of spectrum definitions.
var Registry = map[trace.Spectrum]Definition{
	trace.CustomerIdentity: {
		Spectrum:         trace.CustomerIdentity,
		Weights:          Weights{Accuracy: 0.40, Completeness: 0.20, Relevance: 0.20, Professionalism: 0.10, LatencyPenalty: 0.10},
		Target:           0.95,
		Entities:         []string{"name", "date of birth", "ssn", "address"},
		RequiredSections: []string{"identity", "verification"},
		DisallowedTokens: []string{"raw_ssn", "internal_id"},
		TargetLatencyMs:  2500,
		Features:         DefaultFeatures,
	},
	trace.FinancialAnalysis: {
		Spectrum:         trace.FinancialAnalysis,
		Weights:          Weights{Accuracy: 0.35, Completeness: 0.25, Relevance: 0.20, Professionalism: 0.10, LatencyPenalty: 0.10},
		Target:           0.93,
		Entities:         []string{"balance", "income", "expense", "net worth"},
		RequiredSections: []string{"summary", "analysis"},
		DisallowedTokens: []string{"stack trace", "traceback"},
		TargetLatencyMs:  3500,
		Features:         DefaultFeatures,
	},
	trace.CreditAnalysis: {
		Spectrum:         trace.CreditAnalysis,
		Weights:          Weights{Accuracy: 0.45, Completeness: 0.20, Relevance: 0.15, Professionalism: 0.10, LatencyPenalty: 0.10},
		Target:           0.95,
		Entities:         []string{"credit score", "utilization", "delinquency", "inquiry"},
		RequiredSections: []string{"score", "factors"},
		DisallowedTokens: []string{"internal_id", "raw_payload"},
		TargetLatencyMs:  3000,
		Features:         DefaultFeatures,
	},
	trace.TransactionHistory: {
		Spectrum:         trace.TransactionHistory,
		Weights:          Weights{Accuracy: 0.40, Completeness: 0.25, Relevance: 0.15, Professionalism: 0.10, LatencyPenalty: 0.10},
		Target:           0.92,
		Entities:         []string{"date", "amount", "merchant", "category"},
		RequiredSections: []string{"transactions"},
		DisallowedTokens: []string{"internal_id"},
		TargetLatencyMs:  3000,
		Features:         DefaultFeatures,
	},
	trace.MultiFieldSearch: {
		Spectrum:         trace.MultiFieldSearch,
		Weights:          Weights{Accuracy: 0.30, Completeness: 0.30, Relevance: 0.25, Professionalism: 0.05, LatencyPenalty: 0.10},
		Target:           0.90,
		Entities:         []string{},
		RequiredSections: []string{"results"},
		DisallowedTokens: []string{},
		TargetLatencyMs:  4000,
		Features:         DefaultFeatures,
	},
	trace.ConversationalContext: {
		Spectrum:         trace.ConversationalContext,
		Weights:          Weights{Accuracy: 0.20, Completeness: 0.20, Relevance: 0.35, Professionalism: 0.15, LatencyPenalty: 0.10},
		Target:           0.90,
		Entities:         []string{},
		RequiredSections: []string{},
		DisallowedTokens: []string{},
		TargetLatencyMs:  2500,
		Features:         DefaultFeatures,
		ErrorAware:       true,
		ErrorWeights:     Weights{Accuracy: 0.0, Completeness: 0.0, Relevance: 0.30, Professionalism: 0.50, LatencyPenalty: 0.20},
	},
	trace.Performance: {
		Spectrum:         trace.Performance,
		Weights:          Weights{Accuracy: 0.10, Completeness: 0.10, Relevance: 0.10, Professionalism: 0.10, LatencyPenalty: 0.60},
		Target:           0.95,
		Entities:         []string{},
		RequiredSections: []string{},
		DisallowedTokens: []string{},
		TargetLatencyMs:  1500,
		Features:         DefaultFeatures,
	},
}

func init() {
	for s, def := range Registry {
		if diff := def.Weights.sum() - 1.0; diff > 1e-6 || diff < -1e-6 {
			panic(fmt.Sprintf("spectrum %s: weights sum to %f, want 1.0", s, def.Weights.sum()))
		}
		if def.ErrorAware {
			if diff := def.ErrorWeights.sum() - 1.0; diff > 1e-6 || diff < -1e-6 {
				panic(fmt.Sprintf("spectrum %s: error weights sum to %f, want 1.0", s, def.ErrorWeights.sum()))
			}
		}
	}
}

// Lookup returns the definition for s and true, or a zero Definition and
// false if s is empty, unrecognized, or explicitly Unknown (which has no
// Registry entry); callers fall back to DefaultFor. It never panics on a
// bad tag — an unrecognized spectrum on a trace is a ContractViolation the
// caller classifies, not a crash here.
func Lookup(s trace.Spectrum) (Definition, bool) {
	def, ok := Registry[s]
	return def, ok
}

// DefaultFor returns the fallback definition used for traces with no
// spectrum tag or an unrecognized one, per the "tag as unknown rather than
// guess" resolution. It uses conservative middle-of-the-road weights so an
// untagged trace isn't silently over- or under-penalized. Every model gets
// the same definition.
func DefaultFor(model string) Definition {
	return Definition{
		Spectrum:         trace.Unknown,
		Weights:          Weights{Accuracy: 0.25, Completeness: 0.25, Relevance: 0.25, Professionalism: 0.10, LatencyPenalty: 0.15},
		Target:           0.90,
		RequiredSections: []string{},
		DisallowedTokens: []string{},
		TargetLatencyMs:  3000,
		Features:         DefaultFeatures,
	}
}
