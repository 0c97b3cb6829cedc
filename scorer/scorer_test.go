package scorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

func TestScoreIsDeterministic(t *testing.T) {
	tr := trace.Trace{
		ID:        "t-1",
		Model:     "gpt-4",
		Spectrum:  trace.CreditAnalysis,
		Input:     "what is the credit score and utilization for this applicant",
		Output:    "The credit score is 720 with a utilization of 18 percent. No delinquency on file.",
		LatencyMs: 1200,
	}

	first := Score(tr, trace.Unknown)
	second := Score(tr, trace.Unknown)
	assert.Equal(t, first, second, "scoring the same trace twice must yield an identical QualityScore")
}

func TestScoreBoundedZeroOne(t *testing.T) {
	tr := trace.Trace{
		ID:        "t-2",
		Model:     "gpt-4",
		Spectrum:  trace.Performance,
		Output:    "",
		LatencyMs: 999999,
	}
	s := Score(tr, trace.Unknown)
	require.GreaterOrEqual(t, s.Overall, 0.0)
	require.LessOrEqual(t, s.Overall, 1.0)
}

func TestErrorTraceScoresZeroByDefault(t *testing.T) {
	tr := trace.Trace{
		ID:       "t-3",
		Model:    "gpt-4",
		Spectrum: trace.FinancialAnalysis, // not error-aware
		Output:   "balance income expense net worth all present and well formatted.",
		Error:    true,
	}
	s := Score(tr, trace.Unknown)
	assert.Equal(t, 0.0, s.Overall, "error=true trace must score 0 unless the spectrum is error-aware")
}

func TestErrorAwareSpectrumScoresNonZero(t *testing.T) {
	tr := trace.Trace{
		ID:       "t-4",
		Model:    "gpt-4",
		Spectrum: trace.ConversationalContext, // error-aware
		Input:    "tell me about my recent conversation history please",
		Output:   "I'm sorry, I was unable to retrieve that right now. Please try again shortly.",
		Error:    true,
	}
	s := Score(tr, trace.Unknown)
	assert.Greater(t, s.Overall, 0.0, "error-aware spectrum should not force a zero score")
}

func TestUnknownSpectrumTagged(t *testing.T) {
	tr := trace.Trace{
		ID:     "t-5",
		Model:  "gpt-4",
		Output: "a response with no spectrum hint",
	}
	s := Score(tr, trace.Unknown)
	assert.Equal(t, trace.Unknown, s.Spectrum)
}

func TestGoldenTraceHighQuality(t *testing.T) {
	tr := trace.Trace{
		ID:        "golden-1",
		Model:     "gpt-4",
		Spectrum:  trace.CustomerIdentity,
		Input:     "please verify the identity using name date of birth ssn and address",
		Output:    "Identity verification complete. Name, date of birth, SSN, and address all matched on file.",
		LatencyMs: 800,
		Timestamp: time.Now(),
	}
	s := Score(tr, trace.Unknown)
	assert.Greater(t, s.Overall, 0.85, "a clean, on-spectrum, fast response should score highly")
}

func TestGoldenTraceLowQuality(t *testing.T) {
	tr := trace.Trace{
		ID:        "golden-2",
		Model:     "gpt-4",
		Spectrum:  trace.CustomerIdentity,
		Input:     "please verify the identity",
		Output:    "{\"raw_ssn\": \"***\", \"internal_id\": 42}",
		LatencyMs: 9000,
	}
	s := Score(tr, trace.Unknown)
	assert.Less(t, s.Overall, 0.5, "a malformed, disallowed-token-laden, slow response should score poorly")
}

func TestLatencyPenaltyBounds(t *testing.T) {
	def := struct{ targetMs float64 }{targetMs: 3000}
	_ = def
	fast := trace.Trace{ID: "l1", LatencyMs: 0, Output: "ok"}
	slow := trace.Trace{ID: "l2", LatencyMs: 100000, Output: "ok"}
	fastScore := Score(fast, trace.Unknown)
	slowScore := Score(slow, trace.Unknown)
	assert.Greater(t, fastScore.Subscores.LatencyPenalty, slowScore.Subscores.LatencyPenalty)
	assert.Equal(t, 0.0, slowScore.Subscores.LatencyPenalty)
}
