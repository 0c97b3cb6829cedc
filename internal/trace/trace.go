// Package trace defines the data types shared across every Virtuous Cycle
// component: the ingested Trace itself, the closed Spectrum set, and the
// QualityScore produced by scoring a trace against a spectrum.
package trace

import "time"

// Spectrum is one of the closed set of evaluation dimensions. Each value is
// bound at compile time in the spectrum package's registry; there is no
// runtime registration and no plugin loading.
type Spectrum string

const (
	CustomerIdentity       Spectrum = "customer_identity"
	FinancialAnalysis      Spectrum = "financial_analysis"
	CreditAnalysis         Spectrum = "credit_analysis"
	TransactionHistory     Spectrum = "transaction_history"
	MultiFieldSearch       Spectrum = "multi_field_search"
	ConversationalContext  Spectrum = "conversational_context"
	Performance            Spectrum = "performance"
	Unknown                Spectrum = "unknown"
)

// All lists the seven real spectrums, excluding the Unknown pseudo-spectrum.
// Forecasting and monitoring iterate this list, never Unknown.
var All = []Spectrum{
	CustomerIdentity,
	FinancialAnalysis,
	CreditAnalysis,
	TransactionHistory,
	MultiFieldSearch,
	ConversationalContext,
	Performance,
}

// ToolCall is one tool invocation recorded within a trace.
type ToolCall struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Result    string            `json:"result,omitempty"`
	Error     bool              `json:"error,omitempty"`
}

// Trace is one model interaction pulled from the observability backend.
// Immutable once received: no component may mutate a Trace after ingestion.
type Trace struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	Project   string    `json:"project"`
	Session   string    `json:"session"`

	// Spectrum is optional on the wire. Absent means the trace carries no
	// classification hint; the scorer falls back to the model's configured
	// default spectrum and tags the resulting score "unknown" rather than
	// guessing from content.
	Spectrum Spectrum `json:"spectrum,omitempty"`

	Input     string     `json:"input"`
	Output    string     `json:"output"`
	LatencyMs float64    `json:"latency_ms"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Error     bool       `json:"error"`

	// UserFeedback is an optional external signal in [-1, 1]; not consumed
	// by the scorer directly, but carried through for the learning store's
	// pattern mining step.
	UserFeedback *float64 `json:"user_feedback,omitempty"`
}

// Subscores breaks a QualityScore down by the five quality dimensions the
// scorer evaluates independently before combining them with spectrum weights.
type Subscores struct {
	Accuracy        float64 `json:"accuracy"`
	Completeness    float64 `json:"completeness"`
	Relevance       float64 `json:"relevance"`
	Professionalism float64 `json:"professionalism"`
	LatencyPenalty  float64 `json:"latency_penalty"`
}

// QualityScore is the deterministic output of scoring one Trace against one
// Spectrum. Identical input always yields an identical QualityScore.
type QualityScore struct {
	TraceID   string    `json:"trace_id"`
	Model     string    `json:"model"`
	Spectrum  Spectrum  `json:"spectrum"`
	Overall   float64   `json:"overall"`
	Subscores Subscores `json:"subscores"`
	Timestamp time.Time `json:"timestamp"`
}
