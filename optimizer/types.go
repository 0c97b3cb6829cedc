// Package optimizer implements C6: the optimization engine that mines
// learned patterns from recent traces, generates candidate prompt
// variants, validates them against the deployed baseline with an A/B test,
// and hands a winner to the deployment manager. Its cycle state machine
// mirrors the teacher framework's async task lifecycle
// (core.Task/TaskStatus: pending -> running -> completed/failed),
// generalized to the richer stage sequence this spec requires.
package optimizer

import (
	"time"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

// CycleStatus is the optimization cycle's state. idle is the state before
// a cycle starts; completed and aborted are the only terminal states.
type CycleStatus string

const (
	StatusIdle       CycleStatus = "idle"
	StatusAnalyzing  CycleStatus = "analyzing"
	StatusGenerating CycleStatus = "generating"
	StatusTesting    CycleStatus = "testing"
	StatusDeciding   CycleStatus = "deciding"
	StatusDeploying  CycleStatus = "deploying"
	StatusCompleted  CycleStatus = "completed"
	StatusAborted    CycleStatus = "aborted"
)

func (s CycleStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// GenerationStrategy is one of the closed set of variant-generation
// strategies. No plugin loading: every strategy is a compiled-in case of
// llmassist.TemplatedGenerator, run in AllStrategies order by
// generateVariants in variants.go.
type GenerationStrategy string

const (
	StrategyPatternMerge GenerationStrategy = "pattern_merge"
	StrategyClarity      GenerationStrategy = "clarity"
	StrategyStructure    GenerationStrategy = "structure"
	StrategyExamples     GenerationStrategy = "examples"
	StrategyMetaLearned  GenerationStrategy = "meta_learned"
)

// AllStrategies is the fixed generation order; at most len(AllStrategies)
// candidates are produced per cycle (spec: at most V=4, but the set has
// five members so MaxCandidates caps which prefix is used).
var AllStrategies = []GenerationStrategy{
	StrategyPatternMerge, StrategyClarity, StrategyStructure, StrategyExamples, StrategyMetaLearned,
}

// PromptVariant is one candidate prompt configuration proposed during the
// generating stage.
type PromptVariant struct {
	ID                 string             `json:"id"`
	ParentID           string             `json:"parent_id,omitempty"`
	Spectrum           trace.Spectrum     `json:"spectrum"`
	Text               string             `json:"text"`
	GenerationStrategy GenerationStrategy `json:"generation_strategy"`
	CreatedAt          time.Time          `json:"created_at"`
}

// ABStatus is the terminal or in-flight state of an ABTest. Per the spec's
// invariant, running transitions only to a terminal status, and terminal
// statuses are immutable afterward.
type ABStatus string

const (
	ABRunning            ABStatus = "running"
	ABDecidedCandidate   ABStatus = "decided_candidate"
	ABDecidedBaseline    ABStatus = "decided_baseline"
	ABInconclusive       ABStatus = "inconclusive"
	ABAborted            ABStatus = "aborted"
)

func (s ABStatus) Terminal() bool { return s != ABRunning }

// arm accumulates Welford's online mean/variance for one side of the test,
// so CollectedN/Mean/Variance can be read at any point without replaying
// the sample history.
type arm struct {
	n    int
	mean float64
	m2   float64 // sum of squared distances from the mean
}

func (a *arm) observe(x float64) {
	a.n++
	delta := x - a.mean
	a.mean += delta / float64(a.n)
	delta2 := x - a.mean
	a.m2 += delta * delta2
}

func (a *arm) variance() float64 {
	if a.n < 2 {
		return 0
	}
	return a.m2 / float64(a.n-1)
}

// ABTest is a running or decided comparison between a deployed baseline
// variant and one candidate, over one spectrum.
type ABTest struct {
	ID                  string         `json:"id"`
	BaselineVariantID   string         `json:"baseline_variant_id"`
	CandidateVariantID  string         `json:"candidate_variant_id"`
	Spectrum             trace.Spectrum `json:"spectrum"`
	TargetN              int            `json:"target_n"`
	CollectedNBaseline   int            `json:"collected_n_baseline"`
	CollectedNCandidate  int            `json:"collected_n_candidate"`
	MeanBaseline         float64        `json:"mean_baseline"`
	MeanCandidate        float64        `json:"mean_candidate"`
	VarianceBaseline     float64        `json:"variance_baseline"`
	VarianceCandidate    float64        `json:"variance_candidate"`
	Status               ABStatus       `json:"status"`

	baseline  arm
	candidate arm
}

// Cycle is one run of the C6 state machine for a (model, spectrum) pair.
type Cycle struct {
	ID          string         `json:"id"`
	Model       string         `json:"model"`
	Spectrum    trace.Spectrum `json:"spectrum"`
	Status      CycleStatus    `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Trigger     string         `json:"trigger"` // "alert", "scheduled", "manual"
	Candidates  []PromptVariant `json:"candidates,omitempty"`
	ABTests     []*ABTest      `json:"ab_tests,omitempty"`
	Selected    *PromptVariant `json:"selected,omitempty"`
	DeploymentID string        `json:"deployment_id,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

// ContextBundle is the assembled evidence the generating stage draws on:
// recent traces, their scores, mined patterns, and historically similar
// patterns pulled from the learning store.
type ContextBundle struct {
	Model              string
	Spectrum           trace.Spectrum
	RecentTraces       []trace.Trace
	Scores             []trace.QualityScore
	SuccessPatterns    []MinedPattern
	FailurePatterns    []MinedPattern
	SimilarHistorical  []MinedPattern
}

// MinedPattern is a pattern observation surfaced by the analyzing stage,
// either freshly mined from this cycle's traces or retrieved as a
// historically similar pattern from the learning store.
type MinedPattern struct {
	Label       string
	Spectrum    trace.Spectrum
	Features    []float64
	Confidence  float64
	Support     int
	SampleInput string
	SampleOutput string
}
