package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/TheCreditPros/virtuous-cycle/alertbus"
	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/learningstore"
	"github.com/TheCreditPros/virtuous-cycle/optimizer/llmassist"
	"github.com/TheCreditPros/virtuous-cycle/resilience"
	"github.com/TheCreditPros/virtuous-cycle/telemetry"
	"github.com/TheCreditPros/virtuous-cycle/vcconfig"
	"github.com/TheCreditPros/virtuous-cycle/vcerrors"
)

// TraceFetcher supplies the top-N recent traces for a (model, spectrum)
// pair to the analyzing stage. The orchestrator implements this over its
// in-memory recent-trace buffer rather than re-polling the observability
// backend, since C1 already owns that cadence.
type TraceFetcher interface {
	RecentTraces(ctx context.Context, model string, sp trace.Spectrum, n int) ([]trace.Trace, error)
}

// Deployer is the C7 contract the deploying stage hands a winning variant
// to. Apply receives only the variant and a reason; the deployer builds
// its own ConfigDelta, so this package has no import-time dependency on
// deployment, matching the same inversion traceclient/learningstore use
// for vcconfig.
type Deployer interface {
	Apply(ctx context.Context, actor string, variant PromptVariant, reason string) (DeploymentOutcome, error)
	CurrentPrompt(sp trace.Spectrum) (id, text string)
}

// DeploymentOutcome is the minimal shape the optimizer needs back from a
// deployment attempt: enough to decide the cycle's terminal status without
// importing deployment's full record type.
type DeploymentOutcome struct {
	RecordID string
	Deployed bool
}

type key struct {
	model    string
	spectrum trace.Spectrum
}

// Engine implements C6: it owns the per-(model,spectrum) single-flight and
// cooldown discipline, the global concurrency cap, and runs the
// analyzing -> generating -> testing -> deciding -> deploying state
// machine for each dispatched cycle.
type Engine struct {
	cfg      vcconfig.OptimizationConfig
	store    *learningstore.Store
	fetcher  TraceFetcher
	deployer Deployer
	bus      *alertbus.Bus
	llm      *llmassist.Registry
	logger   telemetry.Logger // derived child logger, may be plain Logger once WithComponent has run
	metrics  *telemetry.Metrics

	sem chan struct{}

	mu            sync.Mutex
	inFlight      map[key]bool
	lastCompleted map[key]time.Time
	cycles        map[string]*Cycle
}

func New(cfg vcconfig.OptimizationConfig, store *learningstore.Store, fetcher TraceFetcher, deployer Deployer, bus *alertbus.Bus, logger telemetry.ComponentAwareLogger, metrics *telemetry.Metrics) *Engine {
	if logger == nil {
		logger = telemetry.NoOpLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoOpMetrics()
	}
	cap := cfg.ConcurrencyCap
	if cap <= 0 {
		cap = 3
	}
	return &Engine{
		cfg:           cfg,
		store:         store,
		fetcher:       fetcher,
		deployer:      deployer,
		bus:           bus,
		llm:           llmassist.NewRegistry(),
		logger:        logger.WithComponent("virtuouscycle/optimizer"),
		metrics:       metrics,
		sem:           make(chan struct{}, cap),
		inFlight:      make(map[key]bool),
		lastCompleted: make(map[key]time.Time),
		cycles:        make(map[string]*Cycle),
	}
}

// Trigger starts a new cycle for (model, spectrum) if none is already in
// flight for that key and the per-key cooldown has elapsed. It reserves
// the key and returns immediately with the new Cycle in its initial
// state; the cycle itself runs in the background, queueing for a
// concurrency-cap slot if all are taken ("others queue" per §4.6).
func (e *Engine) Trigger(ctx context.Context, model string, sp trace.Spectrum, trigger, reason string) (*Cycle, error) {
	k := key{model: model, spectrum: sp}

	e.mu.Lock()
	if e.inFlight[k] {
		e.mu.Unlock()
		return nil, vcerrors.New("optimizer.Trigger", "already_in_progress", vcerrors.ErrAlreadyInProgress)
	}
	if last, ok := e.lastCompleted[k]; ok && time.Since(last) < e.cfg.Cooldown {
		e.mu.Unlock()
		return nil, vcerrors.New("optimizer.Trigger", "cooldown_active", vcerrors.ErrAlreadyInProgress)
	}
	e.inFlight[k] = true
	e.mu.Unlock()

	c := &Cycle{
		ID:        uuid.NewString(),
		Model:     model,
		Spectrum:  sp,
		Status:    StatusIdle,
		Trigger:   trigger,
		Reason:    reason,
		StartedAt: time.Now(),
	}

	e.mu.Lock()
	e.cycles[c.ID] = c
	e.mu.Unlock()

	go e.run(c)

	return c, nil
}

// run drives one cycle's state machine. It always releases the in-flight
// reservation and records lastCompleted on the way out, terminal or not.
func (e *Engine) run(c *Cycle) {
	k := key{model: c.Model, spectrum: c.Spectrum}
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, k)
		e.lastCompleted[k] = time.Now()
		e.mu.Unlock()
	}()

	select {
	case e.sem <- struct{}{}:
	default:
		e.logger.Debug("cycle queued for concurrency slot", map[string]interface{}{"cycle_id": c.ID})
		e.sem <- struct{}{}
	}
	defer func() { <-e.sem }()

	budget := e.cfg.CycleBudget
	if budget <= 0 {
		budget = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(telemetry.WithCycleID(context.Background(), c.ID), budget)
	defer cancel()

	tracer := telemetry.Tracer("virtuouscycle/optimizer")
	ctx, cycleSpan := tracer.Start(ctx, "optimization_cycle")
	cycleSpan.SetAttributes(
		attribute.String("cycle.id", c.ID),
		attribute.String("cycle.model", c.Model),
		attribute.String("cycle.spectrum", string(c.Spectrum)),
		attribute.String("cycle.trigger", c.Trigger),
	)
	defer cycleSpan.End()

	start := time.Now()
	e.logger.InfoWithContext(ctx, "optimization cycle started", map[string]interface{}{
		"model": c.Model, "spectrum": string(c.Spectrum), "trigger": c.Trigger,
	})

	analyzeCtx, analyzeSpan := tracer.Start(ctx, "analyzing")
	bundle, err := e.analyze(analyzeCtx, c)
	analyzeSpan.End()
	if e.checkAbort(ctx, c, err, "analyzing") {
		e.finish(ctx, c, start)
		return
	}

	generateCtx, generateSpan := tracer.Start(ctx, "generating")
	variants, err := e.generate(generateCtx, c, bundle)
	generateSpan.End()
	if e.checkAbort(ctx, c, err, "generating") {
		e.finish(ctx, c, start)
		return
	}
	c.Candidates = variants

	testCtx, testSpan := tracer.Start(ctx, "testing")
	tests, err := e.test(testCtx, c, bundle, variants)
	testSpan.End()
	if e.checkAbort(ctx, c, err, "testing") {
		e.finish(ctx, c, start)
		return
	}
	c.ABTests = tests

	_, decideSpan := tracer.Start(ctx, "deciding")
	selected := e.decide(c, variants, tests)
	decideSpan.End()
	if selected == nil {
		c.Status = StatusAborted
		c.Reason = "no_improvement"
		e.finish(ctx, c, start)
		return
	}
	c.Selected = selected
	c.Status = StatusDeciding

	deployCtx, deploySpan := tracer.Start(ctx, "deploying")
	e.deploy(deployCtx, c, *selected)
	deploySpan.End()
	e.finish(ctx, c, start)
}

func (e *Engine) checkAbort(ctx context.Context, c *Cycle, err error, stage string) bool {
	if ctx.Err() != nil {
		c.Status = StatusAborted
		if ctx.Err() == context.DeadlineExceeded {
			c.Reason = "timeout"
		} else {
			c.Reason = "shutdown"
		}
		return true
	}
	if err != nil {
		c.Status = StatusAborted
		c.Reason = fmt.Sprintf("%s_failed", stage)
		e.logger.WarnWithContext(ctx, "optimization cycle aborted", map[string]interface{}{
			"cycle_id": c.ID, "stage": stage, "error": err.Error(),
		})
		return true
	}
	return false
}

func (e *Engine) finish(ctx context.Context, c *Cycle, start time.Time) {
	c.CompletedAt = time.Now()
	if !c.Status.Terminal() {
		c.Status = StatusCompleted
	}
	e.metrics.RecordCycleDuration(ctx, time.Since(start).Seconds(), string(c.Status))
	e.logger.InfoWithContext(ctx, "optimization cycle finished", map[string]interface{}{
		"cycle_id": c.ID, "status": string(c.Status), "reason": c.Reason,
	})
}

// analyze runs the analyzing stage with the spec's transient-retry policy:
// up to 3 attempts with exponential backoff before the cycle aborts.
func (e *Engine) analyze(ctx context.Context, c *Cycle) (ContextBundle, error) {
	c.Status = StatusAnalyzing
	topN := e.cfg.TopNTraces
	if topN <= 0 {
		topN = 50
	}

	var traces []trace.Trace
	err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		var err error
		traces, err = e.fetcher.RecentTraces(ctx, c.Model, c.Spectrum, topN)
		return err
	})
	if err != nil {
		return ContextBundle{}, err
	}

	scores, success, failure, err := minePatterns(ctx, traces, c.Spectrum, e.store)
	if err != nil {
		return ContextBundle{}, err
	}
	similar := similarHistorical(e.store, c.Spectrum, failure, 10)

	return ContextBundle{
		Model: c.Model, Spectrum: c.Spectrum,
		RecentTraces: traces, Scores: scores,
		SuccessPatterns: success, FailurePatterns: failure,
		SimilarHistorical: similar,
	}, nil
}

func (e *Engine) generate(ctx context.Context, c *Cycle, bundle ContextBundle) ([]PromptVariant, error) {
	c.Status = StatusGenerating
	_, currentPrompt := e.deployer.CurrentPrompt(c.Spectrum)
	maxCandidates := e.cfg.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 4
	}
	return generateVariants(ctx, e.llm, bundle, currentPrompt, maxCandidates, time.Now())
}

// test runs one ABTest per candidate against the deployed baseline,
// sampling by replaying the context bundle's recent traces (cycling
// through them if fewer than the target sample count are available) and
// stopping each test early once its stopping rule is satisfied.
func (e *Engine) test(ctx context.Context, c *Cycle, bundle ContextBundle, variants []PromptVariant) ([]*ABTest, error) {
	c.Status = StatusTesting
	if len(bundle.RecentTraces) == 0 {
		return nil, vcerrors.New("optimizer.test", "contract_violation", fmt.Errorf("no traces available to replay"))
	}

	baselineID, _ := e.deployer.CurrentPrompt(c.Spectrum)
	baselineVariant := PromptVariant{ID: baselineID, Spectrum: c.Spectrum}

	targetN := e.cfg.ABTestTargetSamplesPerArm
	if targetN <= 0 {
		targetN = 30
	}
	nMin := e.cfg.ABTestMinSamplesPerArm
	if nMin <= 0 {
		nMin = 10
	}
	pValue := e.cfg.ABTestPValue
	if pValue <= 0 {
		pValue = 0.05
	}
	minImprovement := e.cfg.ABTestMinImprovement
	if minImprovement <= 0 {
		minImprovement = 0.02
	}

	tests := make([]*ABTest, 0, len(variants))
	for _, v := range variants {
		if ctx.Err() != nil {
			return tests, ctx.Err()
		}
		test := NewABTest(baselineVariant, v, c.Spectrum, targetN)
		for i := 0; i < targetN; i++ {
			if ctx.Err() != nil {
				test.Abort()
				break
			}
			t := bundle.RecentTraces[i%len(bundle.RecentTraces)]
			test.ObserveBaseline(baselineSample(t, c.Spectrum))
			test.ObserveCandidate(candidateSample(t, c.Spectrum, v))
			if test.EvaluateStoppingRule(pValue, minImprovement, nMin) {
				break
			}
		}
		if !test.Status.Terminal() {
			test.Status = ABInconclusive
		}
		tests = append(tests, test)
	}
	return tests, nil
}

// decide picks the highest-mean-improvement candidate whose test decided
// in its favor. Returns nil if no candidate won, per §4.6 step 4.
func (e *Engine) decide(c *Cycle, variants []PromptVariant, tests []*ABTest) *PromptVariant {
	var best *ABTest
	for _, t := range tests {
		if t.Status != ABDecidedCandidate {
			continue
		}
		if best == nil || (t.MeanCandidate-t.MeanBaseline) > (best.MeanCandidate-best.MeanBaseline) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	for i := range variants {
		if variants[i].ID == best.CandidateVariantID {
			return &variants[i]
		}
	}
	return nil
}

func (e *Engine) deploy(ctx context.Context, c *Cycle, selected PromptVariant) {
	c.Status = StatusDeploying
	outcome, err := e.deployer.Apply(ctx, "auto", selected, fmt.Sprintf("optimization cycle %s selected %s strategy", c.ID, selected.GenerationStrategy))
	if err != nil {
		c.Status = StatusAborted
		c.Reason = "deployment_failed"
		if e.bus != nil {
			e.bus.Publish(ctx, alertbus.High, alertbus.DeploymentFailed, alertbus.Subject{Model: c.Model, Spectrum: c.Spectrum}, 0, 0)
		}
		return
	}
	c.DeploymentID = outcome.RecordID
	if !outcome.Deployed {
		c.Status = StatusAborted
		c.Reason = "validation_failed"
		return
	}
	c.Status = StatusCompleted
}

// Cycle returns the cycle with the given id, for the status API.
func (e *Engine) Cycle(id string) (*Cycle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cycles[id]
	return c, ok
}

// RecentCycles returns up to n of the most recently started cycles,
// newest first, for the status endpoint.
func (e *Engine) RecentCycles(n int) []*Cycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := make([]*Cycle, 0, len(e.cycles))
	for _, c := range e.cycles {
		all = append(all, c)
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].StartedAt.After(all[i].StartedAt) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Shutdown marks every non-terminal cycle aborted with reason "shutdown".
// The background goroutines observe ctx cancellation on their own, but an
// orchestrator calling this right before process exit gets an immediate,
// consistent status snapshot without waiting on the grace period.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.cycles {
		if !c.Status.Terminal() {
			c.Status = StatusAborted
			c.Reason = "shutdown"
			c.CompletedAt = time.Now()
		}
	}
}
