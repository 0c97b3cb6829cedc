// Package orchestrator implements C8: it owns the four long-running
// background tasks (poller, scorer, monitor, coordinator) that wire
// C1 -> C2 -> C3 -> C4 -> C6 -> C7 together, and exposes the HTTP control
// surface described in the external interfaces section. Task wiring
// mirrors the teacher framework's agent-runtime supervision loop: each
// task owns its own goroutine, reports health through a shared registry,
// and honors context cancellation as its sole stop signal.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TheCreditPros/virtuous-cycle/alertbus"
	"github.com/TheCreditPros/virtuous-cycle/deployment"
	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/learningstore"
	"github.com/TheCreditPros/virtuous-cycle/monitor"
	"github.com/TheCreditPros/virtuous-cycle/optimizer"
	"github.com/TheCreditPros/virtuous-cycle/scorer"
	"github.com/TheCreditPros/virtuous-cycle/telemetry"
	"github.com/TheCreditPros/virtuous-cycle/traceclient"
	"github.com/TheCreditPros/virtuous-cycle/vcconfig"
	"github.com/TheCreditPros/virtuous-cycle/vcerrors"
)

const (
	taskPoller      = "poller"
	taskScorer      = "scorer"
	taskMonitor     = "monitor"
	taskCoordinator = "coordinator"
)

// Orchestrator wires C1 through C7 together and owns their shared
// background lifecycle. It starts the four task goroutines; apart from it,
// only optimizer.Engine (one goroutine per cycle) and alertbus.Bus start
// goroutines, and every other package is invoked synchronously from one of
// these tasks.
type Orchestrator struct {
	cfg *vcconfig.Config

	traceClient *traceclient.Client
	buffer      *TraceBuffer
	mon         *monitor.Monitor
	bus         *alertbus.Bus
	store       *learningstore.Store
	engine      *optimizer.Engine
	deployer    *deployment.Manager

	logger  telemetry.Logger
	metrics *telemetry.Metrics
	health  *healthRegistry

	traceCh chan trace.Trace

	mu     sync.Mutex
	cursor traceclient.Cursor

	cancel context.CancelFunc
	wg     sync.WaitGroup

	haltedOnce sync.Once
}

// New builds an Orchestrator from already-constructed components. Each
// component is owned by its own package's constructor; Orchestrator only
// wires them, per the "component ownership, not global state" design
// decision. buffer must be the same TraceBuffer instance the Engine was
// constructed with as its optimizer.TraceFetcher.
func New(
	cfg *vcconfig.Config,
	traceClient *traceclient.Client,
	buffer *TraceBuffer,
	mon *monitor.Monitor,
	bus *alertbus.Bus,
	store *learningstore.Store,
	engine *optimizer.Engine,
	deployer *deployment.Manager,
	logger telemetry.ComponentAwareLogger,
	metrics *telemetry.Metrics,
) *Orchestrator {
	var lg telemetry.Logger = telemetry.NoOpLogger{}
	if logger != nil {
		lg = logger.WithComponent("virtuouscycle/orchestrator")
	}
	if metrics == nil {
		metrics = telemetry.NoOpMetrics()
	}
	return &Orchestrator{
		cfg:         cfg,
		traceClient: traceClient,
		buffer:      buffer,
		mon:         mon,
		bus:         bus,
		store:       store,
		engine:      engine,
		deployer:    deployer,
		logger:      lg,
		metrics:     metrics,
		health:      newHealthRegistry(taskPoller, taskScorer, taskMonitor, taskCoordinator),
		traceCh:     make(chan trace.Trace, 1024),
		cursor:      traceclient.Cursor{},
	}
}

// Run starts all four background tasks and blocks until ctx is canceled.
// On cancellation it waits up to the configured shutdown grace period for
// tasks to drain before returning; the optimizer's own in-flight cycles
// are marked aborted via Engine.Shutdown regardless of whether their
// goroutines have exited yet.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(4)
	go o.runPoller(runCtx)
	go o.runScorer(runCtx)
	go o.runMonitorTask(runCtx)
	go o.runCoordinator(runCtx)

	<-runCtx.Done()
	o.logger.Info("shutdown signaled, waiting for tasks to drain", map[string]interface{}{
		"grace_period": o.cfg.HTTP.ShutdownGrace.String(),
	})

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(o.cfg.HTTP.ShutdownGrace):
		o.logger.Warn("shutdown grace period elapsed, abandoning remaining tasks", nil)
	}

	o.engine.Shutdown()
	return nil
}

// Shutdown cancels the run context started by Run, if any.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
}

// runPoller calls C1 at the configured cadence and feeds traces onto the
// internal channel. An AuthFailure halts polling permanently for this
// process lifetime (matching traceclient.Client's own halted latch) and
// raises exactly one CRITICAL alert; all other tasks continue operating
// on data already ingested, per §7's AuthFailure policy.
func (o *Orchestrator) runPoller(ctx context.Context) {
	defer o.wg.Done()
	o.health.set(taskPoller, TaskRunning, "")

	interval := o.cfg.TraceClient.PollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll := func() {
		o.mu.Lock()
		cursor := o.cursor
		o.mu.Unlock()

		traces, next, err := o.traceClient.FetchRecent(ctx, cursor)
		if err != nil {
			if vcerrors.IsAuthFailure(err) {
				o.haltedOnce.Do(func() {
					o.health.set(taskPoller, TaskFailed, "halted: auth failure")
					o.bus.Publish(ctx, alertbus.Critical, alertbus.IngestionHalted, alertbus.Subject{Model: "observability"}, 0, 0)
					o.logger.ErrorWithContext(ctx, "trace client halted on auth failure", map[string]interface{}{"error": err.Error()})
				})
				return
			}
			o.logger.WarnWithContext(ctx, "poll cycle failed, will retry next tick", map[string]interface{}{"error": err.Error()})
			return
		}

		o.mu.Lock()
		o.cursor = next
		o.mu.Unlock()

		for _, t := range traces {
			select {
			case o.traceCh <- t:
			case <-ctx.Done():
				return
			}
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			o.health.set(taskPoller, TaskStopped, "")
			return
		case <-ticker.C:
			if o.traceClient.Halted() {
				continue
			}
			poll()
		}
	}
}

// runScorer consumes ingested traces, runs C2 synchronously (it is pure
// and cheap), feeds the buffer the optimizer replays from, and forwards
// the score into C3.
func (o *Orchestrator) runScorer(ctx context.Context) {
	defer o.wg.Done()
	o.health.set(taskScorer, TaskRunning, "")
	for {
		select {
		case <-ctx.Done():
			o.health.set(taskScorer, TaskStopped, "")
			return
		case t, ok := <-o.traceCh:
			if !ok {
				o.health.set(taskScorer, TaskStopped, "")
				return
			}
			score := scorer.Score(t, t.Spectrum)
			o.metrics.RecordScored(ctx, score.Model, string(score.Spectrum))
			o.buffer.Observe(t)
			o.mon.Observe(ctx, score)
		}
	}
}

// runMonitorTask periodically samples C3's tracked keys for health
// reporting. The threshold/trend/variance/forecast evaluation itself runs
// synchronously inside Monitor.Observe as each score arrives (see
// monitor.go) rather than on this ticker, since a score-by-score
// evaluation is what makes the hysteresis and reorder-window logic
// meaningful; this task exists to surface liveness and per-key
// aggregates for the status endpoint even when traffic is quiet.
func (o *Orchestrator) runMonitorTask(ctx context.Context) {
	defer o.wg.Done()
	o.health.set(taskMonitor, TaskRunning, "")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.health.set(taskMonitor, TaskStopped, "")
			return
		case <-ticker.C:
			keys := o.mon.Keys()
			o.health.set(taskMonitor, TaskRunning, fmt.Sprintf("tracking %d keys", len(keys)))
		}
	}
}

// runCoordinator subscribes to C4 and, for alerts that indicate a quality
// problem, triggers a C6 optimization cycle for that alert's (model,
// spectrum) subject. It also runs the scheduled-cycle cadence across every
// key C3 is currently tracking. Engine.Trigger itself enforces the
// per-key cooldown and in-flight dedup, so a duplicate alert or a
// scheduled tick landing on an already-running key is a no-op here.
func (o *Orchestrator) runCoordinator(ctx context.Context) {
	defer o.wg.Done()
	o.health.set(taskCoordinator, TaskRunning, "")

	alerts := o.bus.Subscribe(ctx)
	scheduleInterval := o.cfg.Optimization.ScheduledCycleInterval
	if scheduleInterval <= 0 {
		scheduleInterval = 4 * time.Hour
	}
	ticker := time.NewTicker(scheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.health.set(taskCoordinator, TaskStopped, "")
			return
		case alert, ok := <-alerts:
			if !ok {
				continue
			}
			if !shouldTriggerOn(alert.Kind) {
				continue
			}
			o.tryTrigger(ctx, alert.Subject.Model, alert.Subject.Spectrum, "alert", string(alert.Kind))
		case <-ticker.C:
			for _, k := range o.mon.Keys() {
				o.tryTrigger(ctx, k.Model, k.Spectrum, "scheduled", "scheduled_cycle_interval")
			}
		}
	}
}

func shouldTriggerOn(k alertbus.Kind) bool {
	switch k {
	case alertbus.ThresholdBreach, alertbus.TrendDown, alertbus.VarianceHigh, alertbus.ForecastRegression:
		return true
	default:
		return false
	}
}

// tryTrigger calls Engine.Trigger and logs (rather than propagates) the
// expected already-in-progress/cooldown-active outcomes, since those are
// normal coordination noise, not failures.
func (o *Orchestrator) tryTrigger(ctx context.Context, model string, sp trace.Spectrum, trigger, reason string) {
	_, err := o.engine.Trigger(ctx, model, sp, trigger, reason)
	if err != nil && !vcerrors.IsAlreadyInProgress(err) {
		o.logger.WarnWithContext(ctx, "failed to trigger optimization cycle", map[string]interface{}{
			"model": model, "spectrum": string(sp), "error": err.Error(),
		})
	}
}

// TriggerManual starts a cycle on operator demand via the HTTP surface.
func (o *Orchestrator) TriggerManual(ctx context.Context, model string, sp trace.Spectrum) (*optimizer.Cycle, error) {
	return o.engine.Trigger(ctx, model, sp, "manual", "http_trigger")
}

// Rollback delegates to C7.
func (o *Orchestrator) Rollback(ctx context.Context, actor string) (deployment.DeploymentRecord, error) {
	return o.deployer.Rollback(ctx, actor)
}

// ClearHistory prunes the deployment audit log beyond keep entries.
func (o *Orchestrator) ClearHistory(keep int) (int, error) {
	return o.deployer.Prune(keep)
}

// StatusSnapshot is the aggregate the status endpoint serializes.
type StatusSnapshot struct {
	Health       []TaskHealth               `json:"health"`
	ActiveAlerts []alertbus.Alert           `json:"active_alerts"`
	RecentCycles []*optimizer.Cycle         `json:"recent_cycles"`
	Deployments  []deployment.DeploymentRecord `json:"deployments"`
	TraceHalted  bool                       `json:"trace_ingestion_halted"`
}

// Status assembles the current aggregate view across every component, for
// the GET /status endpoint.
func (o *Orchestrator) Status(recentN int) StatusSnapshot {
	return StatusSnapshot{
		Health:       o.health.snapshot(),
		ActiveAlerts: o.bus.Snapshot(),
		RecentCycles: o.engine.RecentCycles(recentN),
		Deployments:  lastN(o.deployer.Records(), recentN),
		TraceHalted:  o.traceClient.Halted(),
	}
}

func lastN(recs []deployment.DeploymentRecord, n int) []deployment.DeploymentRecord {
	if n <= 0 || len(recs) <= n {
		return recs
	}
	return recs[len(recs)-n:]
}
