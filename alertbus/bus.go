package alertbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheCreditPros/virtuous-cycle/telemetry"
)

// Sink fans an alert out to a destination (log, file, webhook). A sink
// failure is logged but never blocks the bus or other sinks.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// Bus is a bounded, deduplicating, fan-out alert queue. Subscribers
// receive alerts in arrival order; there is no persistence across restart.
type Bus struct {
	capacity int
	cooldown time.Duration

	mu      sync.Mutex
	queue   []Alert
	dedup   map[string]int // dedupKey -> index into queue

	sinks []Sink
	subs  []chan Alert

	logger  telemetry.Logger
	metrics *telemetry.Metrics
}

func New(capacity int, cooldown time.Duration, logger telemetry.ComponentAwareLogger, metrics *telemetry.Metrics) *Bus {
	if logger == nil {
		logger = telemetry.NoOpLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoOpMetrics()
	}
	return &Bus{
		capacity: capacity,
		cooldown: cooldown,
		dedup:    make(map[string]int),
		logger:   logger.WithComponent("virtuouscycle/alertbus"),
		metrics:  metrics,
	}
}

// AddSink registers a fan-out destination. Not safe to call concurrently
// with Publish; register sinks at startup before traffic begins.
func (b *Bus) AddSink(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a channel of alerts in arrival order. The channel is
// closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan Alert {
	ch := make(chan Alert, b.capacity)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

// Publish raises an alert, deduplicating by (kind, subject) within the
// cooldown window: a duplicate within the window bumps count/last_seen on
// the existing alert instead of emitting a new one to sinks/subscribers.
func (b *Bus) Publish(ctx context.Context, severity Severity, kind Kind, subject Subject, measured, threshold float64) {
	b.mu.Lock()
	key := dedupKey(kind, subject)
	now := time.Now()

	if idx, ok := b.dedup[key]; ok && idx < len(b.queue) {
		existing := &b.queue[idx]
		if now.Sub(existing.LastSeen) < b.cooldown {
			existing.Count++
			existing.LastSeen = now
			existing.MeasuredValue = measured
			b.mu.Unlock()
			return
		}
	}

	alert := Alert{
		ID:            uuid.NewString(),
		Severity:      severity,
		Kind:          kind,
		Subject:       subject,
		MeasuredValue: measured,
		Threshold:     threshold,
		FirstSeen:     now,
		LastSeen:      now,
		Count:         1,
	}

	b.enforceCapacityLocked()
	b.dedup[key] = len(b.queue)
	b.queue = append(b.queue, alert)
	b.mu.Unlock()

	b.metrics.RecordAlert(ctx, string(kind), string(severity))
	b.fanOut(ctx, alert)
}

// enforceCapacityLocked drops the oldest entry among the lowest severity
// present once the queue is at capacity. Caller holds b.mu.
func (b *Bus) enforceCapacityLocked() {
	if len(b.queue) < b.capacity {
		return
	}
	lowestIdx := -1
	lowestRank := 1 << 30
	for i, a := range b.queue {
		r := severityRank[a.Severity]
		if r < lowestRank {
			lowestRank = r
			lowestIdx = i
		}
	}
	if lowestIdx < 0 {
		return
	}
	removedKey := dedupKey(b.queue[lowestIdx].Kind, b.queue[lowestIdx].Subject)
	b.queue = append(b.queue[:lowestIdx], b.queue[lowestIdx+1:]...)
	delete(b.dedup, removedKey)
	// reindex dedup map since everything after lowestIdx shifted
	for k, idx := range b.dedup {
		if idx > lowestIdx {
			b.dedup[k] = idx - 1
		}
	}
}

func (b *Bus) fanOut(ctx context.Context, alert Alert) {
	b.mu.Lock()
	subs := append([]chan Alert(nil), b.subs...)
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- alert:
		default:
			b.logger.WarnWithContext(ctx, "subscriber channel full, dropping alert delivery", map[string]interface{}{
				"alert_id": alert.ID,
			})
		}
	}

	for _, sink := range sinks {
		if err := sink.Send(ctx, alert); err != nil {
			b.logger.WarnWithContext(ctx, "alert sink failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// Snapshot returns a copy of the current queue, newest alerts last.
func (b *Bus) Snapshot() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, len(b.queue))
	copy(out, b.queue)
	return out
}
