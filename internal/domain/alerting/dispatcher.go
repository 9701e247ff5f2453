package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/V1ncenttt/aki-devops/internal/domain/detection"
	"github.com/V1ncenttt/aki-devops/internal/platform/metrics"
)

// DispatchStatus tracks an alert through delivery.
type DispatchStatus string

const (
	StatusPending   DispatchStatus = "pending"
	StatusDelivered DispatchStatus = "delivered"
	StatusFailed    DispatchStatus = "failed"
)

const (
	maxAttempts    = 3
	initialBackoff = 1 * time.Second
)

// AlertRecord tracks one logical alert so retries and replays cannot
// duplicate pages.
type AlertRecord struct {
	ID       uuid.UUID
	Key      detection.Key
	Status   DispatchStatus
	Attempts int
}

// Outcome is what Notify reports back to the pipeline. Dispatch
// failures are non-fatal there; the acknowledgment never reflects them.
type Outcome struct {
	Status    DispatchStatus
	Duplicate bool
}

// Dispatcher queues positive verdicts and delivers them asynchronously
// with bounded retries. The records map is the idempotency table: one
// AlertRecord per verdict key for as long as the process lives.
type Dispatcher struct {
	sink    Sink
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	records map[detection.Key]*AlertRecord

	queue  chan detection.Verdict
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sink Sink, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		metrics: m,
		records: make(map[detection.Key]*AlertRecord),
		queue:   make(chan detection.Verdict, 256),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// Notify enqueues a page for a positive verdict. A repeat call with the
// same key while a prior attempt is pending, or after it resolved,
// is a no-op reporting the prior outcome. Notify never blocks on
// delivery.
func (d *Dispatcher) Notify(v detection.Verdict) Outcome {
	key := v.Key()

	d.mu.Lock()
	if rec, ok := d.records[key]; ok {
		out := Outcome{Status: rec.Status, Duplicate: true}
		d.mu.Unlock()
		return out
	}
	d.records[key] = &AlertRecord{ID: uuid.New(), Key: key, Status: StatusPending}
	if d.closed {
		d.mu.Unlock()
		return Outcome{Status: StatusPending}
	}
	d.mu.Unlock()

	select {
	case d.queue <- v:
	default:
		// Queue full: resolve as failed rather than blocking intake.
		d.resolve(key, StatusFailed)
		d.logger.Error().Str("mrn", v.MRN).Msg("alert queue full, page dropped")
		return Outcome{Status: StatusFailed}
	}
	return Outcome{Status: StatusPending}
}

// Record returns a copy of the alert record for a key, if any.
func (d *Dispatcher) Record(key detection.Key) (AlertRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[key]
	if !ok {
		return AlertRecord{}, false
	}
	return *rec, true
}

// Close stops intake and gives every queued alert one final
// best-effort delivery bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()

	for {
		select {
		case v := <-d.queue:
			if err := d.sink.Page(ctx, v.MRN, v.TakenAt); err != nil {
				d.resolve(v.Key(), StatusFailed)
				d.logger.Warn().Err(err).Str("mrn", v.MRN).Msg("final page attempt failed during shutdown")
			} else {
				d.resolve(v.Key(), StatusDelivered)
			}
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case v := <-d.queue:
			d.deliver(v)
		}
	}
}

// deliver attempts the page with capped exponential backoff. Exhausting
// the cap records a permanent failure; nothing escalates past here.
func (d *Dispatcher) deliver(v detection.Verdict) {
	key := v.Key()
	backoff := initialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		d.bumpAttempts(key)

		ctx, cancel := context.WithTimeout(context.Background(), PagerTimeout)
		err := d.sink.Page(ctx, v.MRN, v.TakenAt)
		cancel()

		if err == nil {
			d.resolve(key, StatusDelivered)
			d.metrics.PagesSent.Inc()
			d.logger.Info().Str("mrn", v.MRN).Time("taken_at", v.TakenAt).Int("attempt", attempt).Msg("page delivered")
			return
		}

		d.logger.Warn().Err(err).Str("mrn", v.MRN).Int("attempt", attempt).Msg("page attempt failed")

		if attempt < maxAttempts {
			select {
			case <-d.done:
				d.resolve(key, StatusFailed)
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	d.resolve(key, StatusFailed)
	d.metrics.PagesFailed.Inc()
	d.logger.Error().Str("mrn", v.MRN).Time("taken_at", v.TakenAt).Msg("page permanently failed")
}

func (d *Dispatcher) bumpAttempts(key detection.Key) {
	d.mu.Lock()
	if rec, ok := d.records[key]; ok {
		rec.Attempts++
	}
	d.mu.Unlock()
}

func (d *Dispatcher) resolve(key detection.Key, status DispatchStatus) {
	d.mu.Lock()
	if rec, ok := d.records[key]; ok {
		rec.Status = status
	}
	d.mu.Unlock()
}
