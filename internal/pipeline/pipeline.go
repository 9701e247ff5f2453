// Package pipeline sequences one message through parse, state commit,
// detection, and dispatch, and decides the acknowledgment code the
// sender sees.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/V1ncenttt/aki-devops/internal/domain/alerting"
	"github.com/V1ncenttt/aki-devops/internal/domain/detection"
	"github.com/V1ncenttt/aki-devops/internal/domain/records"
	"github.com/V1ncenttt/aki-devops/internal/platform/hl7v2"
	"github.com/V1ncenttt/aki-devops/internal/platform/metrics"
)

// State is where a message currently sits in its lifecycle.
type State string

const (
	StateReceived     State = "received"
	StateParsed       State = "parsed"
	StateStateUpdated State = "state_updated"
	StateDetected     State = "detected"
	StateDispatched   State = "dispatched"
	StateAcknowledged State = "acknowledged"
)

const (
	// storeRetries bounds retries of a retryable store failure before
	// the condition escalates to connection teardown.
	storeRetries   = 3
	storeRetryWait = 200 * time.Millisecond
)

// Notifier is the dispatch side the pipeline needs: fire and forget.
type Notifier interface {
	Notify(v detection.Verdict) alerting.Outcome
}

// Pipeline is the per-message orchestrator. Handle implements the MLLP
// server's handler contract, so sequencing within a connection is
// inherited from the transport.
type Pipeline struct {
	store    records.Store
	detector *detection.Detector
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func New(store records.Store, detector *detection.Detector, notifier Notifier, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		detector: detector,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// Handle processes one raw message and returns the acknowledgment
// payload. A nil return tells the transport the connection is no
// longer serviceable (persistent store unavailability); data-level
// problems always resolve into a reject acknowledgment instead.
func (p *Pipeline) Handle(ctx context.Context, raw []byte) []byte {
	p.metrics.MessagesReceived.Inc()
	state := StateReceived

	msg, err := hl7v2.ParseMessage(raw)
	if err != nil {
		return p.reject(raw, state, err)
	}
	ev, err := hl7v2.ExtractEvent(msg)
	if err != nil {
		return p.reject(raw, state, err)
	}
	state = StateParsed

	if err := p.applyWithRetry(ctx, ev); err != nil {
		if errors.Is(err, records.ErrConflict) {
			return p.reject(raw, state, err)
		}
		p.logger.Error().Err(err).Str("mrn", ev.MRN).Msg("store unavailable, tearing down connection")
		return nil
	}
	state = StateStateUpdated

	if ev.Kind == hl7v2.KindLabResult {
		verdict, err := p.detect(ctx, ev)
		if err != nil {
			// History is committed; an unreadable store still blocks
			// detection, so leave the message unacknowledged and let the
			// idempotent replay retry it.
			p.logger.Error().Err(err).Str("mrn", ev.MRN).Msg("store unavailable after commit, tearing down connection")
			return nil
		}
		state = StateDetected
		p.metrics.Predictions.Inc()

		if verdict.AKI {
			outcome := p.notifier.Notify(verdict)
			state = StateDispatched
			p.logger.Info().
				Str("mrn", verdict.MRN).
				Time("taken_at", verdict.TakenAt).
				Float64("score", verdict.Score).
				Str("dispatch", string(outcome.Status)).
				Bool("duplicate", outcome.Duplicate).
				Msg("positive verdict")
		}
	}

	state = StateAcknowledged
	p.metrics.Acks.WithLabelValues(hl7v2.AckAccept).Inc()
	p.logger.Debug().
		Str("control_id", msg.ControlID).
		Str("event", ev.Kind.String()).
		Str("state", string(state)).
		Msg("message accepted")
	return hl7v2.BuildAck(raw, hl7v2.AckAccept)
}

// applyWithRetry commits the event, retrying retryable store failures a
// bounded number of times.
func (p *Pipeline) applyWithRetry(ctx context.Context, ev hl7v2.Event) error {
	var err error
	for attempt := 0; attempt < storeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(storeRetryWait):
			}
		}
		err = p.store.Apply(ctx, ev)
		if err == nil || errors.Is(err, records.ErrConflict) {
			return err
		}
	}
	return err
}

// detect reads the committed history and the patient's attributes and
// runs the frozen rule.
func (p *Pipeline) detect(ctx context.Context, ev hl7v2.Event) (detection.Verdict, error) {
	history, err := p.store.GetHistory(ctx, ev.MRN)
	if err != nil {
		return detection.Verdict{}, err
	}

	attrs := detection.PatientAttrs{}
	patient, err := p.store.GetPatient(ctx, ev.MRN)
	switch {
	case err == nil:
		attrs.Age = patient.Age
		attrs.Sex = patient.Sex
	case errors.Is(err, records.ErrNotFound):
		// Unknown demographics are fine; the rule falls back to the
		// widest reference band.
	default:
		return detection.Verdict{}, err
	}

	m := records.Measurement{MRN: ev.MRN, TakenAt: ev.ObservedAt.Truncate(time.Second), Value: ev.Value}
	return p.detector.Detect(history, m, attrs), nil
}

func (p *Pipeline) reject(raw []byte, state State, cause error) []byte {
	p.metrics.Acks.WithLabelValues(hl7v2.AckReject).Inc()

	evt := p.logger.Warn().Str("state", string(state))
	var perr *hl7v2.ParseError
	if errors.As(cause, &perr) {
		evt = evt.Str("reason", perr.Reason)
	}
	evt.Err(cause).Msg("message rejected")

	return hl7v2.BuildAck(raw, hl7v2.AckReject)
}
