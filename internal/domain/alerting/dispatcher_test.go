package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/V1ncenttt/aki-devops/internal/domain/detection"
	"github.com/V1ncenttt/aki-devops/internal/platform/metrics"
)

// fakeSink records calls and fails the first failures deliveries.
type fakeSink struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *fakeSink) Page(ctx context.Context, mrn string, takenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("pager down")
	}
	return nil
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testVerdict(mrn string) detection.Verdict {
	return detection.Verdict{
		MRN:          mrn,
		TakenAt:      time.Date(2024, 3, 31, 22, 43, 0, 0, time.UTC),
		AKI:          true,
		Score:        0.9,
		ModelVersion: "nhs-ratio-v2",
	}
}

// waitResolved polls until the alert record leaves pending.
func waitResolved(t *testing.T, d *Dispatcher, key detection.Key, timeout time.Duration) AlertRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, ok := d.Record(key)
		if ok && rec.Status != StatusPending {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := d.Record(key)
	t.Fatalf("alert did not resolve within %v, last state: %+v", timeout, rec)
	return AlertRecord{}
}

func TestDispatcher_Delivers(t *testing.T) {
	sink := &fakeSink{}
	d := NewDispatcher(sink, metrics.New(), zerolog.Nop())
	defer d.Close(context.Background())

	v := testVerdict("125412")
	out := d.Notify(v)
	if out.Duplicate {
		t.Error("first notify must not be a duplicate")
	}

	rec := waitResolved(t, d, v.Key(), 3*time.Second)
	if rec.Status != StatusDelivered {
		t.Errorf("expected delivered, got %s", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", rec.Attempts)
	}
	if sink.callCount() != 1 {
		t.Errorf("expected exactly 1 page call, got %d", sink.callCount())
	}
}

func TestDispatcher_DeduplicatesKey(t *testing.T) {
	sink := &fakeSink{}
	d := NewDispatcher(sink, metrics.New(), zerolog.Nop())
	defer d.Close(context.Background())

	v := testVerdict("125412")
	d.Notify(v)
	waitResolved(t, d, v.Key(), 3*time.Second)

	// Replay of the same verdict key: no second page.
	out := d.Notify(v)
	if !out.Duplicate {
		t.Error("expected duplicate outcome on replay")
	}
	if out.Status != StatusDelivered {
		t.Errorf("expected replay to report delivered, got %s", out.Status)
	}

	time.Sleep(100 * time.Millisecond)
	if sink.callCount() != 1 {
		t.Errorf("replay must not page again, got %d calls", sink.callCount())
	}
}

func TestDispatcher_DistinctKeysBothPage(t *testing.T) {
	sink := &fakeSink{}
	d := NewDispatcher(sink, metrics.New(), zerolog.Nop())
	defer d.Close(context.Background())

	v1 := testVerdict("125412")
	v2 := testVerdict("497030")
	d.Notify(v1)
	d.Notify(v2)

	waitResolved(t, d, v1.Key(), 3*time.Second)
	waitResolved(t, d, v2.Key(), 3*time.Second)
	if sink.callCount() != 2 {
		t.Errorf("expected 2 pages for distinct patients, got %d", sink.callCount())
	}
}

func TestDispatcher_RetriesThenDelivers(t *testing.T) {
	sink := &fakeSink{failures: 1}
	d := NewDispatcher(sink, metrics.New(), zerolog.Nop())
	defer d.Close(context.Background())

	v := testVerdict("125412")
	d.Notify(v)

	rec := waitResolved(t, d, v.Key(), 5*time.Second)
	if rec.Status != StatusDelivered {
		t.Errorf("expected delivered after retry, got %s", rec.Status)
	}
	if rec.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", rec.Attempts)
	}
}

func TestDispatcher_PermanentFailure(t *testing.T) {
	sink := &fakeSink{failures: 100}
	d := NewDispatcher(sink, metrics.New(), zerolog.Nop())
	defer d.Close(context.Background())

	v := testVerdict("125412")
	d.Notify(v)

	rec := waitResolved(t, d, v.Key(), 10*time.Second)
	if rec.Status != StatusFailed {
		t.Errorf("expected failed after exhausting retries, got %s", rec.Status)
	}
	if rec.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", rec.Attempts)
	}
}

func TestDispatcher_CloseFlushesQueue(t *testing.T) {
	sink := &fakeSink{}
	d := NewDispatcher(sink, metrics.New(), zerolog.Nop())

	// Stop the worker before it drains anything by closing immediately
	// after a burst of notifies.
	for i := 0; i < 5; i++ {
		d.Notify(detection.Verdict{
			MRN:          "125412",
			TakenAt:      time.Date(2024, 3, 31, 22, 43, i, 0, time.UTC),
			AKI:          true,
			ModelVersion: "nhs-ratio-v2",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Close(ctx)

	if sink.callCount() != 5 {
		t.Errorf("expected all 5 queued pages attempted by Close, got %d", sink.callCount())
	}
}

func TestDispatcher_NotifyAfterClose(t *testing.T) {
	d := NewDispatcher(&fakeSink{}, metrics.New(), zerolog.Nop())
	d.Close(context.Background())

	out := d.Notify(testVerdict("125412"))
	if out.Duplicate {
		t.Error("notify after close should not report duplicate")
	}
	// No delivery machinery remains; the record stays pending.
	if out.Status != StatusPending {
		t.Errorf("expected pending after close, got %s", out.Status)
	}
}
