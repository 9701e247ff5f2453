package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMetrics_Exposition(t *testing.T) {
	m := New()
	m.MessagesReceived.Inc()
	m.MessagesReceived.Inc()
	m.Predictions.Inc()
	m.Acks.WithLabelValues("AA").Inc()
	m.Acks.WithLabelValues("AE").Inc()
	m.FramingErrors.Inc()

	e := echo.New()
	m.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		"hl7_messages_received_total 2",
		"aki_predictions_total 1",
		`hl7_acks_total{code="AA"} 1`,
		`hl7_acks_total{code="AE"} 1`,
		"mllp_framing_errors_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition, got:\n%s", want, body)
		}
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.PagesSent.Inc()

	e := echo.New()
	b.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "aki_pages_sent_total 1") {
		t.Error("counters must not leak across instances")
	}
}
