package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(deliveriesTotal.WithLabelValues("blocked", "live"))

	RecordDelivery("blocked", "live")
	RecordDelivery("blocked", "live")
	RecordDelivery("sent", "retry")

	if got := testutil.ToFloat64(deliveriesTotal.WithLabelValues("blocked", "live")) - before; got != 2 {
		t.Errorf("expected 2 blocked deliveries, got %v", got)
	}
}

func TestRecordResolution(t *testing.T) {
	before := testutil.ToFloat64(recipientsExcluded.WithLabelValues("opted_out"))

	RecordResolution(10, map[string]int{"opted_out": 3, "system": 1})

	if got := testutil.ToFloat64(recipientsExcluded.WithLabelValues("opted_out")) - before; got != 3 {
		t.Errorf("expected 3 opted_out exclusions, got %v", got)
	}
}

func TestJobsRunningGauge(t *testing.T) {
	before := testutil.ToFloat64(jobsRunning)

	JobStarted()
	JobStarted()
	JobStopped()

	if got := testutil.ToFloat64(jobsRunning) - before; got != 1 {
		t.Errorf("expected gauge to rise by 1, got %v", got)
	}
}

func TestObservers(t *testing.T) {
	ObserveSend(120 * time.Millisecond)
	ObserveThrottleWait(3 * time.Second)
	RecordJobFinished("completed")
	RecordRetryResult("rescheduled")
	RecordTrigger("sqs")
	SetCircuitState("telegram", 1)
	RecordIdempotencyHit()
	RecordRateLimitRejection("42")
	SetDBConnections(4)
}

func TestHandler(t *testing.T) {
	RecordDelivery("sent", "live")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "herald_deliveries_total") {
		t.Error("expected herald_deliveries_total in output")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/broadcasts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := httpRequestsTotal.WithLabelValues("GET", "/v1/broadcasts/{id}", "404")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest("GET", "/v1/broadcasts/8d1c6f9e-0000-4000-8000-000000000001", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("expected one request under the route pattern, got %v", got)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
