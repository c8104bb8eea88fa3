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

func TestRecordDeliveryAttempt(t *testing.T) {
	before := testutil.ToFloat64(deliveryAttempts.WithLabelValues("push", "failure"))
	RecordDeliveryAttempt("push", "failure")
	RecordDeliveryAttempt("push", "failure")
	RecordDeliveryAttempt("push", "success")

	if got := testutil.ToFloat64(deliveryAttempts.WithLabelValues("push", "failure")) - before; got != 2 {
		t.Errorf("push failures = %v, want 2", got)
	}
}

func TestRecordNotificationProcessed(t *testing.T) {
	before := testutil.ToFloat64(notificationsProcessed.WithLabelValues("delivered"))
	RecordNotificationProcessed("delivered")
	RecordNotificationProcessed("failed")

	if got := testutil.ToFloat64(notificationsProcessed.WithLabelValues("delivered")) - before; got != 1 {
		t.Errorf("delivered = %v, want 1", got)
	}
}

func TestQueueGauges(t *testing.T) {
	SetQueueDepth("urgent", 4)
	SetOfflineBuffered(7)
	SetRealtimeConnections(3)

	if got := testutil.ToFloat64(queueDepth.WithLabelValues("urgent")); got != 4 {
		t.Errorf("queue depth = %v, want 4", got)
	}
	if got := testutil.ToFloat64(offlineBuffered); got != 7 {
		t.Errorf("offline buffered = %v, want 7", got)
	}
	if got := testutil.ToFloat64(realtimeConnections); got != 3 {
		t.Errorf("connections = %v, want 3", got)
	}
}

func TestRecordersDoNotPanic(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordNotificationEnqueued("sales", "high")
	RecordNotificationRejected("category_disabled")
	RecordNotificationLatency("delivered", 500*time.Millisecond)
	SetSQSMessagesInFlight(2)
	SetCircuitState("ses", 2)
	RecordIdempotencyHit()
	RecordRateLimitRejection()
	SetDBConnections(10)
}

func TestHandler(t *testing.T) {
	RecordNotificationProcessed("failed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dealernotify_notifications_processed_total") {
		t.Error("metrics output should include the processed counter")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/notifications/{id}", "204"))

	req := httptest.NewRequest("GET", "/v1/notifications/abc", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/notifications/{id}", "204"))
	if after-before != 1 {
		t.Errorf("expected request to be recorded under the route pattern")
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
