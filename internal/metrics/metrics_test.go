package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit_RegistersWithoutPanic(t *testing.T) {
	Init(prometheus.NewRegistry())
}

// Registering the same names twice must panic, which proves Init registers
// real collectors.
func TestInit_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on double registration, but Init did not panic")
		}
	}()
	Init(reg)
}

func TestHandler_Returns200(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Handler() status = %d; want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "# HELP") {
		t.Error("expected Prometheus text format in response body")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/playback/{contentID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequests.WithLabelValues("GET", "/v1/playback/{contentID}", "418"))
	req := httptest.NewRequest(http.MethodGet, "/v1/playback/550e8400-e29b-41d4-a716-446655440000", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	after := testutil.ToFloat64(HTTPRequests.WithLabelValues("GET", "/v1/playback/{contentID}", "418"))

	if after-before != 1 {
		t.Errorf("counter delta = %v, want 1", after-before)
	}
}

func TestSanitizePath(t *testing.T) {
	cases := map[string]string{
		"/v1/devices/550e8400-e29b-41d4-a716-446655440000": "/v1/devices/:id",
		"/health": "/health",
		"/" + strings.Repeat("a", 80): "/" + strings.Repeat("a", 63) + "...",
	}
	for in, want := range cases {
		if got := sanitizePath(in); got != want {
			t.Errorf("sanitizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
