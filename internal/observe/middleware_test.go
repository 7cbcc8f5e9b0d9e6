package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareEnv struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

// newMiddlewareEnv wires metrics to a manual reader and the global tracer to
// an in-memory exporter.
func newMiddlewareEnv(t *testing.T) *middlewareEnv {
	t.Helper()

	m, reader := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return &middlewareEnv{metrics: m, reader: reader, spans: exp}
}

// requestPoints returns the data points of the HTTP duration histogram.
func (e *middlewareEnv) requestPoints(t *testing.T) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := e.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "earshot.http.request.duration")
	if met == nil {
		return nil
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("request duration is %T, want a histogram", met.Data)
	}
	return hist.DataPoints
}

func attrValue(set attribute.Set, key string) (attribute.Value, bool) {
	return set.Value(attribute.Key(key))
}

func readRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/{sessionID}/results", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	env := newMiddlewareEnv(t)
	h := Middleware(env.metrics)(readRoutes())

	for _, id := range []string{"call-1", "call-2", "mic-7"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/sessions/"+id+"/results", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	}

	points := env.requestPoints(t)
	if len(points) != 1 {
		t.Fatalf("data points = %d, want 1 (one route)", len(points))
	}
	if points[0].Count != 3 {
		t.Errorf("count = %d, want 3", points[0].Count)
	}
	if v, _ := attrValue(points[0].Attributes, "route"); v.AsString() != "/v1/sessions/{sessionID}/results" {
		t.Errorf("route = %q", v.AsString())
	}

	spans := env.spans.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	if want := "HTTP GET /v1/sessions/{sessionID}/results"; spans[0].Name != want {
		t.Errorf("span name = %q, want %q", spans[0].Name, want)
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	env := newMiddlewareEnv(t)
	h := Middleware(env.metrics)(readRoutes())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/nowhere/abc", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	points := env.requestPoints(t)
	if len(points) != 1 {
		t.Fatalf("data points = %d, want 1", len(points))
	}
	if v, _ := attrValue(points[0].Attributes, "route"); v.AsString() != routeUnmatched {
		t.Errorf("route = %q, want %q", v.AsString(), routeUnmatched)
	}

	spans := env.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status code = %d, want 404", status)
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	env := newMiddlewareEnv(t)

	var seen string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})
	h := Middleware(env.metrics)(mux)

	t.Run("new trace", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
		if len(seen) != 32 {
			t.Fatalf("correlation id = %q, want 32 hex chars", seen)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != seen {
			t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
		}
	})

	t.Run("incoming traceparent", func(t *testing.T) {
		const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		req := httptest.NewRequest("GET", "/readyz", nil)
		req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if seen != traceID {
			t.Errorf("correlation id = %q, want %q", seen, traceID)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
			t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
		}
	})
}

func TestMiddleware_HijackUnsupported(t *testing.T) {
	env := newMiddlewareEnv(t)

	var hijackErr error
	h := Middleware(env.metrics)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("wrapped writer must expose http.Hijacker for websocket upgrades")
			return
		}
		_, _, hijackErr = hj.Hijack()
	}))

	// httptest.ResponseRecorder cannot be hijacked.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/stream", nil))
	if hijackErr == nil {
		t.Error("expected error when the underlying writer cannot hijack")
	}
}

func TestMiddleware_UpgradedStream(t *testing.T) {
	env := newMiddlewareEnv(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stream", func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n")
		_ = buf.Flush()
	})
	srv := httptest.NewServer(Middleware(env.metrics)(mux))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stream?session=s1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	// The handler may still be returning when the client has its response.
	deadline := time.Now().Add(2 * time.Second)
	var points []metricdata.HistogramDataPoint[float64]
	for len(points) == 0 && time.Now().Before(deadline) {
		points = env.requestPoints(t)
		time.Sleep(10 * time.Millisecond)
	}
	if len(points) != 1 {
		t.Fatalf("data points = %d, want 1", len(points))
	}
	if v, _ := attrValue(points[0].Attributes, "upgraded"); !v.AsBool() {
		t.Error("upgraded attribute should be true for a hijacked stream")
	}
	if v, _ := attrValue(points[0].Attributes, "route"); v.AsString() != "/v1/stream" {
		t.Errorf("route = %q, want /v1/stream", v.AsString())
	}
}
