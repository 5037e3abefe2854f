package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flashdrop.org/internal/admission"
	"flashdrop.org/internal/idempotency"
	"flashdrop.org/internal/ratelimit"
	"flashdrop.org/internal/sale"
	"flashdrop.org/internal/stream"
	"flashdrop.org/internal/verify"
)

type testAPI struct {
	api    *API
	engine *admission.Engine
	sales  sale.Service
	stream *stream.Stream
}

func newTestAPI(t *testing.T, opts ...func(*apiOptions)) *testAPI {
	t.Helper()
	o := &apiOptions{
		limiter: ratelimit.NewMemory(ratelimit.Config{MaxRequests: 1000, Window: time.Minute}),
		gate:    verify.StaticGate{Result: verify.Result{Passed: true, Score: 1}},
	}
	for _, opt := range opts {
		opt(o)
	}
	sales := sale.NewInMemory()
	st := stream.New()
	eng := admission.New(sales, o.limiter, o.gate,
		idempotency.New[admission.Outcome](time.Hour), st, admission.Config{})
	return &testAPI{
		api:    New(ReadyProbe{}, eng, sales, st, "test"),
		engine: eng,
		sales:  sales,
		stream: st,
	}
}

type apiOptions struct {
	limiter ratelimit.Limiter
	gate    verify.Gate
}

func withLimiter(l ratelimit.Limiter) func(*apiOptions) {
	return func(o *apiOptions) { o.limiter = l }
}

func withGate(g verify.Gate) func(*apiOptions) {
	return func(o *apiOptions) { o.gate = g }
}

func (ta *testAPI) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ta.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["service"] != "flashdrop-api" || body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReadyWithoutDB(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestInfo(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["version"] != "test" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestUnknownPath(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestReadyProbePingsDB(t *testing.T) {
	rp := ReadyProbe{}
	if err := rp.Check(context.Background()); err != nil {
		t.Fatalf("nil DB must be ready: %v", err)
	}
}
