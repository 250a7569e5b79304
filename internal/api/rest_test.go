package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Stars1233/memori/internal/proto"
	"github.com/Stars1233/memori/internal/server"
	"github.com/Stars1233/memori/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/metadata"
)

func newTestHandler(t *testing.T) (*server.Server, http.Handler) {
	t.Helper()
	store, err := storage.NewInMemoryStore()
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	srv := server.New(store, server.Options{ProvisionDelay: time.Hour, TransitionDelay: time.Hour})
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return srv, NewHTTPHandler(srv, nil)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	_, h := newTestHandler(t)
	rec := do(h, http.MethodGet, "/ping", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pong") {
		t.Fatalf("unexpected ping response %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetCluster(t *testing.T) {
	srv, h := newTestHandler(t)

	if rec := do(h, http.MethodGet, "/clusters", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a name, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/clusters?name=web", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown cluster, got %d", rec.Code)
	}

	acct, err := srv.SignUp(context.Background(), &proto.SignUpRequest{Email: "dev@example.com"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+acct.APIKey))
	if _, err := srv.CreateCluster(ctx, &proto.ClusterRequest{Name: "web", Region: "eu", Token: "t1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := do(h, http.MethodGet, "/clusters?name=web", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["state"] != "Provisioning" || body["region"] != "eu" {
		t.Fatalf("unexpected body %v", body)
	}

	if rec := do(h, http.MethodPost, "/chaos/partition", `{"region":"eu"}`); rec.Code != http.StatusOK {
		t.Fatalf("partition: %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/clusters?name=web", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while partitioned, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/chaos/heal", `{"region":"eu"}`); rec.Code != http.StatusOK {
		t.Fatalf("heal: %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/clusters?name=web", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after heal, got %d", rec.Code)
	}
}

func TestChaosControls(t *testing.T) {
	srv, h := newTestHandler(t)

	if rec := do(h, http.MethodGet, "/chaos/fail", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/chaos/fail", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a region, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/chaos/latency", `{"region":"eu","latency_ms":-1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative latency, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/chaos/latency", `{"region":"eu","latency_ms":250}`); rec.Code != http.StatusOK {
		t.Fatalf("latency: %d", rec.Code)
	}
	if got := srv.Chaos().Latency("eu"); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms latency, got %s", got)
	}
	if rec := do(h, http.MethodPost, "/chaos/fail", `{"region":"eu"}`); rec.Code != http.StatusOK {
		t.Fatalf("fail: %d", rec.Code)
	}
	if !srv.Chaos().Failing("eu") {
		t.Fatal("expected eu to be failing")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "memori_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	mux := http.NewServeMux()
	RegisterMetrics(mux, reg)
	rec := do(mux, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "memori_test_total 1") {
		t.Fatalf("unexpected metrics output %d:\n%s", rec.Code, rec.Body.String())
	}
}
