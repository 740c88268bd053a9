package offlinecache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/representacao-comercial/offline-cache/cache"
	"github.com/representacao-comercial/offline-cache/pkg/connectivity"

	"github.com/rs/zerolog"
)

func TestServeHitHeaders(t *testing.T) {
	a := newAgent(t, cache.NewMemStorage(), &app{}, connectivity.NewFlag(false))
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", "/manifest.json", nil))

	if rr.Code != 200 || rr.Body.String() != "network /manifest.json" {
		t.Fatalf("%d %q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "OfflineCache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestServeOffline(t *testing.T) {
	a := newAgent(t, cache.NewMemStorage(), &app{}, connectivity.NewFlag(false))
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", "/api/dashboard", nil))

	if rr.Code != http.StatusServiceUnavailable || rr.Body.String() != "Offline" {
		t.Fatalf("%d %q", rr.Code, rr.Body.String())
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "OfflineCache; fwd=uri-miss; detail=offline" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestServeNetworkMethod(t *testing.T) {
	a := newAgent(t, cache.NewMemStorage(), &app{}, nil)
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("POST", "/api/orders", strings.NewReader("{}")))

	if rr.Code != 200 || rr.Body.String() != "network /api/orders" {
		t.Fatalf("%d %q", rr.Code, rr.Body.String())
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "OfflineCache; fwd=method" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestServeNetworkError(t *testing.T) {
	a, err := New(Config{
		Storage: cache.NewMemStorage(),
		Network: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("no route to host")
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "OfflineCache; fwd=uri-miss; detail=network-error" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestAdminRouter(t *testing.T) {
	storage := cache.NewMemStorage()
	storage.Open("representacao-comercial-v0")
	flag := connectivity.NewFlag(true)
	a := newAgent(t, storage, &app{}, flag)
	admin := a.AdminRouter()
	public := a.Router()

	do := func(router http.Handler, method, path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
		return rr
	}

	if rr := do(admin, "POST", "/install"); rr.Code != http.StatusNoContent {
		t.Fatalf("Install: %d %s", rr.Code, rr.Body.String())
	}

	rr := do(admin, "POST", "/activate")
	var activated activateResponse
	if err := json.NewDecoder(rr.Body).Decode(&activated); err != nil {
		t.Fatal(err)
	}
	if len(activated.Deleted) != 1 || activated.Deleted[0] != "representacao-comercial-v0" || activated.Error != "" {
		t.Fatalf("Activate: %+v", activated)
	}

	if rr := do(admin, "DELETE", "/online"); rr.Code != http.StatusNoContent || flag.Online() {
		t.Fatalf("Offline: %d %v", rr.Code, flag.Online())
	}

	rr = do(admin, "GET", "/status")
	var status Status
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Online || status.Cache != DefaultCacheName || len(status.Caches) != 1 {
		t.Fatalf("Status: %+v", status)
	}
	if urls := status.Caches[DefaultCacheName]; len(urls) != 4 || urls[0] != "GET /" {
		t.Fatalf("Stored URLs: %v", urls)
	}

	if rr := do(public, "GET", "/static/css/main.css"); rr.Header().Get("Cache-Status") != "OfflineCache; hit" {
		t.Fatalf("Cached asset: %d %v", rr.Code, rr.Header())
	}
	if rr := do(public, "GET", "/orders/1"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Offline page: %d", rr.Code)
	}

	if rr := do(admin, "PUT", "/online"); rr.Code != http.StatusNoContent || !flag.Online() {
		t.Fatalf("Online: %d %v", rr.Code, flag.Online())
	}
	if rr := do(public, "GET", "/orders/1"); rr.Code != 200 || rr.Body.String() != "network /orders/1" {
		t.Fatalf("Online page: %d %q", rr.Code, rr.Body.String())
	}
}

func TestRouterHasNoAdminRoutes(t *testing.T) {
	origin := &app{}
	flag := connectivity.NewFlag(true)
	a := newAgent(t, cache.NewMemStorage(), origin, flag)
	router := a.Router()

	for _, path := range []string{"/online", "/.offline-cache/online"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("DELETE", path, nil))
		if !flag.Online() {
			t.Fatalf("DELETE %s switched the agent offline", path)
		}
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/activate", nil))
	if rr.Body.String() != "network /activate" {
		t.Fatalf("Activate was not passed to the application: %q", rr.Body.String())
	}
	if origin.calls.Load() != 3 {
		t.Fatalf("Application got %d requests", origin.calls.Load())
	}
}

func TestAdminRouterForcesProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	probe := connectivity.NewProbe(ln.Addr().String(), time.Second)
	a := newAgent(t, cache.NewMemStorage(), &app{}, probe)
	admin := a.AdminRouter()

	rr := httptest.NewRecorder()
	admin.ServeHTTP(rr, httptest.NewRequest("DELETE", "/online", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("Offline: %d", rr.Code)
	}
	probe.Check(context.Background())

	rr = httptest.NewRecorder()
	a.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/api/x", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Forced offline state did not hold after a check: %d %s", rr.Code, rr.Header().Get("Cache-Status"))
	}

	rr = httptest.NewRecorder()
	admin.ServeHTTP(rr, httptest.NewRequest("POST", "/online/auto", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("Auto: %d", rr.Code)
	}
	probe.Check(context.Background())
	if !a.Online() {
		t.Fatal("Probe should decide again after auto")
	}
}

func TestAdminRouterInstallFailure(t *testing.T) {
	a := newAgent(t, cache.NewMemStorage(), &app{failing: map[string]int{"/": 500}}, nil)
	rr := httptest.NewRecorder()
	a.AdminRouter().ServeHTTP(rr, httptest.NewRequest("POST", "/install", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

type fixedSignal bool

func (s fixedSignal) Online() bool { return bool(s) }

func TestAdminRouterWithoutSettableSignal(t *testing.T) {
	a := newAgent(t, cache.NewMemStorage(), &app{}, fixedSignal(true))
	for _, req := range []*http.Request{
		httptest.NewRequest("PUT", "/online", nil),
		httptest.NewRequest("POST", "/online/auto", nil),
	} {
		rr := httptest.NewRecorder()
		a.AdminRouter().ServeHTTP(rr, req)
		if rr.Code == http.StatusNoContent {
			t.Fatalf("%s %s should not exist", req.Method, req.URL.Path)
		}
	}
}

type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header {
	return w.header
}

func (w *brokenWriter) WriteHeader(int) {}

func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestAdminRouterLogsWriteError(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	a, err := New(Config{
		Storage: cache.NewMemStorage(),
		Network: HandlerTransport(&app{}),
		Logger:  &logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	a.AdminRouter().ServeHTTP(&brokenWriter{header: http.Header{}}, httptest.NewRequest("GET", "/status", nil))
	if !strings.Contains(logs.String(), "Could not write JSON response to client") {
		t.Fatalf("Write error was not logged: %s", logs.String())
	}
}
