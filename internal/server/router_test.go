package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/portswitch/internal/config"
	"github.com/loykin/portswitch/internal/event"
	"github.com/loykin/portswitch/internal/metrics"
	"github.com/loykin/portswitch/internal/supervisor"
	ptls "github.com/loykin/portswitch/internal/tls"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	started []supervisor.App
	calls   []string
	force   bool
	err     error
	status  supervisor.Status
}

func (f *fakeSupervisor) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeSupervisor) Start(_ context.Context, app supervisor.App) error {
	f.mu.Lock()
	f.started = append(f.started, app)
	f.mu.Unlock()
	return f.record("start")
}

func (f *fakeSupervisor) Stop(context.Context) error             { return f.record("stop") }
func (f *fakeSupervisor) ConfirmForceKill(context.Context) error { return f.record("force-kill") }
func (f *fakeSupervisor) Deny(context.Context) error             { return f.record("deny") }

func (f *fakeSupervisor) KillPort(_ context.Context, force bool) error {
	f.mu.Lock()
	f.force = force
	f.mu.Unlock()
	return f.record("kill-port")
}

func (f *fakeSupervisor) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func testCatalog() *config.Catalog {
	return config.NewCatalog(&config.Config{
		Port:    4000,
		BaseDir: "/lab",
		Apps: []config.AppConfig{
			{ID: "app-admin-panel", Name: "Admin Dashboard", Folder: "/lab/application-2"},
		},
	})
}

func setupRouter(t *testing.T, base string, sup *fakeSupervisor, bus *event.Bus) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if bus == nil {
		bus = event.NewBus()
	}
	r := NewRouter(sup, testCatalog(), bus, base, WithHeartbeat(20*time.Millisecond),
		WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "portswitch_app_starts_total 0\n")
		})))
	return r.Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestStartRequiresAppID(t *testing.T) {
	sup := &fakeSupervisor{}
	h := setupRouter(t, "/api", sup, nil)
	rec := doReq(t, h, http.MethodPost, "/api/start", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	m := decode(t, rec)
	if m["success"] != false || m["error"] != "appId is required" {
		t.Fatalf("unexpected body %v", m)
	}
	if len(sup.calls) != 0 {
		t.Fatalf("supervisor called: %v", sup.calls)
	}
}

func TestStartRejectsUnsafeInput(t *testing.T) {
	h := setupRouter(t, "/api", &fakeSupervisor{}, nil)
	for _, body := range []map[string]string{
		{"appId": "../etc"},
		{"appId": "ok", "folderPath": "../../etc"},
	} {
		if rec := doReq(t, h, http.MethodPost, "/api/start", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d", body, rec.Code)
		}
	}
	if rec := doReq(t, h, http.MethodPost, "/api/start", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", rec.Code)
	}
}

func TestStartResolvesCatalog(t *testing.T) {
	sup := &fakeSupervisor{}
	h := setupRouter(t, "/api", sup, nil)
	rec := doReq(t, h, http.MethodPost, "/api/start", map[string]string{"appId": "app-admin-panel"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if m := decode(t, rec); m["success"] != true {
		t.Fatalf("unexpected body %v", m)
	}
	if len(sup.started) != 1 {
		t.Fatalf("started = %d", len(sup.started))
	}
	app := sup.started[0]
	if app.WorkDir != "/lab/application-2" || app.Command != config.DefaultCommand {
		t.Fatalf("unexpected app %+v", app)
	}

	rec = doReq(t, h, http.MethodPost, "/api/start", map[string]string{
		"appId": "adhoc", "startCommand": "npm run dev", "folderPath": "./adhoc-app",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if app := sup.started[1]; app.Command != "npm run dev" || app.WorkDir != "/lab/adhoc-app" {
		t.Fatalf("unexpected adhoc app %+v", app)
	}
}

func TestConfirmationMapsToConflict(t *testing.T) {
	sup := &fakeSupervisor{err: &supervisor.ConfirmationError{Reason: supervisor.ReasonPortInUse, Err: supervisor.ErrPortBusy}}
	h := setupRouter(t, "/api", sup, nil)
	rec := doReq(t, h, http.MethodPost, "/api/start", map[string]string{"appId": "app-admin-panel"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	m := decode(t, rec)
	if m["success"] != false || m["needsConfirmation"] != true || m["reason"] != "port_in_use" {
		t.Fatalf("unexpected body %v", m)
	}
}

func TestFailureMapsTo500(t *testing.T) {
	sup := &fakeSupervisor{err: errors.New("boom")}
	h := setupRouter(t, "", sup, nil)
	rec := doReq(t, h, http.MethodPost, "/stop", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if m := decode(t, rec); m["success"] != false || m["error"] != "boom" {
		t.Fatalf("unexpected body %v", m)
	}
}

func TestControlEndpoints(t *testing.T) {
	sup := &fakeSupervisor{}
	h := setupRouter(t, "/api", sup, nil)
	for _, p := range []string{"/api/stop", "/api/force-kill", "/api/deny"} {
		if rec := doReq(t, h, http.MethodPost, p, nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", p, rec.Code)
		}
	}
	if rec := doReq(t, h, http.MethodPost, "/api/kill-port", map[string]bool{"force": true}); rec.Code != http.StatusOK {
		t.Fatalf("kill-port: expected 200, got %d", rec.Code)
	}
	if !sup.force {
		t.Fatalf("force flag not forwarded")
	}
	want := "stop,force-kill,deny,kill-port"
	if got := strings.Join(sup.calls, ","); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
}

func TestStatusShape(t *testing.T) {
	sup := &fakeSupervisor{status: supervisor.Status{State: supervisor.StateIdle}}
	h := setupRouter(t, "/api", sup, nil)
	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	m := decode(t, rec)
	if v, ok := m["appId"]; !ok || v != nil {
		t.Fatalf("appId should be null when idle: %v", m)
	}
	if m["running"] != false || m["state"] != "idle" {
		t.Fatalf("unexpected body %v", m)
	}

	sup.status = supervisor.Status{Running: true, AppID: "app-admin-panel", State: supervisor.StateRunning, PID: 42, StartedAt: time.Now()}
	m = decode(t, doReq(t, h, http.MethodGet, "/api/status", nil))
	if m["running"] != true || m["appId"] != "app-admin-panel" || m["pid"] != float64(42) {
		t.Fatalf("unexpected body %v", m)
	}
}

type fakeResources struct{ samples []metrics.Sample }

func (f fakeResources) Latest() (metrics.Sample, bool) {
	if len(f.samples) == 0 {
		return metrics.Sample{}, false
	}
	return f.samples[len(f.samples)-1], true
}

func (f fakeResources) History() []metrics.Sample { return f.samples }

func TestResourcesEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sup := &fakeSupervisor{status: supervisor.Status{State: supervisor.StateIdle}}

	// not registered without a sampler
	plain := NewRouter(sup, testCatalog(), event.NewBus(), "/api").Handler()
	if rec := doReq(t, plain, http.MethodGet, "/api/resources", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without sampler, got %d", rec.Code)
	}

	res := fakeResources{samples: []metrics.Sample{{App: "app-ecommerce", PID: 7, RSSBytes: 1024}}}
	h := NewRouter(sup, testCatalog(), event.NewBus(), "/api", WithResources(res)).Handler()
	m := decode(t, doReq(t, h, http.MethodGet, "/api/resources", nil))
	if m["current"] != nil {
		t.Fatalf("idle supervisor should report no current sample: %v", m)
	}
	if hist, _ := m["history"].([]any); len(hist) != 1 {
		t.Fatalf("history missing: %v", m)
	}

	sup.status = supervisor.Status{Running: true, AppID: "app-ecommerce", State: supervisor.StateRunning}
	m = decode(t, doReq(t, h, http.MethodGet, "/api/resources", nil))
	cur, _ := m["current"].(map[string]any)
	if cur == nil || cur["pid"] != float64(7) {
		t.Fatalf("current sample missing: %v", m)
	}
}

func TestAppsList(t *testing.T) {
	h := setupRouter(t, "/api", &fakeSupervisor{}, nil)
	rec := doReq(t, h, http.MethodGet, "/api/apps", nil)
	var apps []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &apps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(apps) != 1 || apps[0]["id"] != "app-admin-panel" || apps[0]["folderPath"] != "/lab/application-2" {
		t.Fatalf("unexpected apps %v", apps)
	}
}

func TestCORSAndPreflight(t *testing.T) {
	h := setupRouter(t, "/api", &fakeSupervisor{}, nil)
	rec := doReq(t, h, http.MethodOptions, "/api/start", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" ||
		rec.Header().Get("Access-Control-Allow-Methods") != "GET, POST, OPTIONS" ||
		rec.Header().Get("Access-Control-Allow-Headers") != "Content-Type" {
		t.Fatalf("missing CORS headers: %v", rec.Header())
	}
}

func TestNotFound(t *testing.T) {
	h := setupRouter(t, "/api", &fakeSupervisor{}, nil)
	rec := doReq(t, h, http.MethodGet, "/api/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if m := decode(t, rec); m["error"] != "Not found" {
		t.Fatalf("unexpected body %v", m)
	}
}

func TestMetricsMounted(t *testing.T) {
	h := setupRouter(t, "/api", &fakeSupervisor{}, nil)
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "portswitch_app_starts_total") {
		t.Fatalf("metrics not served: %d %s", rec.Code, rec.Body.String())
	}
}

func TestLogsReplayOnly(t *testing.T) {
	bus := event.NewBus()
	bus.System("Starting app-a...")
	bus.Info("hello")
	h := setupRouter(t, "/api", &fakeSupervisor{}, bus)
	rec := doReq(t, h, http.MethodGet, "/api/logs?follow=false", nil)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}
	evts := parseSSE(t, rec.Body.String())
	if len(evts) != 2 || evts[0].Message != "Starting app-a..." || evts[1].Kind != event.KindInfo {
		t.Fatalf("unexpected replay %+v", evts)
	}
	if bus.Subscribers() != 0 {
		t.Fatalf("subscription leaked")
	}
}

func TestLogsStreamLive(t *testing.T) {
	bus := event.NewBus()
	bus.System("before")
	srv := httptest.NewServer(setupRouter(t, "/api", &fakeSupervisor{}, bus))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/logs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	sc := bufio.NewScanner(resp.Body)
	var got []event.Event
	sawPing := false
	published := false
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, ": ping") {
			sawPing = true
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			var e event.Event
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				t.Fatalf("decode %q: %v", data, err)
			}
			got = append(got, e)
			if !published {
				published = true
				go bus.Error("after")
			}
		}
		if len(got) == 2 && sawPing {
			break
		}
	}
	if len(got) != 2 || got[0].Message != "before" || got[1].Message != "after" || got[1].Seq != got[0].Seq+1 {
		t.Fatalf("unexpected stream %+v", got)
	}
}

func TestMountEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sup := &fakeSupervisor{status: supervisor.Status{State: supervisor.StateIdle}}
	r := NewRouter(sup, testCatalog(), event.NewBus(), "/api")
	e := echo.New()
	MountEcho(e, "/api", r.Handler())
	rec := doReq(t, e, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if m := decode(t, rec); m["state"] != "idle" {
		t.Fatalf("unexpected body %v", m)
	}
}

func TestNewEchoServesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(&fakeSupervisor{}, testCatalog(), event.NewBus(), "/api")
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok") })
	e := NewEcho("/api", r.Handler(), metrics)
	if rec := doReq(t, e, http.MethodGet, "/metrics", nil); rec.Body.String() != "ok" {
		t.Fatalf("metrics = %q", rec.Body.String())
	}
	if rec := doReq(t, e, http.MethodPost, "/api/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop via echo: %d", rec.Code)
	}
}

func TestNewServerServes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sup := &fakeSupervisor{status: supervisor.Status{State: supervisor.StateIdle}}
	srv, err := NewServer("127.0.0.1:0", NewRouter(sup, testCatalog(), event.NewBus(), "/api").Handler(), nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer func() { _ = srv.Close() }()
	resp, err := http.Get("http://" + srv.Addr + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if _, err := NewServer(srv.Addr, http.NotFoundHandler(), nil); err == nil {
		t.Fatalf("expected bind error on a used address")
	}
}

func TestNewServerTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tlsCfg, err := ptls.Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true})
	if err != nil {
		t.Fatalf("tls setup: %v", err)
	}
	sup := &fakeSupervisor{status: supervisor.Status{State: supervisor.StateIdle}}
	srv, err := NewServer("127.0.0.1:0", NewRouter(sup, testCatalog(), event.NewBus(), "/api").Handler(), tlsCfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer func() { _ = srv.Close() }()
	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- self-signed test cert
	}}
	resp, err := client.Get("https://" + srv.Addr + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func parseSSE(t *testing.T, body string) []event.Event {
	t.Helper()
	var out []event.Event
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var e event.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		out = append(out, e)
	}
	return out
}
