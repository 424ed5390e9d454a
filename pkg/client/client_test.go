package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	if c.baseURL != DefaultBaseURL {
		t.Errorf("Expected default baseURL %s, got %s", DefaultBaseURL, c.baseURL)
	}
	if c.client.Timeout != DefaultTimeout {
		t.Errorf("Expected default timeout %v, got %v", DefaultTimeout, c.client.Timeout)
	}

	c = New(Config{BaseURL: "http://example.com/api/", Timeout: 5 * time.Second})
	if c.baseURL != "http://example.com/api" {
		t.Errorf("trailing slash not trimmed: %s", c.baseURL)
	}
}

func TestIsReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			_, _ = w.Write([]byte(`{"running":false,"appId":null}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if !New(Config{BaseURL: server.URL}).IsReachable(context.Background()) {
		t.Error("Expected server to be reachable")
	}
	if New(Config{BaseURL: server.URL + "/nope"}).IsReachable(context.Background()) {
		t.Error("Expected 404 to be unreachable")
	}
	if New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond}).IsReachable(context.Background()) {
		t.Error("Expected closed port to be unreachable")
	}
}

func TestStartSendsRequest(t *testing.T) {
	var got StartRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/start" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	req := StartRequest{AppID: "app-admin-panel", StartCommand: "npm run dev"}
	if err := c.Start(context.Background(), req); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got != req {
		t.Fatalf("server received %+v", got)
	}
}

func TestConfirmationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"success":false,"needsConfirmation":true,"reason":"port_in_use","error":"port 4000 is still in use"}`))
	}))
	defer server.Close()

	err := New(Config{BaseURL: server.URL}).Start(context.Background(), StartRequest{AppID: "a"})
	reason, ok := NeedsConfirmation(err)
	if !ok || reason != "port_in_use" {
		t.Fatalf("expected port_in_use confirmation, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected APIError 409, got %v", err)
	}
}

func TestErrorResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"error":"appId is required"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer server.Close()
	c := New(Config{BaseURL: server.URL})

	err := c.Start(context.Background(), StartRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "appId is required" {
		t.Fatalf("expected decoded message, got %v", err)
	}
	if _, ok := NeedsConfirmation(err); ok {
		t.Fatalf("plain error reported as confirmation")
	}

	err = c.Stop(context.Background())
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError || apiErr.Error() != "HTTP 500" {
		t.Fatalf("expected bare 500, got %v", err)
	}
}

func TestControlEndpoints(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var force KillPortRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/kill-port" {
			_ = json.NewDecoder(r.Body).Decode(&force)
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	ctx := context.Background()
	for _, f := range []func() error{
		func() error { return c.Stop(ctx) },
		func() error { return c.KillPort(ctx, true) },
		func() error { return c.ForceKill(ctx) },
		func() error { return c.Deny(ctx) },
	} {
		if err := f(); err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"POST /stop", "POST /kill-port", "POST /force-kill", "POST /deny"}
	if fmt.Sprint(paths) != fmt.Sprint(want) {
		t.Fatalf("paths %v, want %v", paths, want)
	}
	if !force.Force {
		t.Fatalf("force flag not sent")
	}
}

func TestStatusAndApps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			_, _ = w.Write([]byte(`{"running":true,"appId":"app-ecommerce","state":"running","pid":42}`))
		case "/apps":
			_, _ = w.Write([]byte(`[{"id":"app-ecommerce","name":"E-commerce","folderPath":"/lab/application-1"}]`))
		}
	}))
	defer server.Close()
	c := New(Config{BaseURL: server.URL})

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running || st.AppID == nil || *st.AppID != "app-ecommerce" || st.PID != 42 {
		t.Fatalf("unexpected status %+v", st)
	}
	apps, err := c.Apps(context.Background())
	if err != nil {
		t.Fatalf("apps: %v", err)
	}
	if len(apps) != 1 || apps[0].FolderPath != "/lab/application-1" {
		t.Fatalf("unexpected apps %+v", apps)
	}
}

func TestStatusIdleHasNilAppID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"running":false,"appId":null,"state":"idle"}`))
	}))
	defer server.Close()
	st, err := New(Config{BaseURL: server.URL}).Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.AppID != nil {
		t.Fatalf("expected nil appId, got %q", *st.AppID)
	}
}

func TestLogsStream(t *testing.T) {
	var follow string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		follow = r.URL.Query().Get("follow")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, ": ping\n\n")
		_, _ = fmt.Fprint(w, "data:{\"seq\":1,\"type\":\"system\",\"message\":\"Starting app...\"}\n\n")
		_, _ = fmt.Fprint(w, "data:{\"seq\":2,\"type\":\"confirm\",\"message\":\"kill?\",\"action\":\"port_in_use\"}\n\n")
	}))
	defer server.Close()

	var got []LogEvent
	err := New(Config{BaseURL: server.URL}).Logs(context.Background(), false, func(e LogEvent) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if follow != "false" {
		t.Fatalf("follow query %q", follow)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Action != "port_in_use" {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestLogsCallbackStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 1; i <= 3; i++ {
			_, _ = fmt.Fprintf(w, "data:{\"seq\":%d,\"type\":\"info\",\"message\":\"line\"}\n\n", i)
		}
	}))
	defer server.Close()

	stop := errors.New("enough")
	n := 0
	err := New(Config{BaseURL: server.URL}).Logs(context.Background(), true, func(LogEvent) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("expected callback error after one event, got %v n=%d", err, n)
	}
}

func TestTLSInsecure(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"running":false,"appId":null}`))
	}))
	defer server.Close()

	if _, err := New(Config{BaseURL: server.URL}).Status(context.Background()); err == nil {
		t.Fatalf("expected verification failure without Insecure")
	}
	if _, err := New(Config{BaseURL: server.URL, Insecure: true}).Status(context.Background()); err != nil {
		t.Fatalf("insecure status: %v", err)
	}
}

func TestSetupClientTLSBadCA(t *testing.T) {
	_, err := setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, CACert: "/no/such/ca.crt"}})
	if err == nil {
		t.Fatalf("expected missing CA error")
	}
}
