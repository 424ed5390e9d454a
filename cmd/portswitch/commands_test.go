package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDaemon answers the control API; start fails with a confirmation until
// force-kill has been called when confirmFirst is set.
type fakeDaemon struct {
	mu           sync.Mutex
	calls        []string
	confirmFirst bool
	confirmed    bool
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/status":
		_, _ = w.Write([]byte(`{"running":true,"appId":"app-ecommerce","state":"running"}`))
	case "/start":
		if f.confirmFirst && !f.confirmed {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"success":false,"needsConfirmation":true,"reason":"process_running","error":"process did not stop"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	case "/force-kill":
		f.confirmed = true
		_, _ = w.Write([]byte(`{"success":true}`))
	case "/stop", "/deny", "/kill-port":
		_, _ = w.Write([]byte(`{"success":true}`))
	case "/apps":
		_, _ = w.Write([]byte(`[{"id":"app-ecommerce","name":"E-commerce Platform","folderPath":"/lab/application-1"}]`))
	case "/logs":
		w.Header().Set("Content-Type", "text/event-stream")
		ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local).Format(time.RFC3339)
		_, _ = fmt.Fprintf(w, "data:{\"seq\":1,\"type\":\"system\",\"message\":\"Starting app-ecommerce...\",\"timestamp\":%q}\n\n", ts)
		_, _ = fmt.Fprint(w, "data:{\"seq\":2,\"type\":\"confirm\",\"message\":\"Port 4000 is in use\",\"action\":\"port_in_use\"}\n\n")
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Not found"}`))
	}
}

func (f *fakeDaemon) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestCommand(t *testing.T, h http.Handler) (*command, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	return &command{out: out, flags: &ClientFlags{APIUrl: srv.URL, APITimeout: 2 * time.Second}}, out
}

func TestStartPrintsStatus(t *testing.T) {
	fd := &fakeDaemon{}
	c, out := newTestCommand(t, fd)
	if err := c.Start(context.Background(), StartFlags{AppID: "app-ecommerce"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(out.String(), `"appId": "app-ecommerce"`) {
		t.Fatalf("status not printed: %s", out)
	}
}

func TestStartRequiresApp(t *testing.T) {
	c, _ := newTestCommand(t, &fakeDaemon{})
	if err := c.Start(context.Background(), StartFlags{}); err == nil {
		t.Fatalf("expected error without app id")
	}
}

func TestStartConfirmationWithoutYes(t *testing.T) {
	fd := &fakeDaemon{confirmFirst: true}
	c, out := newTestCommand(t, fd)
	err := c.Start(context.Background(), StartFlags{AppID: "app-admin-panel"})
	if err == nil || !strings.Contains(err.Error(), "process_running") {
		t.Fatalf("expected confirmation error, got %v", err)
	}
	if !strings.Contains(out.String(), "portswitch force-kill") {
		t.Fatalf("guidance missing: %s", out)
	}
	for _, call := range fd.Calls() {
		if call == "POST /force-kill" {
			t.Fatalf("force kill sent without --yes")
		}
	}
}

func TestStartYesForceKillsAndRetries(t *testing.T) {
	fd := &fakeDaemon{confirmFirst: true}
	c, out := newTestCommand(t, fd)
	if err := c.Start(context.Background(), StartFlags{AppID: "app-admin-panel", Yes: true}); err != nil {
		t.Fatalf("start --yes: %v", err)
	}
	want := []string{"GET /status", "POST /start", "POST /force-kill", "POST /start", "GET /status"}
	if got := fd.Calls(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls %v, want %v", got, want)
	}
	if !strings.Contains(out.String(), "Force killing (process_running)") {
		t.Fatalf("force kill not reported: %s", out)
	}
}

func TestSimpleCommands(t *testing.T) {
	fd := &fakeDaemon{}
	c, _ := newTestCommand(t, fd)
	ctx := context.Background()
	for name, run := range map[string]func() error{
		"stop":       func() error { return c.Stop(ctx) },
		"deny":       func() error { return c.Deny(ctx) },
		"force-kill": func() error { return c.ForceKill(ctx) },
		"kill-port":  func() error { return c.KillPort(ctx, KillPortFlags{Force: true}) },
		"status":     func() error { return c.Status(ctx) },
		"apps":       func() error { return c.Apps(ctx) },
	} {
		if err := run(); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
}

func TestLogsFormatsEvents(t *testing.T) {
	c, out := newTestCommand(t, &fakeDaemon{})
	if err := c.Logs(context.Background(), LogsFlags{}); err != nil {
		t.Fatalf("logs: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
	if lines[0] != "10:00:00 [system] Starting app-ecommerce..." {
		t.Fatalf("unexpected line %q", lines[0])
	}
	if lines[1] != "[confirm] Port 4000 is in use (port_in_use)" {
		t.Fatalf("unexpected line %q", lines[1])
	}
}

func TestLogsRaw(t *testing.T) {
	c, out := newTestCommand(t, &fakeDaemon{})
	if err := c.Logs(context.Background(), LogsFlags{Raw: true}); err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.HasPrefix(out.String(), `{"seq":1,"type":"system"`) {
		t.Fatalf("unexpected raw output %q", out)
	}
}

func TestUnreachableDaemon(t *testing.T) {
	c := &command{out: &bytes.Buffer{}, flags: &ClientFlags{APIUrl: "http://127.0.0.1:1/api", APITimeout: 200 * time.Millisecond}}
	err := c.Status(context.Background())
	if err == nil || !strings.Contains(err.Error(), "daemon not reachable") {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}
