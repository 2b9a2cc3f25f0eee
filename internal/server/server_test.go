package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/armon/go-metrics"

	"github.com/jpalmerr/feedwatch/internal/bus"
	"github.com/jpalmerr/feedwatch/internal/election"
	"github.com/jpalmerr/feedwatch/internal/feed"
	"github.com/jpalmerr/feedwatch/internal/state"
	"github.com/jpalmerr/feedwatch/internal/store"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeController records what the server asks of the coordinator.
type fakeController struct {
	mu        sync.Mutex
	role      election.Role
	leader    string
	submitErr error
	commands  []bus.Command
	presence  []PresenceRequest
}

func (f *fakeController) ID() string { return "inst-1" }

func (f *fakeController) Role() election.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role
}

func (f *fakeController) Leader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeController) Submit(_ context.Context, cmd bus.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	if err := bus.Validate(cmd); err != nil {
		return err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeController) SetPresence(focused, collapsed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, PresenceRequest{Focused: focused, Collapsed: collapsed})
	return nil
}

func newTestServer() (*Server, *store.MemoryStore, *fakeController) {
	view := store.NewMemoryStore()
	ctl := &fakeController{role: election.Leader, leader: "inst-1"}
	return NewServer(view, ctl, 0, nil, testLogger()), view, ctl
}

func snapshotWith(entities ...string) *state.Snapshot {
	s := state.New()
	for _, e := range entities {
		s.Add(e)
	}
	return s
}

// --- SSE ---

func TestHandleSSE_BasicFlow(t *testing.T) {
	srv, view, _ := newTestServer()
	view.UpdateSnapshot(snapshotWith("alice", "bob"), true)

	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil)
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	srv.handleSSE(rec, req)

	events := parseSSEEvents(rec.Body.String())
	if len(events) == 0 {
		t.Fatalf("no SSE events in response: %s", rec.Body.String())
	}
	first := events[0]
	if first["type"] != string(store.EventSnapshot) {
		t.Errorf("first event type = %v, want %v", first["type"], store.EventSnapshot)
	}
	if first["structural"] != true {
		t.Error("first event should be structural")
	}
	body := rec.Body.String()
	for _, name := range []string{"alice", "bob"} {
		if !strings.Contains(body, name) {
			t.Errorf("response should contain %s, got: %s", name, body)
		}
	}
}

func TestHandleSSE_StreamsUpdates(t *testing.T) {
	srv, view, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil)
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	// give handler time to subscribe
	time.Sleep(50 * time.Millisecond)

	view.UpdateSnapshot(snapshotWith("carol"), true)
	view.PushAction(feed.ActionRecord{ID: "p-42", EntityID: "carol", Kind: feed.KindPost})

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "carol") {
		t.Errorf("response should contain streamed snapshot, got: %s", body)
	}
	if !strings.Contains(body, `"new_action"`) || !strings.Contains(body, "p-42") {
		t.Errorf("response should contain streamed action, got: %s", body)
	}
}

func TestHandleSSE_CountdownTicks(t *testing.T) {
	srv, view, _ := newTestServer()
	s := snapshotWith("alice")
	s.NextFetch["alice"] = time.Now().Add(90 * time.Minute)
	view.UpdateSnapshot(s, true)

	ctx, cancel := context.WithTimeout(context.Background(), countdownInterval+300*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.handleSSE(rec, req)

	var countdown map[string]any
	for _, ev := range parseSSEEvents(rec.Body.String()) {
		if ev["type"] == "countdown" {
			countdown = ev
			break
		}
	}
	if countdown == nil {
		t.Fatalf("no countdown event in response: %s", rec.Body.String())
	}
	cds, _ := countdown["countdowns"].(map[string]any)
	alice, _ := cds["alice"].(map[string]any)
	if alice == nil || alice["text"] != "1 hour from now" {
		t.Errorf("alice countdown = %v, want 1 hour from now", alice)
	}
}

func TestHandleSSE_ClientDisconnect(t *testing.T) {
	srv, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil)
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	// simulate client disconnect
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("handler did not exit after client disconnect")
	}
}

func TestHandleSSE_NoGoroutineLeaks(t *testing.T) {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	srv, _, _ := newTestServer()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
			srv.handleSSE(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	runtime.GC()
	time.Sleep(200 * time.Millisecond)

	after := runtime.NumGoroutine()
	if after > before+2 { // small tolerance for runtime variance
		t.Errorf("potential goroutine leak: before=%d, after=%d", before, after)
	}
}

func TestHandleSSE_ConcurrentClientsShutdown(t *testing.T) {
	srv, view, _ := newTestServer()
	view.UpdateSnapshot(snapshotWith("alice"), true)

	serverCtx, serverCancel := context.WithCancel(context.Background())

	numClients := 10
	var wg sync.WaitGroup
	started := make(chan struct{})
	var startedCount atomic.Int32

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(serverCtx)
			if startedCount.Add(1) == int32(numClients) {
				close(started)
			}
			srv.handleSSE(httptest.NewRecorder(), req)
		}()
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("clients did not start in time")
	}
	time.Sleep(100 * time.Millisecond)

	serverCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("not all handlers exited after shutdown")
	}
}

func TestHandleSSE_SSENotSupported(t *testing.T) {
	srv, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil)
	w := &nonFlushWriter{header: make(http.Header)}

	srv.handleSSE(w, req)

	if w.statusCode != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.statusCode)
	}
}

type nonFlushWriter struct {
	header     http.Header
	statusCode int
	body       []byte
}

func (n *nonFlushWriter) Header() http.Header {
	return n.header
}

func (n *nonFlushWriter) Write(b []byte) (int, error) {
	n.body = append(n.body, b...)
	return len(b), nil
}

func (n *nonFlushWriter) WriteHeader(statusCode int) {
	n.statusCode = statusCode
}

func TestHandleSSE_Headers(t *testing.T) {
	srv, _, _ := newTestServer()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	expectedHeaders := map[string]string{
		"Content-Type":                "text/event-stream",
		"Cache-Control":               "no-cache",
		"Connection":                  "keep-alive",
		"Access-Control-Allow-Origin": "*",
	}
	for key, expected := range expectedHeaders {
		if got := rec.Header().Get(key); got != expected {
			t.Errorf("header %s = %q, want %q", key, got, expected)
		}
	}
}

// TestHandleSSE_ServerShutdownIntegration uses a real HTTP connection, which
// supports write deadlines, and checks the handler exits on shutdown.
func TestHandleSSE_ServerShutdownIntegration(t *testing.T) {
	srv, view, _ := newTestServer()
	view.UpdateSnapshot(snapshotWith("integration"), true)

	serverCtx, serverCancel := context.WithCancel(context.Background())

	handlerDone := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(handlerDone)
		srv.handleSSE(w, r.WithContext(serverCtx))
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "integration") {
		t.Errorf("expected initial snapshot, got: %s", buf[:n])
	}

	serverCancel()

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after server shutdown")
	}
}

// parseSSEEvents decodes every data line of an SSE body.
func parseSSEEvents(body string) []map[string]any {
	var events []map[string]any
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err == nil {
			events = append(events, ev)
		}
	}
	return events
}

// --- REST ---

func TestHandleSnapshot(t *testing.T) {
	srv, view, _ := newTestServer()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }

	s := snapshotWith("alice", "bob", "carol")
	s.NextFetch["alice"] = now.Add(90 * time.Second)
	s.NextFetch["bob"] = now.Add(-time.Second)
	s.Cooldowns["carol"] = now.Add(10 * time.Minute)
	s.NextFetch["carol"] = now.Add(10 * time.Minute)
	view.UpdateSnapshot(s, true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got SnapshotView
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Instance != "inst-1" || got.Role != "leader" || got.Leader != "inst-1" {
		t.Errorf("status fields = %q/%q/%q", got.Instance, got.Role, got.Leader)
	}
	if len(got.Snapshot.Entities) != 3 {
		t.Errorf("entities = %v, want 3", got.Snapshot.Entities)
	}

	tests := []struct {
		entity   string
		seconds  int64
		text     string
		cooldown string
	}{
		{"alice", 90, "1 minute from now", ""},
		{"bob", 0, "due", ""},
		{"carol", 600, "10 minutes from now", "10 minutes from now"},
	}
	for _, tt := range tests {
		c := got.Countdowns[tt.entity]
		if c.Seconds != tt.seconds || c.Text != tt.text || c.Cooldown != tt.cooldown {
			t.Errorf("countdown[%s] = %+v, want {%d %q %q}", tt.entity, c, tt.seconds, tt.text, tt.cooldown)
		}
	}
}

func TestHandleSnapshot_MethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/snapshot", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		wantCode  int
		wantCmd   bus.Command
	}{
		{"add", `{"type":"add","entity":"alice"}`, nil, http.StatusAccepted, bus.AddEntity{Entity: "alice"}},
		{"remove", `{"type":"remove","entity":"alice"}`, nil, http.StatusAccepted, bus.RemoveEntity{Entity: "alice"}},
		{"refresh", `{"type":"refresh","entity":"alice"}`, nil, http.StatusAccepted, bus.RefreshEntity{Entity: "alice"}},
		{"refresh all", `{"type":"refresh_all"}`, nil, http.StatusAccepted, bus.RefreshAll{}},
		{"toggle", `{"type":"config_sync","flag":"overlay","enabled":true}`, nil, http.StatusAccepted,
			bus.ConfigSync{Flag: "overlay", Enabled: true}},
		{"hide", `{"type":"config_sync","flag":"hidden","entity":"alice","enabled":true}`, nil, http.StatusAccepted,
			bus.ConfigSync{Flag: bus.FlagHidden, Entity: "alice", Enabled: true}},
		{"unknown type", `{"type":"explode"}`, nil, http.StatusBadRequest, nil},
		{"bad json", `{"type":`, nil, http.StatusBadRequest, nil},
		{"empty entity", `{"type":"add","entity":" "}`, nil, http.StatusBadRequest, nil},
		{"no leader", `{"type":"add","entity":"alice"}`, errors.New("no leader known"), http.StatusServiceUnavailable, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, ctl := newTestServer()
			ctl.submitErr = tt.submitErr

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/commands", strings.NewReader(tt.body))
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCmd == nil {
				if len(ctl.commands) != 0 {
					t.Errorf("commands = %v, want none", ctl.commands)
				}
				return
			}
			if len(ctl.commands) != 1 || ctl.commands[0] != tt.wantCmd {
				t.Errorf("commands = %v, want [%v]", ctl.commands, tt.wantCmd)
			}
		})
	}
}

func TestHandlePresence(t *testing.T) {
	srv, _, ctl := newTestServer()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/presence", strings.NewReader(`{"focused":true,"collapsed":true}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if len(ctl.presence) != 1 || ctl.presence[0] != (PresenceRequest{Focused: true, Collapsed: true}) {
		t.Errorf("presence = %v", ctl.presence)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/presence", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _, ctl := newTestServer()
	ctl.role = election.Follower
	ctl.leader = "inst-2"

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var got healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := healthResponse{Instance: "inst-1", Role: "follower", Leader: "inst-2"}
	if got != want {
		t.Errorf("health = %+v, want %+v", got, want)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv, _, _ := newTestServer()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without sink = %d, want %d", rec.Code, http.StatusNotFound)
	}

	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	sink.IncrCounter([]string{"fetch", "success"}, 1)
	srv.sink = sink

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "fetch.success") {
		t.Errorf("metrics body missing counter: %s", rec.Body.String())
	}
}

// --- Server Start ---

func TestStart_AvailablePort_ReturnsNil(t *testing.T) {
	srv, _, _ := newTestServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Errorf("Start() on available port returned error: %v", err)
	}
}

func TestStart_PortInUse_ReturnsError(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	port := ln.Addr().(*net.TCPAddr).Port
	srv := NewServer(store.NewMemoryStore(), &fakeController{}, port, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = srv.Start(ctx)
	if err == nil {
		t.Fatal("Start() on occupied port should return error")
	}
	if !strings.Contains(err.Error(), "failed to bind") {
		t.Errorf("expected bind error, got: %v", err)
	}
}

func TestStart_InvalidPort_ReturnsError(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), &fakeController{}, -1, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err == nil {
		t.Fatal("Start() with invalid port should return error")
	}
}

func BenchmarkHandleSSE_SingleClient(b *testing.B) {
	srv, view, _ := newTestServer()
	view.UpdateSnapshot(snapshotWith("a", "b", "c", "d"), true)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
		srv.handleSSE(httptest.NewRecorder(), req)
		cancel()
	}
}
