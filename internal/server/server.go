package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/armon/go-metrics"
	"github.com/dustin/go-humanize"

	"github.com/jpalmerr/feedwatch/internal/bus"
	"github.com/jpalmerr/feedwatch/internal/election"
	"github.com/jpalmerr/feedwatch/internal/state"
	"github.com/jpalmerr/feedwatch/internal/store"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	// countdownInterval is the period of the display-only countdown events
	// on the SSE stream. It is independent of the scheduler's tick.
	countdownInterval = 500 * time.Millisecond

	// maxCommandBody bounds command and presence request bodies.
	maxCommandBody = 64 << 10

	shutdownTimeout = 5 * time.Second
)

// Controller is the part of the coordinator the server drives.
type Controller interface {
	ID() string
	Role() election.Role
	Leader() string
	Submit(ctx context.Context, cmd bus.Command) error
	SetPresence(focused, collapsed bool) error
}

// Server handles HTTP requests for the feedwatch API.
//
// Server provides these endpoints:
//   - GET /api/snapshot: The current view with per-entity countdowns
//   - GET /api/sse: Server-Sent Events stream of view changes and countdowns
//   - POST /api/commands: User commands, routed through the coordinator
//   - POST /api/presence: Focus and collapsed state of the display surface
//   - GET /api/metrics: In-memory metrics, when a sink is configured
//   - GET /healthz: Instance role and known leader
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	view       store.Store
	ctl        Controller
	port       int
	sink       *metrics.InmemSink
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - view: Store holding the coordinator's view
//   - ctl: Coordinator receiving commands and presence
//   - port: TCP port to listen on (0 picks a free port)
//   - sink: In-memory metrics sink served at /api/metrics (may be nil)
//   - logger: Logger for server events
//
// The server is not started until [Server.Start] is called.
func NewServer(view store.Store, ctl Controller, port int, sink *metrics.InmemSink, logger *slog.Logger) *Server {
	return &Server{
		view:   view,
		ctl:    ctl,
		port:   port,
		sink:   sink,
		logger: logger.With("component", "server"),
		now:    time.Now,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/sse", s.handleSSE)
	mux.HandleFunc("/api/commands", s.handleCommand)
	mux.HandleFunc("/api/presence", s.handlePresence)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler: s.Handler(),
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like SSE.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Countdown is the time left until an entity's next poll, computed locally
// from the replicated next-fetch time.
type Countdown struct {
	Seconds int64  `json:"seconds"`
	Text    string `json:"text"`

	// Cooldown is set while a rate-limit cooldown is active.
	Cooldown string `json:"cooldown,omitempty"`
}

// SnapshotView is the body of GET /api/snapshot.
type SnapshotView struct {
	Instance   string               `json:"instance"`
	Role       string               `json:"role"`
	Leader     string               `json:"leader"`
	Snapshot   *state.Snapshot      `json:"snapshot"`
	Countdowns map[string]Countdown `json:"countdowns"`
}

type countdownEvent struct {
	Type       string               `json:"type"`
	Countdowns map[string]Countdown `json:"countdowns"`
}

// countdowns interpolates the countdown of every entity at now.
func countdowns(s *state.Snapshot, now time.Time) map[string]Countdown {
	out := make(map[string]Countdown, len(s.Entities))
	for _, id := range s.Entities {
		var c Countdown
		next, ok := s.NextFetch[id]
		switch {
		case !ok || !next.After(now):
			c.Text = "due"
		default:
			c.Seconds = int64(next.Sub(now).Round(time.Second) / time.Second)
			c.Text = humanize.RelTime(next, now, "ago", "from now")
		}
		if until, ok := s.Cooldowns[id]; ok && until.After(now) {
			c.Cooldown = humanize.RelTime(until, now, "ago", "from now")
		}
		out[id] = c
	}
	return out
}

// handleSnapshot returns the current view as JSON.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.view.Snapshot()
	body := SnapshotView{
		Instance:   s.ctl.ID(),
		Role:       s.ctl.Role().String(),
		Leader:     s.ctl.Leader(),
		Snapshot:   snap,
		Countdowns: countdowns(snap, s.now()),
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleSSE streams view events and countdowns via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or channel closure.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// check if flushing is supported
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// ResponseController provides deadline-aware write and flush operations.
	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	writeAndFlush := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("failed to encode sse event", "error", err)
			return nil
		}
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				// deadline not supported by underlying connection, continue without
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}

		// ResponseController.Flush respects the write deadline
		return rc.Flush()
	}

	// set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := s.view.Subscribe()
	defer s.view.Unsubscribe(ch)

	// send the current view first; the client builds its layout from it
	snap := s.view.Snapshot()
	if err := writeAndFlush(store.Event{Type: store.EventSnapshot, Snapshot: snap, Structural: true}); err != nil {
		return
	}

	ticker := time.NewTicker(countdownInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Snapshot != nil {
				snap = ev.Snapshot
			}
			if err := writeAndFlush(ev); err != nil {
				return
			}

		case <-ticker.C:
			ev := countdownEvent{Type: "countdown", Countdowns: countdowns(snap, s.now())}
			if err := writeAndFlush(ev); err != nil {
				return
			}

		case <-r.Context().Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}

// CommandRequest is the body of POST /api/commands.
type CommandRequest struct {
	// Type is one of add, remove, refresh, refresh_all and config_sync.
	Type    string `json:"type"`
	Entity  string `json:"entity,omitempty"`
	Flag    string `json:"flag,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

var errUnknownCommand = errors.New("unknown command type")

// Command converts the request into a bus command.
func (c CommandRequest) Command() (bus.Command, error) {
	switch c.Type {
	case "add":
		return bus.AddEntity{Entity: c.Entity}, nil
	case "remove":
		return bus.RemoveEntity{Entity: c.Entity}, nil
	case "refresh":
		return bus.RefreshEntity{Entity: c.Entity}, nil
	case "refresh_all":
		return bus.RefreshAll{}, nil
	case "config_sync":
		return bus.ConfigSync{Flag: c.Flag, Entity: c.Entity, Enabled: c.Enabled}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, c.Type)
	}
}

type commandResponse struct {
	Accepted bool   `json:"accepted"`
	Leader   string `json:"leader,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleCommand routes a user command through the coordinator. 202 means
// the command was executed or forwarded, not that it took effect.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, commandResponse{Error: "invalid JSON body"})
		return
	}
	cmd, err := req.Command()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, commandResponse{Error: err.Error()})
		return
	}

	err = s.ctl.Submit(r.Context(), cmd)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, commandResponse{Accepted: true, Leader: s.ctl.Leader()})
	case errors.Is(err, bus.ErrInvalidMessage):
		s.writeJSON(w, http.StatusBadRequest, commandResponse{Error: err.Error()})
	default:
		s.logger.Warn("command not accepted", "type", req.Type, "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, commandResponse{Error: err.Error()})
	}
}

// PresenceRequest is the body of POST /api/presence.
type PresenceRequest struct {
	Focused   bool `json:"focused"`
	Collapsed bool `json:"collapsed"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PresenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetPresence(req.Focused, req.Collapsed); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Instance string `json:"instance"`
	Role     string `json:"role"`
	Leader   string `json:"leader"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Instance: s.ctl.ID(),
		Role:     s.ctl.Role().String(),
		Leader:   s.ctl.Leader(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sink == nil {
		http.NotFound(w, r)
		return
	}
	summary, err := s.sink.DisplayMetrics(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
