// ABOUTME: HTTP and websocket server exposing the simulated fleet
// ABOUTME: Pushes world events to every client and serves the snapshot endpoints

package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/fleetsync/internal/fleet"
)

// Close codes sent to rejected clients.
const (
	StatusUnauthorized websocket.StatusCode = 4001
	StatusForbidden    websocket.StatusCode = 4003
)

const (
	clientBufferSize = 256
	writeTimeout     = 5 * time.Second
)

var pongFrame = []byte(`{"type":"pong"}`)

type client struct {
	id      string
	subject string
	send    chan []byte
	kick    chan websocket.StatusCode
}

// Server pushes world events to connected websocket clients.
type Server struct {
	world    *World
	verifier *Verifier
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client

	// silent stops pong replies, for exercising client keepalive.
	silent bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithoutPongs makes the server ignore client pings.
func WithoutPongs() Option {
	return func(s *Server) { s.silent = true }
}

// NewServer creates a server over world that authorizes with verifier.
func NewServer(world *World, verifier *Verifier, opts ...Option) *Server {
	s := &Server{
		world:    world,
		verifier: verifier,
		logger:   slog.Default(),
		clients:  make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "simulator")
	return s
}

// Handler returns the HTTP routes: /ws, /tasks, /agents and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues ev for every client and returns how many received it.
// Clients whose buffer is full miss the event.
func (s *Server) Broadcast(ev Event) int {
	data, err := ev.Encode()
	if err != nil {
		s.logger.Error("dropping event", "type", ev.Type, "error", err)
		return 0
	}
	return s.broadcastRaw(data)
}

func (s *Server) broadcastRaw(data []byte) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sent := 0
	for _, c := range s.clients {
		select {
		case c.send <- data:
			sent++
		default:
			s.logger.Warn("client buffer full, dropping event", "client", c.id)
		}
	}
	return sent
}

// Step advances the world once and broadcasts what happened.
func (s *Server) Step() int {
	events := s.world.Step()
	for _, ev := range events {
		s.Broadcast(ev)
	}
	return len(events)
}

// Kick closes every client connection with code.
func (s *Server) Kick(code websocket.StatusCode) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.kick <- code:
		default:
		}
	}
}

// Run serves on addr and steps the world every tick until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string, tick time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, tick)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, tick time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("simulator listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if tick > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					s.Step()
				}
			}
		})
	}
	return g.Wait()
}

// bearerToken reads the token from the Authorization header or the token
// query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, authErr := s.verifier.Authorize(bearerToken(r))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	if authErr != nil {
		code, reason := StatusUnauthorized, "unauthorized"
		if errors.Is(authErr, ErrMissingRole) {
			code, reason = StatusForbidden, "forbidden"
		}
		s.logger.Info("rejecting client", "code", int(code), "error", authErr)
		conn.Close(code, reason)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		subject: claims.Subject,
		send:    make(chan []byte, clientBufferSize),
		kick:    make(chan websocket.StatusCode, 1),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
	}()
	s.logger.Info("client connected", "client", c.id, "subject", c.subject)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx, conn, c)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			s.logger.Info("client disconnected", "client", c.id, "reason", err)
			return
		case code := <-c.kick:
			conn.Close(code, "kicked")
			return
		case data := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				s.logger.Info("write failed", "client", c.id, "error", err)
				return
			}
		}
	}
}

// readLoop answers pings until the connection fails.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *client) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) != nil || msg.Type != "ping" || s.silent {
			continue
		}
		select {
		case c.send <- pongFrame:
		default:
		}
	}
}

// authorizeHTTP writes 401 or 403 and returns false when the request may not
// read snapshots.
func (s *Server) authorizeHTTP(w http.ResponseWriter, r *http.Request) bool {
	_, err := s.verifier.Authorize(bearerToken(r))
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrMissingRole):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	}
	return false
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(w, r) {
		return
	}
	p := fleet.Partition(r.URL.Query().Get("partition"))
	if p != fleet.PartitionPending && p != fleet.PartitionActive {
		http.Error(w, "partition must be pending or active", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.world.Tasks(p))
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(w, r) {
		return
	}
	writeJSON(w, s.world.Agents())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "clients": s.Clients()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("writing response", "error", err)
	}
}
