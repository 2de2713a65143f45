// ABOUTME: Manager owns the push websocket: dial, keepalive, read loop, and reconnection
// ABOUTME: One session goroutine at a time; Disconnect cancels every timer and waits for it

package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized means the server rejected the credential.
	ErrUnauthorized = errors.New("credential rejected")
	// ErrForbidden means the credential lacks a required role.
	ErrForbidden = errors.New("credential lacks required role")
	// ErrCredentialExpired means the credential is a JWT past its expiry.
	ErrCredentialExpired = errors.New("credential expired")
	// ErrRetriesExhausted means the reconnect budget ran out.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrClosed is returned to callers waiting on a session that was
	// disconnected or stopped.
	ErrClosed = errors.New("connection closed")
	// ErrKeepaliveTimeout means nothing arrived in time after a ping.
	ErrKeepaliveTimeout = errors.New("keepalive timed out")
	// ErrMissingToken is returned by Connect for empty credentials.
	ErrMissingToken = errors.New("credentials have no token")
)

var pingFrame = []byte(`{"type":"ping"}`)

// Credentials authenticate the push connection.
type Credentials struct {
	Token string
}

// Config configures a Manager.
type Config struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL string
	// ProbeURL, when set, is fetched before each dial. The outcome is only
	// logged.
	ProbeURL string

	KeepaliveInterval time.Duration
	PongTimeout       time.Duration
	// AuthSettle is how long an open socket with no inbound frame counts
	// as not yet authenticated.
	AuthSettle   time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64

	Policy Policy

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Config) setDefaults() {
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.AuthSettle == 0 {
		c.AuthSettle = time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// session is one Connect-to-terminal run of the reconnect loop.
type session struct {
	cancel  context.CancelFunc
	done    chan struct{}
	settled chan struct{}
	once    sync.Once
	result  error
}

// settle records the outcome Connect callers are waiting for. Only the
// first call counts.
func (s *session) settle(err error) {
	s.once.Do(func() {
		s.result = err
		close(s.settled)
	})
}

// Manager maintains the push connection. The zero value is not usable; call
// NewManager.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex

	mu      sync.Mutex
	status  Status
	session *session

	// notifyMu keeps state notifications in transition order.
	notifyMu sync.Mutex
	frames   observers[[]byte]
	states   observers[Status]
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "conn"),
	}
}

// OnFrame registers a handler for every inbound frame except keepalive
// replies. Handlers run on the read goroutine and must not block. The
// returned function unregisters it.
func (m *Manager) OnFrame(fn func([]byte)) func() {
	return m.frames.add(fn)
}

// OnStateChange registers an observer of state transitions. Observers run
// synchronously in transition order and must not call Connect or Disconnect.
func (m *Manager) OnStateChange(fn func(Status)) func() {
	return m.states.add(fn)
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect starts a session and waits until it reaches Connected or fails
// terminally. While a session is in flight Connect joins it instead of
// dialing again. If ctx ends first Connect returns ctx.Err() and the session
// carries on in the background.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	m.lifecycle.Lock()

	m.mu.Lock()
	if s := m.session; s != nil && m.status.State.active() {
		m.mu.Unlock()
		m.lifecycle.Unlock()
		return wait(ctx, s)
	}
	m.mu.Unlock()

	if creds.Token == "" {
		m.lifecycle.Unlock()
		return ErrMissingToken
	}
	if err := checkExpiry(creds.Token, time.Now()); err != nil {
		m.set(Status{State: Fatal, LastError: err})
		m.lifecycle.Unlock()
		return err
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		cancel:  cancel,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	m.set(Status{State: Connecting})
	go m.run(sctx, s, creds)
	m.lifecycle.Unlock()

	return wait(ctx, s)
}

func wait(ctx context.Context, s *session) error {
	select {
	case <-s.settled:
		return s.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect ends any session, cancels its timers, and waits for its
// goroutines. It is safe in every state and leaves the manager Disconnected.
func (m *Manager) Disconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s != nil {
		s.cancel()
		<-s.done
		s.settle(ErrClosed)
	}
	m.set(Status{State: Disconnected})
}

// set publishes st unconditionally. Callers hold lifecycle.
func (m *Manager) set(st Status) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.status
	m.status = st
	m.mu.Unlock()

	m.publish(prev, st)
}

// transition publishes st only while s is still the current session, so a
// detached session goroutine cannot overwrite a newer state. It reports
// whether s is still current.
func (m *Manager) transition(s *session, st Status) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return false
	}
	prev := m.status
	m.status = st
	if !st.State.active() {
		m.session = nil
	}
	m.mu.Unlock()

	m.publish(prev, st)
	return true
}

func (m *Manager) publish(prev, st Status) {
	if prev.State == st.State && prev.ReconnectAttempts == st.ReconnectAttempts && prev.LastError == st.LastError {
		return
	}
	m.logger.Info("connection state changed",
		"from", prev.State.String(),
		"to", st.State.String(),
		"attempts", st.ReconnectAttempts,
		"error", st.LastError)
	m.states.each(st)
}

// run is the session goroutine. Only one exists per session and dials are
// strictly sequential inside it.
func (m *Manager) run(ctx context.Context, s *session, creds Credentials) {
	var wg sync.WaitGroup
	defer close(s.done)
	defer wg.Wait()
	defer s.cancel()

	attempts := 0
	for {
		if m.cfg.ProbeURL != "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.probe(ctx)
			}()
		}

		connected, err := m.serve(ctx, s, creds)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempts = 0
		}

		class, err := Classify(err)
		d := m.cfg.Policy.Decide(class, attempts)
		attempts = d.Attempts

		switch d.Next {
		case Fatal:
			if d.Exhausted {
				err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
			}
			m.transition(s, Status{State: Fatal, ReconnectAttempts: attempts, LastError: err})
			s.settle(err)
			return
		case Disconnected:
			m.transition(s, Status{State: Disconnected, LastError: err})
			s.settle(ErrClosed)
			return
		}

		if !m.transition(s, Status{State: Reconnecting, ReconnectAttempts: attempts, LastError: err}) {
			return
		}
		m.logger.Warn("connection lost, reconnecting",
			"error", err,
			"attempt", attempts,
			"delay", d.Delay)

		timer := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !m.transition(s, Status{State: Connecting, ReconnectAttempts: attempts, LastError: err}) {
			return
		}
	}
}

// serve runs one connection until it ends. connected reports whether the
// connection reached Connected before ending.
func (m *Manager) serve(ctx context.Context, s *session, creds Credentials) (connected bool, err error) {
	if err := checkExpiry(creds.Token, time.Now()); err != nil {
		return false, err
	}

	target, err := dialURL(m.cfg.URL, creds.Token)
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	c, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: m.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, classifyHandshake(resp, fmt.Errorf("dialing %s: %w", m.cfg.URL, err))
	}
	defer c.CloseNow()
	c.SetReadLimit(m.cfg.ReadLimit)

	connCtx, cancel := context.WithCancel(ctx)

	var (
		lastRead atomic.Int64
		timedOut atomic.Bool
		wg       sync.WaitGroup

		// stateMu orders the settle timer against the end of the read
		// loop so Connected is never published for a dead connection.
		stateMu   sync.Mutex
		reached   bool
		connEnded bool
	)
	defer wg.Wait()
	defer cancel()

	markConnected := func() {
		stateMu.Lock()
		defer stateMu.Unlock()
		if reached || connEnded {
			return
		}
		reached = true
		m.transition(s, Status{State: Connected})
		s.settle(nil)
	}
	endConn := func() bool {
		stateMu.Lock()
		defer stateMu.Unlock()
		connEnded = true
		return reached
	}

	// A healthy server answers this at once, which is the fastest way to
	// learn the credential was accepted. A failed write surfaces again in
	// Read together with the server's close code.
	if err := m.write(connCtx, c, pingFrame); err != nil {
		m.logger.Debug("initial ping failed", "error", err)
	}

	settle := time.AfterFunc(m.cfg.AuthSettle, markConnected)
	defer settle.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.keepalive(connCtx, c, &lastRead, &timedOut)
	}()

	for {
		_, data, err := c.Read(connCtx)
		if err != nil {
			reached := endConn()
			if timedOut.Load() {
				return reached, fmt.Errorf("%w: %w", ErrKeepaliveTimeout, err)
			}
			return reached, fmt.Errorf("reading frame: %w", err)
		}
		lastRead.Store(time.Now().UnixNano())
		markConnected()

		if isPong(data) {
			continue
		}
		m.frames.each(data)
	}
}

// keepalive pings on every interval tick and drops the connection when
// nothing arrives within the pong timeout after a ping.
func (m *Manager) keepalive(ctx context.Context, c *websocket.Conn, lastRead *atomic.Int64, timedOut *atomic.Bool) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sentAt := time.Now().UnixNano()
		if err := m.write(ctx, c, pingFrame); err != nil {
			m.logger.Debug("keepalive ping failed", "error", err)
			return
		}

		deadline := time.NewTimer(m.cfg.PongTimeout)
		select {
		case <-ctx.Done():
			deadline.Stop()
			return
		case <-deadline.C:
		}
		if lastRead.Load() < sentAt {
			m.logger.Warn("no reply to keepalive ping", "timeout", m.cfg.PongTimeout)
			timedOut.Store(true)
			c.CloseNow()
			return
		}
	}
}

func (m *Manager) write(ctx context.Context, c *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}

// probe checks that the push host answers HTTP at all. It never affects
// the connection.
func (m *Manager) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ProbeURL, nil)
	if err != nil {
		m.logger.Warn("building reachability probe", "error", err)
		return
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("push host unreachable", "url", m.cfg.ProbeURL, "error", err)
		}
		return
	}
	resp.Body.Close()
	m.logger.Debug("push host reachable", "url", m.cfg.ProbeURL, "status", resp.StatusCode)
}

func dialURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing push url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// checkExpiry rejects JWT credentials whose exp claim has passed. Opaque
// tokens are not inspected.
func checkExpiry(token string, now time.Time) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return fmt.Errorf("%w at %s", ErrCredentialExpired, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}

func isPong(data []byte) bool {
	if !bytes.Contains(data, []byte(`"pong"`)) {
		return false
	}
	var env struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &env) == nil && env.Type == "pong"
}

// observers is a registration list whose entries can be removed
// independently.
type observers[T any] struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(T)
}

func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[uint64]func(T))
	}
	o.next++
	id := o.next
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

func (o *observers[T]) each(v T) {
	o.mu.RLock()
	ids := make([]uint64, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	fns := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
