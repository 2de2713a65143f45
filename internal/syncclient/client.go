// ABOUTME: Client owns every sync component and wires frames, timers and polls into one store
// ABOUTME: Start bootstraps from snapshots then connects; Close tears everything down in order

package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fleetsync/internal/conn"
	"github.com/2389/fleetsync/internal/debounce"
	"github.com/2389/fleetsync/internal/fleet"
	"github.com/2389/fleetsync/internal/poller"
	"github.com/2389/fleetsync/internal/router"
	"github.com/2389/fleetsync/internal/snapshot"
	"github.com/2389/fleetsync/internal/state"
	"github.com/2389/fleetsync/internal/store"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("client closed")

// journalFlush is how often cached changes are written.
const journalFlush = time.Second

// Client keeps an EntityStore in sync with the backend.
type Client struct {
	cfg    Config
	logger *slog.Logger

	entities  *state.EntityStore
	rec       *state.Reconciler
	router    *router.Router
	conn      *conn.Manager
	locations *debounce.Scheduler[string, fleet.AgentUpdate]
	poller    *poller.Poller
	src       snapshot.Source
	cache     *store.SQLiteStore

	// states carries the latest connection status to the supervisor.
	states chan conn.Status
	unsubs []func()

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a client. Nothing runs until Start.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	logger := cfg.Logger.With("component", "syncclient")

	entities := state.NewEntityStore(cfg.Logger)
	rec := state.NewReconciler(entities, state.WithLogger(cfg.Logger))

	src := cfg.Source
	if src == nil {
		src = snapshot.NewHTTPSource(cfg.SnapshotURL, cfg.Token, cfg.HTTPClient)
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		entities: entities,
		rec:      rec,
		router:   router.New(cfg.Logger),
		src:      src,
		poller:   poller.New(src, rec, cfg.RequestTimeout, cfg.Logger),
		states:   make(chan conn.Status, 1),
	}
	c.conn = conn.NewManager(conn.Config{
		URL:               cfg.PushURL,
		ProbeURL:          cfg.ProbeURL,
		KeepaliveInterval: cfg.KeepaliveInterval,
		PongTimeout:       cfg.PongTimeout,
		AuthSettle:        cfg.AuthSettle,
		Policy:            cfg.Policy,
		HTTPClient:        cfg.HTTPClient,
		Logger:            cfg.Logger,
	})
	c.locations = debounce.New(c.applyLocation,
		debounce.WithMaxWait(cfg.MaxWait),
		debounce.WithLogger(cfg.Logger))

	if cfg.CachePath != "" {
		cache, err := store.NewSQLiteStore(cfg.CachePath, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		c.cache = cache
	}

	// A removed agent must not be resurrected by a location still waiting
	// in its window.
	rec.OnAgentRemoved(c.locations.Cancel)

	if err := c.registerHandlers(); err != nil {
		c.closeCache()
		return nil, err
	}
	c.unsubs = append(c.unsubs,
		c.conn.OnFrame(c.router.Route),
		c.conn.OnStateChange(c.observe),
	)
	return c, nil
}

func (c *Client) registerHandlers() error {
	handlers := map[string]router.Handler{
		router.TypeLocationUpdate: c.handleLocation,
		router.TypeStatusUpdate:   c.handleStatus,
		router.TypeEntityUpdate:   c.handleTask,
		router.TypeEntityCreated:  c.handleTask,
	}
	for typ, h := range handlers {
		unregister, err := c.router.Register(typ, h)
		if err != nil {
			return fmt.Errorf("registering %s handler: %w", typ, err)
		}
		c.unsubs = append(c.unsubs, unregister)
	}
	return nil
}

// Store returns the entity store the client maintains.
func (c *Client) Store() *state.EntityStore {
	return c.entities
}

// Router returns the frame router, for registering extra handlers.
func (c *Client) Router() *router.Router {
	return c.router
}

// Status returns the push connection status.
func (c *Client) Status() conn.Status {
	return c.conn.Status()
}

// OnStateChange registers an observer of connection state transitions.
func (c *Client) OnStateChange(fn func(conn.Status)) func() {
	return c.conn.OnStateChange(fn)
}

// Subscribe returns a feed of committed entity changes.
func (c *Client) Subscribe(ctx context.Context, kinds ...state.Kind) (<-chan state.Change, string) {
	return c.entities.Broadcaster().Subscribe(ctx, kinds...)
}

// Polling reports whether the fallback poller is running.
func (c *Client) Polling() bool {
	return c.poller.Running()
}

// PausePolling suspends fallback polls without stopping the poller. Ticks
// that come due while paused are skipped. The pause outlives connection
// state changes until ResumePolling.
func (c *Client) PausePolling() {
	c.poller.Pause()
}

// ResumePolling lifts a PausePolling. The next poll runs on the existing
// cadence.
func (c *Client) ResumePolling() {
	c.poller.Resume()
}

// PollingPaused reports whether polling is paused.
func (c *Client) PollingPaused() bool {
	return c.poller.Paused()
}

// Refresh pulls every partition once and applies the result as one batch.
func (c *Client) Refresh(ctx context.Context) error {
	snaps, err := snapshot.FetchAll(ctx, c.src, nil)
	if err != nil {
		return fmt.Errorf("fetching snapshots: %w", err)
	}
	if err := c.rec.ApplySnapshot(snaps...); err != nil {
		return fmt.Errorf("applying snapshots: %w", err)
	}
	return nil
}

// Start warms the store from the cache, pulls an initial snapshot, and
// connects. It returns once the connection is up or has failed terminally.
// A failed initial pull is logged and left to the poller, except for an
// authorization failure, which is returned.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return c.conn.Connect(ctx, conn.Credentials{Token: c.cfg.Token})
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	if c.cache != nil {
		c.warmStart(ctx)
		c.wg.Go(func() {
			c.cache.Journal(runCtx, c.entities, journalFlush)
		})
	}

	if err := c.Refresh(ctx); err != nil {
		if errors.Is(err, snapshot.ErrUnauthorized) {
			return err
		}
		c.logger.Warn("initial snapshot failed, relying on poller", "error", err)
	}

	c.wg.Go(func() {
		c.supervise(runCtx)
	})
	c.observe(c.conn.Status())

	return c.conn.Connect(ctx, conn.Credentials{Token: c.cfg.Token})
}

func (c *Client) warmStart(ctx context.Context) {
	snaps, err := c.cache.Load(ctx)
	switch {
	case errors.Is(err, store.ErrEmpty):
		return
	case err != nil:
		c.logger.Warn("loading cache", "error", err)
		return
	}
	if err := c.rec.ApplySnapshot(snaps...); err != nil {
		c.logger.Warn("applying cached view", "error", err)
		return
	}
	counts := c.entities.Counts()
	c.logger.Info("warm start from cache", "agents", counts.Agents, "pending", counts.Pending, "active", counts.Active)
}

// observe hands the latest status to the supervisor without blocking the
// connection goroutine.
func (c *Client) observe(st conn.Status) {
	for {
		select {
		case c.states <- st:
			return
		default:
		}
		select {
		case <-c.states:
		default:
		}
	}
}

// supervise runs the poller whenever the push connection is not up. Each
// time the connection comes up it pulls once to cover anything pushed while
// the socket was down.
func (c *Client) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-c.states:
			if st.State == conn.Connected {
				c.poller.Stop()
				c.wg.Go(func() {
					c.poller.Tick(ctx)
				})
				continue
			}
			if !c.poller.Running() {
				c.logger.Info("push unavailable, polling", "state", st.State.String())
			}
			c.poller.Start(c.cfg.PollInterval)
		}
	}
}

// Close disconnects, stops every timer and goroutine, and saves the cache.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	for _, unsub := range c.unsubs {
		unsub()
	}
	c.conn.Disconnect()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.poller.Stop()
	c.locations.Stop()

	var err error
	if c.cache != nil {
		if serr := c.cache.Snapshot(context.Background(), c.entities); serr != nil {
			err = fmt.Errorf("saving cache: %w", serr)
		}
	}
	c.closeCache()
	c.entities.Close()
	return err
}

func (c *Client) closeCache() {
	if c.cache == nil {
		return
	}
	if err := c.cache.Close(); err != nil {
		c.logger.Warn("closing cache", "error", err)
	}
}

func (c *Client) handleLocation(f router.Frame) error {
	u, err := router.DecodeLocation(f)
	if err != nil {
		return err
	}
	if c.cfg.LocationWindow <= 0 {
		return c.rec.ApplyAgentUpdate(u)
	}
	c.locations.Schedule(u.ID, u, c.cfg.LocationWindow)
	return nil
}

func (c *Client) applyLocation(_ string, u fleet.AgentUpdate) {
	if err := c.rec.ApplyAgentUpdate(u); err != nil {
		c.logger.Warn("applying location", "agent_id", u.ID, "error", err)
	}
}

func (c *Client) handleStatus(f router.Frame) error {
	u, err := router.DecodeStatus(f)
	if err != nil {
		return err
	}
	// A location still in its window arrived before this status and must
	// not land after it.
	c.locations.Flush(u.ID)
	return c.rec.ApplyAgentUpdate(u)
}

func (c *Client) handleTask(f router.Frame) error {
	u, err := router.DecodeTask(f)
	if err != nil {
		return err
	}
	return c.rec.ApplyTaskUpdate(u)
}
