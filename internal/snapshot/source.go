// ABOUTME: Pull interface for full partition snapshots and its HTTP implementation
// ABOUTME: FetchAll queries every partition concurrently and fails as a unit

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/fleetsync/internal/fleet"
	"github.com/2389/fleetsync/internal/state"
)

// ErrUnauthorized is returned when the backend rejects the token.
var ErrUnauthorized = errors.New("snapshot request unauthorized")

// Source returns the full current contents of a partition.
type Source interface {
	Tasks(ctx context.Context, p fleet.Partition) ([]fleet.Task, error)
	Agents(ctx context.Context) ([]fleet.Agent, error)
}

// maxBody caps a snapshot response.
const maxBody = 32 << 20

// HTTPSource pulls snapshots over HTTP.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSource creates a source rooted at baseURL. A nil client uses one
// with a 15 second timeout.
func NewHTTPSource(baseURL, token string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// Tasks fetches every task in partition p.
func (h *HTTPSource) Tasks(ctx context.Context, p fleet.Partition) ([]fleet.Task, error) {
	if p != fleet.PartitionPending && p != fleet.PartitionActive {
		return nil, fmt.Errorf("partition %q is not observable", p)
	}
	var tasks []fleet.Task
	q := url.Values{"partition": {string(p)}}
	if err := h.get(ctx, "/tasks?"+q.Encode(), &tasks); err != nil {
		return nil, fmt.Errorf("fetching %s tasks: %w", p, err)
	}
	return tasks, nil
}

// Agents fetches every tracked agent.
func (h *HTTPSource) Agents(ctx context.Context) ([]fleet.Agent, error) {
	var agents []fleet.Agent
	if err := h.get(ctx, "/agents", &agents); err != nil {
		return nil, fmt.Errorf("fetching agents: %w", err)
	}
	return agents, nil
}

func (h *HTTPSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// FetchAll pulls pending tasks, active tasks, and agents concurrently. Every
// snapshot is stamped with the instant the pull began. Any failure cancels
// the others and returns no snapshots.
func FetchAll(ctx context.Context, src Source, now func() time.Time) ([]state.Snapshot, error) {
	if now == nil {
		now = time.Now
	}
	started := now()

	var (
		pending, active []fleet.Task
		agents          []fleet.Agent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(func() (err error) {
		pending, err = src.Tasks(gctx, fleet.PartitionPending)
		return err
	}))
	g.Go(guard(func() (err error) {
		active, err = src.Tasks(gctx, fleet.PartitionActive)
		return err
	}))
	g.Go(guard(func() (err error) {
		agents, err = src.Agents(gctx)
		return err
	}))
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return []state.Snapshot{
		{Kind: state.SnapshotPendingTasks, StartedAt: started, Tasks: pending},
		{Kind: state.SnapshotActiveTasks, StartedAt: started, Tasks: active},
		{Kind: state.SnapshotAgents, StartedAt: started, Agents: agents},
	}, nil
}

// guard turns a panic inside a Source into an error for its group.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("snapshot source panicked: %v", r)
			}
		}()
		return fn()
	}
}
