package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/threadwatch/telemetry"
)

// Status is the externally visible state of one group loop.
type Status struct {
	Group               string      `json:"group"`
	State               State       `json:"state"`
	Watermark           int64       `json:"watermark"`
	LastCycle           time.Time   `json:"last_cycle,omitzero"`
	LastError           string      `json:"last_error,omitempty"`
	ErrorClass          string      `json:"error_class,omitempty"`
	Delivered           int64       `json:"delivered_total"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Conditions          []Condition `json:"conditions,omitempty"`
}

// Manager supervises one loop per group. Loops share nothing but the Watcher
// collaborators.
type Manager struct {
	watcher *Watcher

	mu      sync.Mutex
	ctx     context.Context
	loops   map[string]*Status
	wg      sync.WaitGroup
	started bool
}

func NewManager(w *Watcher) *Manager {
	return &Manager{watcher: w, loops: make(map[string]*Status)}
}

// Start launches a loop for every stored group. Loops stop when ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("watch manager already started")
	}
	m.ctx = ctx
	m.started = true
	m.mu.Unlock()

	groups, err := m.watcher.Store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	slog.Info("starting watch loops", slog.Int("group_count", len(groups)), slog.String("component", "watch"))
	for _, g := range groups {
		m.Ensure(g.ID)
	}
	return nil
}

// Ensure starts a loop for group unless one is running. It reports whether a
// new loop was started. Calls before Start or after shutdown are no-ops.
func (m *Manager) Ensure(group string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.ctx.Err() != nil || group == "" {
		return false
	}
	if _, ok := m.loops[group]; ok {
		return false
	}
	m.loops[group] = &Status{Group: group, State: StateUnconfigured}
	m.wg.Add(1)
	telemetry.AddActiveGroups(1)
	go func() {
		defer m.wg.Done()
		defer telemetry.AddActiveGroups(-1)
		m.watcher.Run(m.ctx, group, m.record)
	}()
	return true
}

func (m *Manager) record(res CycleResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.loops[res.Group]
	if !ok {
		return
	}
	st.State = res.State
	st.Watermark = res.Watermark
	st.LastCycle = res.At
	st.Delivered += int64(res.Delivered)
	st.LastError, st.ErrorClass = "", ""
	if res.Err != nil {
		st.LastError = res.Err.Error()
		st.ErrorClass = ClassifyError(res.Err).String()
	}
}

// Wait blocks until every loop has returned.
func (m *Manager) Wait() { m.wg.Wait() }

// Snapshot returns the status of every running loop, ordered by group.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.loops))
	for _, st := range m.loops {
		out = append(out, *st)
	}
	m.mu.Unlock()
	if n := m.watcher.Notifier; n != nil {
		for i := range out {
			out[i].ConsecutiveFailures = n.Failures(out[i].Group)
			out[i].Conditions = n.Raised(out[i].Group)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}
