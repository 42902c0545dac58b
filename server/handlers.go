package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/threadwatch/reddit"
	"github.com/onnwee/threadwatch/watch"
)

// Store is the persistence the HTTP API reads and mutates.
type Store interface {
	Ping(ctx context.Context) error
	MigrationVersion(ctx context.Context) (version uint, dirty bool, err error)
	GetCredentials(ctx context.Context) (reddit.Credentials, error)
	SetCredentials(ctx context.Context, c reddit.Credentials) error
	GetGroup(ctx context.Context, id string) (watch.Group, error)
	ListGroups(ctx context.Context) ([]watch.Group, error)
	SetWatchTarget(ctx context.Context, id, threadURL string, channelID int64) (watch.Group, error)
	ResetWatermark(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	LastCycle(ctx context.Context, group string) (time.Time, error)
}

// Monitor exposes the running watch loops.
type Monitor interface {
	Snapshot() []watch.Status
	Ensure(group string) bool
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store   Store
	monitor Monitor
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(store Store, monitor Monitor) *Handlers {
	return &Handlers{store: store, monitor: monitor}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", slog.Any("err", err), slog.String("component", "http"))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealthz responds to liveness checks by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the database answers, its schema is not
// left mid-migration and source credentials are stored.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	var version uint
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.store.Ping(r.Context()) }},
		{"migrations", func() error {
			v, dirty, err := h.store.MigrationVersion(r.Context())
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("schema migration %d is dirty", v)
			}
			version = v
			return nil
		}},
		{"credentials", func() error {
			c, err := h.store.GetCredentials(r.Context())
			if err != nil {
				return err
			}
			if !c.Complete() {
				return errors.New("reddit API credentials not set")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "migration_version": version})
}

// HandleStatus returns the per-group snapshot of the watch loops. Groups that
// have not cycled since startup report the last cycle recorded in the store.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	groups := h.monitor.Snapshot()
	if groups == nil {
		groups = []watch.Status{}
	}
	for i := range groups {
		if !groups[i].LastCycle.IsZero() {
			continue
		}
		at, err := h.store.LastCycle(r.Context(), groups[i].Group)
		if err != nil {
			slog.Warn("status: last cycle lookup failed", slog.String("group", groups[i].Group), slog.Any("err", err), slog.String("component", "http"))
			continue
		}
		groups[i].LastCycle = at
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}
