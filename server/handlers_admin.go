package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/threadwatch/reddit"
	"github.com/onnwee/threadwatch/telemetry"
	"github.com/onnwee/threadwatch/watch"
)

const maxBodyBytes = 16 << 10

type targetRequest struct {
	ThreadURL string `json:"thread_url"`
	ChannelID int64  `json:"channel_id,string"`
}

type credentialsRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	UserAgent    string `json:"user_agent"`
}

type groupView struct {
	ID         string    `json:"id"`
	ThreadURL  string    `json:"thread_url"`
	ChannelID  int64     `json:"channel_id,string"`
	Watermark  int64     `json:"watermark"`
	Enabled    bool      `json:"enabled"`
	Configured bool      `json:"configured"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

func viewGroup(g watch.Group) groupView {
	return groupView{
		ID:         g.ID,
		ThreadURL:  g.ThreadURL,
		ChannelID:  g.ChannelID,
		Watermark:  g.Watermark,
		Enabled:    g.Enabled,
		Configured: g.Configured(),
		UpdatedAt:  g.UpdatedAt,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// HandleAdminGroups lists every stored group.
func (h *Handlers) HandleAdminGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.ListGroups(r.Context())
	if err != nil {
		h.internalError(w, r, "list groups", err)
		return
	}
	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, viewGroup(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": views})
}

// HandleAdminGroupTarget sets the thread and channel of a group and makes
// sure its loop runs.
func (h *Handlers) HandleAdminGroupTarget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req targetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if _, err := reddit.ParseThreadID(req.ThreadURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ChannelID <= 0 {
		writeError(w, http.StatusBadRequest, "channel_id must be a positive integer")
		return
	}
	g, err := h.store.SetWatchTarget(r.Context(), id, req.ThreadURL, req.ChannelID)
	if err != nil {
		h.internalError(w, r, "set watch target", err)
		return
	}
	h.monitor.Ensure(id)
	writeJSON(w, http.StatusOK, viewGroup(g))
}

// HandleAdminGroupReset sets the watermark of a group back to 0.
func (h *Handlers) HandleAdminGroupReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.mutateGroup(w, r, id, h.store.ResetWatermark(r.Context(), id))
}

// HandleAdminGroupEnabled returns a handler that pauses or resumes a group.
func (h *Handlers) HandleAdminGroupEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		err := h.store.SetEnabled(r.Context(), id, enabled)
		if err == nil && enabled {
			h.monitor.Ensure(id)
		}
		h.mutateGroup(w, r, id, err)
	}
}

func (h *Handlers) mutateGroup(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, watch.ErrGroupNotFound) {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "update group", err)
		return
	}
	g, err := h.store.GetGroup(r.Context(), id)
	if err != nil {
		h.internalError(w, r, "get group", err)
		return
	}
	writeJSON(w, http.StatusOK, viewGroup(g))
}

// HandleAdminCredentials replaces the Reddit API credentials.
func (h *Handlers) HandleAdminCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	creds := reddit.Credentials(req)
	if !creds.Complete() {
		writeError(w, http.StatusBadRequest, "client_id, client_secret and user_agent are required")
		return
	}
	if err := h.store.SetCredentials(r.Context(), creds); err != nil {
		h.internalError(w, r, "set credentials", err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("reddit credentials updated", slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	telemetry.LoggerWithCorr(r.Context()).Error(op+" failed", slog.Any("err", err), slog.String("component", "http"))
	writeError(w, http.StatusInternalServerError, "internal error")
}
