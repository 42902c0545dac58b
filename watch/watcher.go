// Package watch runs the relay loop: one goroutine per group polls its thread,
// selects replies newer than the group's watermark and forwards them to the
// group's chat channel, persisting the watermark after every delivery.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/threadwatch/reddit"
	"github.com/onnwee/threadwatch/telemetry"
)

// Group is the persisted watch configuration of one chat server.
type Group struct {
	ID        string
	ThreadURL string
	ChannelID int64
	Watermark int64 // unix seconds of the newest delivered reply
	Enabled   bool
	UpdatedAt time.Time
}

// Configured reports whether the group has everything a cycle needs.
func (g Group) Configured() bool {
	return g.Enabled && g.ThreadURL != "" && g.ChannelID > 0
}

// Store is the configuration store the loop reads and writes.
type Store interface {
	// GetGroup returns the group, or a zero-valued enabled group when none is stored.
	GetGroup(ctx context.Context, id string) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	// AdvanceWatermark raises the watermark to ts if the group still watches
	// the thread threadURL names, in any of its link forms. It never lowers it.
	AdvanceWatermark(ctx context.Context, id, threadURL string, ts int64) error
	GetCredentials(ctx context.Context) (reddit.Credentials, error)
	RecordCycle(ctx context.Context, id string, at time.Time) error
}

// Source is one content source session.
type Source interface {
	FetchReplies(ctx context.Context, threadURL string) ([]reddit.Reply, error)
	Close() error
}

// Dialer opens a Source for the given credentials.
type Dialer func(ctx context.Context, creds reddit.Credentials) (Source, error)

// Sink delivers text to a chat channel.
type Sink interface {
	Send(ctx context.Context, channelID int64, text string) error
}

// State is the lifecycle state of a group loop.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateActive       State = "active"
)

// CycleResult summarizes one cycle.
type CycleResult struct {
	Group     string
	State     State
	Fetched   int
	Delivered int
	Skipped   int
	Watermark int64
	At        time.Time
	Err       error
}

// Watcher runs cycles. It holds no per-group state so one Watcher serves
// every group loop.
type Watcher struct {
	Store    Store
	Dial     Dialer
	Sink     Sink
	Notifier *Notifier
	Interval time.Duration
}

// RunCycle performs one fetch-filter-deliver pass for group. It never panics
// on collaborator failures; the outcome is reported in the result.
func (w *Watcher) RunCycle(ctx context.Context, groupID string) (res CycleResult) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "watch", "cycle", telemetry.GroupAttr(groupID))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "watch"), slog.String("group", groupID))

	res = CycleResult{Group: groupID, State: StateUnconfigured, At: time.Now()}
	telemetry.IncCycle(groupID)
	defer func() {
		telemetry.ObserveCycle(time.Since(res.At))
		if err := w.Store.RecordCycle(context.WithoutCancel(ctx), groupID, res.At); err != nil {
			log.Debug("record cycle failed", slog.Any("err", err))
		}
		if res.Err != nil {
			telemetry.RecordError(span, res.Err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
	}()

	g, err := w.Store.GetGroup(ctx, groupID)
	if err != nil {
		res.Err = fmt.Errorf("read group %s: %w", groupID, err)
		log.Error("watch: config store read failed", slog.Any("err", err))
		return res
	}
	res.Watermark = g.Watermark
	creds, err := w.Store.GetCredentials(ctx)
	if err != nil {
		res.Err = fmt.Errorf("read credentials: %w", err)
		log.Error("watch: config store read failed", slog.Any("err", err))
		return res
	}

	if !creds.Complete() {
		w.Notifier.Raise(ctx, globalScope, CondCredentialsMissing, "Reddit API credentials are not set; use setapi")
		res.Err = fmt.Errorf("%w: reddit credentials not set", ErrConfigurationMissing)
		log.Debug("watch: skipping cycle", slog.Any("reason", res.Err))
		return res
	}
	w.Notifier.Clear(globalScope, CondCredentialsMissing)

	if !g.Configured() {
		if g.Enabled {
			w.Notifier.Raise(ctx, groupID, CondTargetMissing, "thread url or channel not set; use setconfig")
		}
		res.Err = fmt.Errorf("%w: group %s has no thread/channel or is disabled", ErrConfigurationMissing, groupID)
		log.Debug("watch: skipping cycle", slog.Any("reason", res.Err))
		return res
	}
	w.Notifier.Clear(groupID, CondTargetMissing)
	res.State = StateActive

	replies, err := w.fetch(ctx, creds, g.ThreadURL)
	if err != nil {
		res.Err = w.sourceFailed(ctx, log, groupID, err)
		return res
	}
	w.Notifier.Clear(globalScope, CondCredentialsInvalid)
	w.Notifier.Clear(groupID, CondTargetUnreachable)
	w.Notifier.SourceRecovered(groupID)
	res.Fetched = len(replies)

	fresh, skipped := selectNew(replies, g.Watermark)
	res.Skipped = skipped
	if skipped > 0 {
		telemetry.IncSkipped(groupID, "malformed", skipped)
		log.Debug("watch: skipped replies", slog.Int("count", skipped), slog.Any("reason", ErrMalformedReply))
	}

	// Delivery and commit of one reply are never interrupted by shutdown;
	// cancellation is honored between replies.
	commitCtx := context.WithoutCancel(ctx)
	held := false
	var sinkErr error
	for i, r := range fresh {
		if ctx.Err() != nil {
			log.Info("watch: shutdown between deliveries", slog.Int("remaining", len(fresh)-i))
			break
		}
		if err := w.Sink.Send(commitCtx, g.ChannelID, r.Body); err != nil {
			telemetry.IncSinkFailure(groupID)
			log.Warn("watch: delivery failed", slog.String("reply", r.ID), slog.Int64("created_at", r.CreatedAt), slog.Any("err", err))
			held = true
			sinkErr = err
			continue
		}
		res.Delivered++
		telemetry.IncRelayed(groupID)
		if held {
			continue
		}
		// Replies sharing a second are committed together, since the next
		// cycle only selects created_at > watermark.
		if i+1 < len(fresh) && fresh[i+1].CreatedAt == r.CreatedAt {
			continue
		}
		if err := w.Store.AdvanceWatermark(commitCtx, g.ID, g.ThreadURL, r.CreatedAt); err != nil {
			log.Error("watch: watermark commit failed", slog.String("reply", r.ID), slog.Any("err", err))
			held = true
			continue
		}
		res.Watermark = r.CreatedAt
		telemetry.SetWatermark(groupID, r.CreatedAt)
	}

	if sinkErr != nil {
		w.Notifier.Raise(ctx, groupID, CondSinkFailing, fmt.Sprintf("delivery to channel %d failed: %v", g.ChannelID, sinkErr))
		res.Err = fmt.Errorf("%w: %v", ErrSinkUnavailable, sinkErr)
	} else if res.Delivered > 0 {
		w.Notifier.Clear(groupID, CondSinkFailing)
	}
	if res.Delivered > 0 || res.Err != nil {
		log.Info("watch: cycle complete",
			slog.Int("fetched", res.Fetched),
			slog.Int("new", len(fresh)),
			slog.Int("delivered", res.Delivered),
			slog.Int64("watermark", res.Watermark))
	}
	return res
}

// fetch opens a session, fetches the reply list and always closes the session.
func (w *Watcher) fetch(ctx context.Context, creds reddit.Credentials, threadURL string) ([]reddit.Reply, error) {
	src, err := w.Dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			slog.Warn("watch: session close failed", slog.Any("err", err))
		}
	}()
	var replies []reddit.Reply
	telemetry.TimeFunc(telemetry.FetchDuration, func() {
		replies, err = src.FetchReplies(ctx, threadURL)
	})
	return replies, err
}

func (w *Watcher) sourceFailed(ctx context.Context, log *slog.Logger, groupID string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	telemetry.IncSourceFailure(groupID)
	switch c := sourceCondition(err); c {
	case CondCredentialsInvalid:
		w.Notifier.Raise(ctx, globalScope, c, err.Error())
		log.Warn("watch: credentials rejected", slog.Any("err", err))
		return fmt.Errorf("%w: %v", ErrConfigurationMissing, err)
	case CondTargetUnreachable:
		w.Notifier.Raise(ctx, groupID, c, err.Error())
		log.Warn("watch: thread unreachable", slog.Any("err", err))
		return fmt.Errorf("%w: %v", ErrConfigurationMissing, err)
	}
	w.Notifier.SourceFailure(ctx, groupID, err)
	log.Warn("watch: fetch failed", slog.Any("err", err), slog.Int("consecutive", w.Notifier.Failures(groupID)))
	return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
}

// selectNew returns well-formed replies newer than watermark ordered by
// (created_at, id), and the number of malformed replies dropped.
func selectNew(replies []reddit.Reply, watermark int64) ([]reddit.Reply, int) {
	var out []reddit.Reply
	skipped := 0
	for _, r := range replies {
		if strings.TrimSpace(r.Body) == "" || r.CreatedAt <= 0 {
			skipped++
			continue
		}
		if r.CreatedAt > watermark {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, skipped
}

// Run repeats RunCycle for group, sleeping Interval after each cycle, until
// ctx is cancelled. report, when non-nil, receives every cycle result.
func (w *Watcher) Run(ctx context.Context, groupID string, report func(CycleResult)) {
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	slog.Info("watch: loop started", slog.String("group", groupID), slog.Duration("interval", interval), slog.String("component", "watch"))
	defer slog.Info("watch: loop stopped", slog.String("group", groupID), slog.String("component", "watch"))

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		res := w.RunCycle(ctx, groupID)
		if report != nil {
			report(res)
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}
