package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/onnwee/threadwatch/telemetry"
)

// globalScope keys conditions that are process-wide, such as credentials.
const globalScope = "*"

// Notifier is the single administrative alert path. A condition notifies once
// when raised and stays silent until it is cleared.
type Notifier struct {
	sink       Sink
	channelID  int64
	alertAfter int

	mu       sync.Mutex
	raised   map[string]map[Condition]bool
	failures map[string]int
}

// NewNotifier sends alerts to channelID through sink. A zero channel logs the
// alert at WARN instead. alertAfter is the number of consecutive transient
// source failures before CondSourceFailing is raised.
func NewNotifier(sink Sink, channelID int64, alertAfter int) *Notifier {
	if alertAfter <= 0 {
		alertAfter = 1
	}
	return &Notifier{
		sink:       sink,
		channelID:  channelID,
		alertAfter: alertAfter,
		raised:     make(map[string]map[Condition]bool),
		failures:   make(map[string]int),
	}
}

// Raise records c for scope and emits a notification if it was not already
// raised. It reports whether a notification went out.
func (n *Notifier) Raise(ctx context.Context, scope string, c Condition, detail string) bool {
	n.mu.Lock()
	set := n.raised[scope]
	if set == nil {
		set = make(map[Condition]bool)
		n.raised[scope] = set
	}
	if set[c] {
		n.mu.Unlock()
		return false
	}
	set[c] = true
	n.mu.Unlock()

	telemetry.IncAdminAlert(string(c))
	msg := fmt.Sprintf("threadwatch alert [%s] group %s: %s", c, scope, detail)
	if scope == globalScope {
		msg = fmt.Sprintf("threadwatch alert [%s]: %s", c, detail)
	}
	if n.channelID == 0 || n.sink == nil {
		slog.Warn("admin alert", slog.String("condition", string(c)), slog.String("group", scope), slog.String("detail", detail), slog.String("component", "notifier"))
		return true
	}
	if err := n.sink.Send(context.WithoutCancel(ctx), n.channelID, msg); err != nil {
		slog.Error("admin alert delivery failed", slog.String("condition", string(c)), slog.Any("err", err), slog.String("component", "notifier"))
	}
	return true
}

// Clear re-arms c for scope.
func (n *Notifier) Clear(scope string, c Condition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if set := n.raised[scope]; set != nil {
		delete(set, c)
	}
}

// SourceFailure counts a transient source failure for group and raises
// CondSourceFailing once the streak reaches the threshold.
func (n *Notifier) SourceFailure(ctx context.Context, group string, err error) {
	n.mu.Lock()
	n.failures[group]++
	streak := n.failures[group]
	n.mu.Unlock()
	if streak >= n.alertAfter {
		n.Raise(ctx, group, CondSourceFailing, fmt.Sprintf("%d consecutive failed fetches, last error: %v", streak, err))
	}
}

// SourceRecovered resets the failure streak of group.
func (n *Notifier) SourceRecovered(group string) {
	n.mu.Lock()
	delete(n.failures, group)
	n.mu.Unlock()
	n.Clear(group, CondSourceFailing)
}

// Failures returns the current consecutive failure streak of group.
func (n *Notifier) Failures(group string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failures[group]
}

// Raised lists the active conditions of group, including process-wide ones.
func (n *Notifier) Raised(group string) []Condition {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Condition
	for _, scope := range []string{globalScope, group} {
		for c := range n.raised[scope] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
