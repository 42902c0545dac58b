package watch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/threadwatch/reddit"
)

const thread = "https://www.reddit.com/r/test/comments/abc123/t/"

func activeGroup(id string, watermark int64) Group {
	return Group{ID: id, ThreadURL: thread, ChannelID: 42, Watermark: watermark, Enabled: true}
}

func TestRunCycleDeliversNewRepliesInOrder(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 100))
	src := &fakeReddit{replies: []reddit.Reply{
		{ID: "b", Body: "B", CreatedAt: 200},
		{ID: "old", Body: "old", CreatedAt: 90},
		{ID: "a", Body: "A", CreatedAt: 150},
		{ID: "edge", Body: "edge", CreatedAt: 100},
	}}
	sink := &fakeSink{}
	w := newWatcher(store, src, sink, 10)

	res := w.RunCycle(context.Background(), "g1")

	if res.Err != nil {
		t.Fatalf("RunCycle() err = %v", res.Err)
	}
	if got, want := sink.texts(42), []string{"A", "B"}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivered = %v, want %v", got, want)
	}
	if got := store.watermark("g1"); got != 200 {
		t.Errorf("watermark = %d, want 200", got)
	}
	if res.State != StateActive || res.Delivered != 2 || res.Watermark != 200 {
		t.Errorf("result = %+v", res)
	}
	if src.dials != 1 || src.closed != 1 {
		t.Errorf("dials=%d closed=%d, want one session opened and closed", src.dials, src.closed)
	}
}

func TestRunCycleIsIdempotent(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	src := &fakeReddit{replies: []reddit.Reply{
		{ID: "a", Body: "A", CreatedAt: 10},
		{ID: "b", Body: "B", CreatedAt: 20},
	}}
	sink := &fakeSink{}
	w := newWatcher(store, src, sink, 10)

	w.RunCycle(context.Background(), "g1")
	sink.reset()
	res := w.RunCycle(context.Background(), "g1")

	if len(sink.texts(42)) != 0 {
		t.Errorf("second cycle redelivered %v", sink.texts(42))
	}
	if res.Delivered != 0 || store.watermark("g1") != 20 {
		t.Errorf("result = %+v watermark = %d", res, store.watermark("g1"))
	}
}

func TestRunCycleOrdersTiesByID(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	src := &fakeReddit{replies: []reddit.Reply{
		{ID: "z", Body: "third", CreatedAt: 50},
		{ID: "m", Body: "second", CreatedAt: 50},
		{ID: "q", Body: "first", CreatedAt: 40},
	}}
	sink := &fakeSink{}
	newWatcher(store, src, sink, 10).RunCycle(context.Background(), "g1")

	if got, want := sink.texts(42), []string{"first", "second", "third"}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivered = %v, want %v", got, want)
	}
}

func TestRunCycleSameSecondFailureIsRetried(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	src := &fakeReddit{replies: []reddit.Reply{
		{ID: "a", Body: "A", CreatedAt: 50},
		{ID: "b", Body: "B", CreatedAt: 50},
	}}
	sink := &fakeSink{failOn: map[string]int{"B": 1}}
	w := newWatcher(store, src, sink, 10)

	res := w.RunCycle(context.Background(), "g1")
	if !errors.Is(res.Err, ErrSinkUnavailable) {
		t.Fatalf("first cycle err = %v, want ErrSinkUnavailable", res.Err)
	}
	if got := store.watermark("g1"); got != 0 {
		t.Fatalf("watermark = %d, want 0 while B is undelivered", got)
	}

	sink.reset()
	w.RunCycle(context.Background(), "g1")
	if got, want := sink.texts(42), []string{"A", "B"}; !reflect.DeepEqual(got, want) {
		t.Errorf("second cycle delivered = %v, want %v", got, want)
	}
	if got := store.watermark("g1"); got != 50 {
		t.Errorf("watermark = %d, want 50", got)
	}

	sink.reset()
	w.RunCycle(context.Background(), "g1")
	if got := sink.texts(42); len(got) != 0 {
		t.Errorf("third cycle delivered %v", got)
	}
}

func TestRunCyclePartialFailureRedeliversFromFailedReply(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	src := &fakeReddit{replies: []reddit.Reply{
		{ID: "1", Body: "one", CreatedAt: 10},
		{ID: "2", Body: "two", CreatedAt: 20},
		{ID: "3", Body: "three", CreatedAt: 30},
	}}
	sink := &fakeSink{failOn: map[string]int{"two": 1}}
	w := newWatcher(store, src, sink, 10)

	res := w.RunCycle(context.Background(), "g1")
	if !errors.Is(res.Err, ErrSinkUnavailable) {
		t.Fatalf("first cycle err = %v, want ErrSinkUnavailable", res.Err)
	}
	if got, want := sink.texts(42), []string{"one", "three"}; !reflect.DeepEqual(got, want) {
		t.Errorf("first cycle delivered = %v, want %v", got, want)
	}
	if got := store.watermark("g1"); got != 10 {
		t.Fatalf("watermark after failure = %d, want 10", got)
	}
	if alerts := sink.texts(adminChannel); len(alerts) != 1 {
		t.Errorf("admin alerts = %v, want exactly one sink_failing alert", alerts)
	}

	sink.reset()
	res = w.RunCycle(context.Background(), "g1")
	if res.Err != nil {
		t.Fatalf("second cycle err = %v", res.Err)
	}
	if got, want := sink.texts(42), []string{"two", "three"}; !reflect.DeepEqual(got, want) {
		t.Errorf("second cycle delivered = %v, want %v", got, want)
	}
	if got := store.watermark("g1"); got != 30 {
		t.Errorf("watermark = %d, want 30", got)
	}
}

func TestRunCycleWatermarkNeverDecreases(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 500))
	src := &fakeReddit{}
	sink := &fakeSink{}
	w := newWatcher(store, src, sink, 10)

	prev := store.watermark("g1")
	for i := 0; i < 5; i++ {
		src.mu.Lock()
		src.replies = []reddit.Reply{
			{ID: fmt.Sprintf("r%d", i), Body: "x", CreatedAt: int64(400 + i*50)},
		}
		src.mu.Unlock()
		w.RunCycle(context.Background(), "g1")
		cur := store.watermark("g1")
		if cur < prev {
			t.Fatalf("cycle %d: watermark decreased %d -> %d", i, prev, cur)
		}
		prev = cur
	}
	if prev != 600 {
		t.Errorf("final watermark = %d, want 600", prev)
	}
}

func TestRunCycleMissingCredentialsNotifiesOnce(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	store.creds = reddit.Credentials{}
	src := &fakeReddit{replies: []reddit.Reply{{ID: "a", Body: "A", CreatedAt: 10}}}
	sink := &fakeSink{}
	w := newWatcher(store, src, sink, 10)

	for i := 0; i < 11; i++ {
		res := w.RunCycle(context.Background(), "g1")
		if !errors.Is(res.Err, ErrConfigurationMissing) {
			t.Fatalf("cycle %d err = %v, want ErrConfigurationMissing", i, res.Err)
		}
		if ClassifyError(res.Err) != ErrorClassConfiguration {
			t.Fatalf("cycle %d class = %v", i, ClassifyError(res.Err))
		}
	}
	if got := sink.texts(42); len(got) != 0 {
		t.Errorf("deliveries = %v, want none", got)
	}
	if got := sink.texts(adminChannel); len(got) != 1 {
		t.Errorf("admin notifications = %d, want 1", len(got))
	}
	if src.dials != 0 {
		t.Errorf("dials = %d, want 0", src.dials)
	}
}

func TestRunCycleUnconfiguredGroup(t *testing.T) {
	store := newFakeStore()
	src := &fakeReddit{}
	sink := &fakeSink{}
	w := newWatcher(store, src, sink, 10)

	for i := 0; i < 3; i++ {
		res := w.RunCycle(context.Background(), "fresh")
		if res.State != StateUnconfigured || !errors.Is(res.Err, ErrConfigurationMissing) {
			t.Fatalf("result = %+v", res)
		}
	}
	if got := sink.texts(adminChannel); len(got) != 1 {
		t.Errorf("admin notifications = %v, want 1", got)
	}

	// disabled groups are skipped silently
	disabled := activeGroup("off", 0)
	disabled.Enabled = false
	store.groups["off"] = disabled
	sink.reset()
	if res := w.RunCycle(context.Background(), "off"); res.State != StateUnconfigured {
		t.Errorf("disabled group state = %s", res.State)
	}
	if got := sink.texts(adminChannel); len(got) != 0 {
		t.Errorf("disabled group raised %v", got)
	}
	if src.dials != 0 {
		t.Errorf("dials = %d, want 0", src.dials)
	}
}

func TestRunCycleSourceFailuresAlertAfterThreshold(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	src := &fakeReddit{fetchErr: errors.New("reddit /comments/abc123 failed: 503 Service Unavailable")}
	sink := &fakeSink{}
	w := newWatcher(store, src, sink, 3)

	for i := 1; i <= 5; i++ {
		res := w.RunCycle(context.Background(), "g1")
		if !errors.Is(res.Err, ErrSourceUnavailable) {
			t.Fatalf("cycle %d err = %v", i, res.Err)
		}
		want := 0
		if i >= 3 {
			want = 1
		}
		if got := len(sink.texts(adminChannel)); got != want {
			t.Fatalf("after cycle %d: alerts = %d, want %d", i, got, want)
		}
	}
	if src.closed != 5 {
		t.Errorf("sessions closed = %d, want 5", src.closed)
	}

	// recovery re-arms the alert
	src.fetchErr = nil
	w.RunCycle(context.Background(), "g1")
	if w.Notifier.Failures("g1") != 0 {
		t.Errorf("failure streak not reset")
	}
	src.fetchErr = errors.New("timeout")
	for i := 0; i < 3; i++ {
		w.RunCycle(context.Background(), "g1")
	}
	if got := len(sink.texts(adminChannel)); got != 2 {
		t.Errorf("alerts = %d, want 2 after second streak", got)
	}
}

func TestRunCycleRejectedCredentials(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0), activeGroup("g2", 0))
	src := &fakeReddit{dialErr: fmt.Errorf("%w: 401 Unauthorized", reddit.ErrUnauthorized)}
	sink := &fakeSink{}
	w := newWatcher(store, src, sink, 10)

	for i := 0; i < 4; i++ {
		for _, g := range []string{"g1", "g2"} {
			res := w.RunCycle(context.Background(), g)
			if !errors.Is(res.Err, ErrConfigurationMissing) {
				t.Fatalf("err = %v, want ErrConfigurationMissing", res.Err)
			}
		}
	}
	if got := sink.texts(adminChannel); len(got) != 1 {
		t.Errorf("admin notifications = %v, want 1 for the whole process", got)
	}
}

func TestRunCycleSkipsMalformedReplies(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	src := &fakeReddit{replies: []reddit.Reply{
		{ID: "a", Body: "", CreatedAt: 10},
		{ID: "b", Body: "ok", CreatedAt: 20},
		{ID: "c", Body: "no time", CreatedAt: 0},
	}}
	sink := &fakeSink{}
	res := newWatcher(store, src, sink, 10).RunCycle(context.Background(), "g1")

	if res.Skipped != 2 || res.Delivered != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := sink.texts(42); !reflect.DeepEqual(got, []string{"ok"}) {
		t.Errorf("delivered = %v", got)
	}
}

func TestRunCycleSkipsWhitespaceOnlyReplies(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	src := &fakeReddit{replies: []reddit.Reply{
		{ID: "blank", Body: " \n ", CreatedAt: 10},
		{ID: "b", Body: "B", CreatedAt: 20},
	}}
	sink := &fakeSink{}
	w := newWatcher(store, src, sink, 10)

	for i := 0; i < 3; i++ {
		res := w.RunCycle(context.Background(), "g1")
		if res.Err != nil {
			t.Fatalf("cycle %d err = %v", i, res.Err)
		}
		if res.Skipped != 1 {
			t.Errorf("cycle %d skipped = %d, want 1", i, res.Skipped)
		}
	}
	if got := sink.texts(42); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("delivered = %v, want B once", got)
	}
	if got := store.watermark("g1"); got != 20 {
		t.Errorf("watermark = %d, want 20", got)
	}
	if got := sink.texts(adminChannel); len(got) != 0 {
		t.Errorf("admin alerts = %v", got)
	}
}

func TestRunCycleShutdownBetweenDeliveries(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	src := &fakeReddit{replies: []reddit.Reply{
		{ID: "a", Body: "A", CreatedAt: 10},
		{ID: "b", Body: "B", CreatedAt: 20},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &fakeSink{onSend: cancel}
	newWatcher(store, src, sink, 10).RunCycle(ctx, "g1")

	if got := sink.texts(42); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("delivered = %v, want only A", got)
	}
	if got := store.watermark("g1"); got != 10 {
		t.Errorf("watermark = %d, want 10 committed despite cancellation", got)
	}
}

func TestRunCycleThreadSwitchedMidCycle(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	src := &fakeReddit{replies: []reddit.Reply{{ID: "a", Body: "A", CreatedAt: 10}}}
	sink := &fakeSink{}
	sink.onSend = func() {
		store.mu.Lock()
		g := store.groups["g1"]
		g.ThreadURL = "https://redd.it/other1"
		g.Watermark = 0
		store.groups["g1"] = g
		store.mu.Unlock()
	}
	newWatcher(store, src, sink, 10).RunCycle(context.Background(), "g1")

	if got := store.watermark("g1"); got != 0 {
		t.Errorf("watermark = %d, want 0 for the newly configured thread", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newFakeStore(activeGroup("g1", 0))
	w := newWatcher(store, &fakeReddit{}, &fakeSink{}, 10)
	ctx, cancel := context.WithCancel(context.Background())

	results := make(chan CycleResult, 100)
	done := make(chan struct{})
	go func() {
		w.Run(ctx, "g1", func(r CycleResult) {
			select {
			case results <- r:
			default:
			}
		})
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-results:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not run a cycle")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSelectNew(t *testing.T) {
	replies := []reddit.Reply{
		{ID: "c", Body: "c", CreatedAt: 30},
		{ID: "a", Body: "a", CreatedAt: 10},
		{ID: "b", Body: "b", CreatedAt: 20},
		{ID: "x", Body: "", CreatedAt: 40},
		{ID: "y", Body: "\t \n", CreatedAt: 50},
	}
	got, skipped := selectNew(replies, 10)
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("selectNew = %+v", got)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ErrorClassUnknown},
		{fmt.Errorf("%w: x", ErrConfigurationMissing), ErrorClassConfiguration},
		{reddit.ErrUnauthorized, ErrorClassConfiguration},
		{fmt.Errorf("wrap: %w", reddit.ErrThreadNotFound), ErrorClassConfiguration},
		{fmt.Errorf("%w: timeout", ErrSourceUnavailable), ErrorClassTransient},
		{ErrSinkUnavailable, ErrorClassTransient},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
