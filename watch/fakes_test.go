package watch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/threadwatch/reddit"
)

const adminChannel int64 = 999

type fakeStore struct {
	mu       sync.Mutex
	groups   map[string]Group
	creds    reddit.Credentials
	cycles   map[string]int
	advances int
	readErr  error
}

func newFakeStore(groups ...Group) *fakeStore {
	s := &fakeStore{groups: map[string]Group{}, cycles: map[string]int{}}
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	s.creds = reddit.Credentials{ClientID: "id", ClientSecret: "secret", UserAgent: "ua"}
	return s
}

func (s *fakeStore) GetGroup(_ context.Context, id string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return Group{}, s.readErr
	}
	g, ok := s.groups[id]
	if !ok {
		return Group{ID: id, Enabled: true}, nil
	}
	return g, nil
}

func (s *fakeStore) ListGroups(context.Context) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) AdvanceWatermark(_ context.Context, id, threadURL string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[id]
	s.advances++
	if sameThread(g.ThreadURL, threadURL) && ts > g.Watermark {
		g.Watermark = ts
		s.groups[id] = g
	}
	return nil
}

func sameThread(a, b string) bool {
	idA, errA := reddit.ParseThreadID(a)
	idB, errB := reddit.ParseThreadID(b)
	return errA == nil && errB == nil && idA == idB
}

func (s *fakeStore) GetCredentials(context.Context) (reddit.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, nil
}

func (s *fakeStore) RecordCycle(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles[id]++
	return nil
}

func (s *fakeStore) watermark(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[id].Watermark
}

type fakeSource struct {
	replies []reddit.Reply
	err     error
	parent  *fakeReddit
}

func (f *fakeSource) FetchReplies(context.Context, string) ([]reddit.Reply, error) {
	return f.replies, f.err
}

func (f *fakeSource) Close() error {
	f.parent.mu.Lock()
	f.parent.closed++
	f.parent.mu.Unlock()
	return nil
}

// fakeReddit hands out sessions that all return the same reply list.
type fakeReddit struct {
	mu       sync.Mutex
	replies  []reddit.Reply
	fetchErr error
	dialErr  error
	dials    int
	closed   int
}

func (f *fakeReddit) dial(context.Context, reddit.Credentials) (Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return &fakeSource{replies: f.replies, err: f.fetchErr, parent: f}, nil
}

type sent struct {
	channel int64
	text    string
}

// fakeSink records deliveries; failOn maps message text to the number of
// times delivery of that text fails before succeeding. Like the chat sink it
// rejects blank text.
type fakeSink struct {
	mu     sync.Mutex
	sent   []sent
	failOn map[string]int
	onSend func()
}

var (
	errSinkDown  = errors.New("discord: 503 Service Unavailable")
	errSinkEmpty = errors.New("discord: empty message")
)

func (f *fakeSink) Send(_ context.Context, channel int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return errSinkEmpty
	}
	f.mu.Lock()
	if n := f.failOn[text]; n > 0 {
		f.failOn[text] = n - 1
		f.mu.Unlock()
		return errSinkDown
	}
	f.sent = append(f.sent, sent{channel, text})
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeSink) texts(channel int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.channel == channel {
			out = append(out, s.text)
		}
	}
	return out
}

func (f *fakeSink) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func newWatcher(store *fakeStore, src *fakeReddit, sink *fakeSink, alertAfter int) *Watcher {
	return &Watcher{
		Store:    store,
		Dial:     src.dial,
		Sink:     sink,
		Notifier: NewNotifier(sink, adminChannel, alertAfter),
		Interval: 10 * time.Millisecond,
	}
}
