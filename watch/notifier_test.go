package watch

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNotifierRaisesOnceUntilCleared(t *testing.T) {
	sink := &fakeSink{}
	n := NewNotifier(sink, adminChannel, 10)
	ctx := context.Background()

	if !n.Raise(ctx, "g1", CondTargetMissing, "no thread") {
		t.Fatal("first Raise should notify")
	}
	if n.Raise(ctx, "g1", CondTargetMissing, "no thread") {
		t.Error("repeated Raise should be silent")
	}
	if !n.Raise(ctx, "g2", CondTargetMissing, "no thread") {
		t.Error("conditions are tracked per group")
	}
	n.Clear("g1", CondTargetMissing)
	if !n.Raise(ctx, "g1", CondTargetMissing, "no thread") {
		t.Error("Raise after Clear should notify again")
	}

	msgs := sink.texts(adminChannel)
	if len(msgs) != 3 {
		t.Fatalf("messages = %v", msgs)
	}
	if !strings.Contains(msgs[0], "target_missing") || !strings.Contains(msgs[0], "g1") {
		t.Errorf("message = %q", msgs[0])
	}
}

func TestNotifierWithoutChannelOnlyLogs(t *testing.T) {
	sink := &fakeSink{}
	n := NewNotifier(sink, 0, 10)
	if !n.Raise(context.Background(), globalScope, CondCredentialsMissing, "unset") {
		t.Error("Raise should still report the notification")
	}
	if len(sink.sent) != 0 {
		t.Errorf("sink received %v without an admin channel", sink.sent)
	}
}

func TestNotifierSinkFailureDoesNotRearm(t *testing.T) {
	sink := &fakeSink{failOn: map[string]int{}}
	n := NewNotifier(sink, adminChannel, 1)
	ctx := context.Background()
	sink.failOn["threadwatch alert [sink_failing] group g1: down"] = 5
	n.Raise(ctx, "g1", CondSinkFailing, "down")
	if n.Raise(ctx, "g1", CondSinkFailing, "down") {
		t.Error("failed alert delivery must not cause a repeat")
	}
}

func TestNotifierSourceFailureStreak(t *testing.T) {
	sink := &fakeSink{}
	n := NewNotifier(sink, adminChannel, 2)
	ctx := context.Background()
	err := errors.New("timeout")

	n.SourceFailure(ctx, "g1", err)
	if got := len(sink.texts(adminChannel)); got != 0 {
		t.Fatalf("alerted after 1 failure")
	}
	n.SourceFailure(ctx, "g1", err)
	n.SourceFailure(ctx, "g1", err)
	if got := len(sink.texts(adminChannel)); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}
	if n.Failures("g1") != 3 {
		t.Errorf("Failures = %d, want 3", n.Failures("g1"))
	}
	if got := n.Raised("g1"); len(got) != 1 || got[0] != CondSourceFailing {
		t.Errorf("Raised = %v", got)
	}
	n.SourceRecovered("g1")
	if n.Failures("g1") != 0 || len(n.Raised("g1")) != 0 {
		t.Error("SourceRecovered did not reset state")
	}
}
