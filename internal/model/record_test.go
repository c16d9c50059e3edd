package model

import (
	"strings"
	"testing"
	"time"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNew, StateSubmitted, true},
		{StateNew, StateRunning, false},
		{StateSubmitted, StateRunning, true},
		{StateSubmitted, StateStopped, true},
		{StateRunning, StateTerminated, true},
		{StateStopped, StateRunning, true},
		{StateStopped, StateSubmitted, true},
		{StateTerminated, StateRunning, false},
		{StateTerminated, StateNew, false},
		{StateUnknown, StateRunning, true},
		{StateRunning, StateRunning, true},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminatedIsTerminal(t *testing.T) {
	r := NewRecord()
	r.SetState(StateSubmitted)
	r.SetState(StateRunning)
	r.MarkTerminated(0, SignalNone)

	for _, to := range []State{StateNew, StateSubmitted, StateRunning, StateStopped, StateUnknown} {
		if r.SetState(to) {
			t.Errorf("SetState(%s) succeeded on TERMINATED record", to)
		}
	}
	if r.State != StateTerminated {
		t.Errorf("state = %s, want TERMINATED", r.State)
	}
}

func TestMarkTerminatedIdempotent(t *testing.T) {
	r := NewRecord()
	r.SetState(StateSubmitted)
	r.MarkTerminated(1, SignalNone)
	r.MarkTerminated(0, SignalCancelled)

	if *r.Returncode != 1 {
		t.Errorf("returncode = %d, want 1 (first termination wins)", *r.Returncode)
	}
	if r.Signal != SignalNone {
		t.Errorf("signal = %q, want empty", r.Signal)
	}
}

func TestTimestampsFirstEntryOnly(t *testing.T) {
	r := NewRecord()
	r.SetState(StateSubmitted)
	r.SetState(StateRunning)
	first := r.Timestamps[StateRunning]

	time.Sleep(2 * time.Millisecond)
	r.SetState(StateStopped)
	r.SetState(StateRunning)

	if got := r.Timestamps[StateRunning]; !got.Equal(first) {
		t.Errorf("RUNNING timestamp rewritten on re-entry: %v != %v", got, first)
	}
}

func TestHistoryAppendOnly(t *testing.T) {
	r := NewRecord()
	r.SetInfo("submitting to 'localhost'")
	r.Log("poll ok")

	if len(r.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(r.History))
	}
	if r.Info != "submitting to 'localhost'" {
		t.Errorf("info = %q", r.Info)
	}
	if r.History[1].Message != "poll ok" {
		t.Errorf("history[1] = %q", r.History[1].Message)
	}
}

func TestSucceeded(t *testing.T) {
	ok := NewRecord()
	ok.SetState(StateSubmitted)
	ok.MarkTerminated(0, SignalNone)
	if !ok.Succeeded() {
		t.Error("returncode 0 should report success")
	}

	failed := NewRecord()
	failed.SetState(StateSubmitted)
	failed.MarkTerminated(2, SignalNone)
	if failed.Succeeded() {
		t.Error("returncode 2 should not report success")
	}

	cancelled := NewRecord()
	cancelled.SetState(StateSubmitted)
	cancelled.MarkTerminated(0, SignalCancelled)
	if cancelled.Succeeded() {
		t.Error("cancelled task should not report success")
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Error("NewID returned duplicate identifiers")
	}
	if !strings.HasPrefix(a, "task.") {
		t.Errorf("id %q missing task prefix", a)
	}
}

func TestRequirementsAllowsResource(t *testing.T) {
	unrestricted := Requirements{}
	if !unrestricted.AllowsResource("anything") {
		t.Error("empty allowlist should accept every resource")
	}

	restricted := Requirements{ResourceAllowlist: []string{"slurm01", "local"}}
	if !restricted.AllowsResource("local") {
		t.Error("listed resource rejected")
	}
	if restricted.AllowsResource("slurm02") {
		t.Error("unlisted resource accepted")
	}
}
