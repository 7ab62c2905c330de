package task

import (
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusQueued, StatusProcessing},
		{StatusProcessing, StatusExecuting},
		{StatusProcessing, StatusAwaitingApproval},
		{StatusProcessing, StatusDone},
		{StatusProcessing, StatusQueued},
		{StatusProcessing, StatusFailed},
		{StatusAwaitingApproval, StatusExecuting},
		{StatusAwaitingApproval, StatusRejected},
		{StatusAwaitingApproval, StatusExpired},
		{StatusExecuting, StatusDone},
		{StatusExecuting, StatusFailed},
		{StatusFailed, StatusQueued},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusQueued, StatusExecuting},
		{StatusQueued, StatusDone},
		{StatusDone, StatusQueued},
		{StatusRejected, StatusQueued},
		{StatusExpired, StatusProcessing},
		{StatusExecuting, StatusAwaitingApproval},
		{StatusAwaitingApproval, StatusQueued},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusDone, StatusFailed, StatusRejected, StatusExpired} {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusProcessing, StatusAwaitingApproval, StatusExecuting} {
		if IsTerminal(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestPayloadValidate(t *testing.T) {
	cases := []struct {
		name    string
		kind    Kind
		payload Payload
		wantErr bool
	}{
		{"message ok", KindMessage, Payload{Channel: "email", Sender: "a@b.c"}, false},
		{"message missing sender", KindMessage, Payload{Channel: "email"}, true},
		{"file_drop ok", KindFileDrop, Payload{Path: "/tmp/x.pdf"}, false},
		{"file_drop missing path", KindFileDrop, Payload{}, true},
		{"scheduled ok", KindScheduled, Payload{EntryID: "daily"}, false},
		{"scheduled missing entry", KindScheduled, Payload{}, true},
		{"derived ok", KindDerived, Payload{ParentTaskID: "task_1"}, false},
		{"derived missing parent", KindDerived, Payload{}, true},
		{"unknown kind", Kind("bogus"), Payload{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate(tc.kind)
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate: got err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestReady(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	tk := &Task{Status: StatusQueued}
	if !tk.Ready(now) {
		t.Error("queued task without not_before should be ready")
	}

	tk.NotBefore = &later
	if tk.Ready(now) {
		t.Error("task before not_before should not be ready")
	}
	if !tk.Ready(later) {
		t.Error("task at not_before should be ready")
	}

	tk.NotBefore = nil
	tk.Frozen = true
	if tk.Ready(now) {
		t.Error("frozen task should never be ready")
	}

	tk.Frozen = false
	tk.Status = StatusProcessing
	if tk.Ready(now) {
		t.Error("non-queued task should not be ready")
	}
}

func TestEffectivePriorityAging(t *testing.T) {
	created := time.Now()
	tk := &Task{Priority: PriorityLow, CreatedAt: created}
	threshold := 5 * time.Minute

	if got := tk.EffectivePriority(created, threshold); got != PriorityLow {
		t.Errorf("at t=0: got %s, want low", got)
	}
	if got := tk.EffectivePriority(created.Add(threshold), threshold); got != PriorityMedium {
		t.Errorf("after one threshold: got %s, want medium", got)
	}
	if got := tk.EffectivePriority(created.Add(3*threshold), threshold); got != PriorityCritical {
		t.Errorf("after three thresholds: got %s, want critical", got)
	}
	// Bounded: never promoted past critical.
	if got := tk.EffectivePriority(created.Add(100*threshold), threshold); got != PriorityCritical {
		t.Errorf("far future: got %s, want critical", got)
	}

	// Zero threshold disables aging.
	if got := tk.EffectivePriority(created.Add(time.Hour), 0); got != PriorityLow {
		t.Errorf("aging disabled: got %s, want low", got)
	}
}

func TestDeriveID(t *testing.T) {
	a := DeriveID("imap", KindMessage, "msg-123")
	b := DeriveID("imap", KindMessage, "msg-123")
	if a != b {
		t.Errorf("same identity should derive same ID: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "task_") {
		t.Errorf("unexpected ID format: %s", a)
	}

	c := DeriveID("imap", KindMessage, "msg-124")
	if a == c {
		t.Error("different identities should derive different IDs")
	}
	d := DeriveID("slack", KindMessage, "msg-123")
	if a == d {
		t.Error("different sources should derive different IDs")
	}
}

func TestRetryID(t *testing.T) {
	if got := RetryID("task_abc", 2); got != "task_abc-r2" {
		t.Errorf("RetryID: got %s", got)
	}
}

func TestActionIdempotencyKey(t *testing.T) {
	a := NewAction("task_1", "send_email", map[string]any{"to": "a@b.c"})
	b := NewAction("task_1", "send_email", nil)
	if a.IdempotencyKey != b.IdempotencyKey {
		t.Error("idempotency key should depend on task and action only")
	}
	c := NewAction("task_2", "send_email", nil)
	if a.IdempotencyKey == c.IdempotencyKey {
		t.Error("different tasks should have different keys")
	}
}

func TestApprovalOpen(t *testing.T) {
	a := &ApprovalRequest{Decision: DecisionPending}
	if !a.Open() {
		t.Error("pending request should be open")
	}
	for _, d := range []Decision{DecisionApproved, DecisionRejected, DecisionExpired} {
		a.Decision = d
		if a.Open() {
			t.Errorf("%s request should not be open", d)
		}
	}
}
