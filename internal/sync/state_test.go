package sync

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		960 * time.Second,
		1920 * time.Second,
		3600 * time.Second,
		3600 * time.Second,
	}
	for attempts, w := range want {
		if got := BackoffDelay(attempts); got != w {
			t.Errorf("BackoffDelay(%d) = %s, want %s", attempts, got, w)
		}
	}
	if got := BackoffDelay(200); got != MaxBackoff {
		t.Errorf("BackoffDelay(200) = %s, want cap", got)
	}
}

func TestSettleBackoffSequenceResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	acct := Account{ID: "a1"}
	fail := Outcome{State: StateIncremental, Err: NewError(KindTransient, "list", errors.New("reset"))}

	for _, want := range []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second} {
		u := Settle(acct, fail, now, 5*time.Minute)
		if u.State != StateBackoff {
			t.Fatalf("state = %s, want backoff", u.State)
		}
		if got := u.NextSync.Sub(now); got != want {
			t.Fatalf("delay = %s, want %s", got, want)
		}
		acct.Attempts = u.Attempts
	}

	u := Settle(acct, Outcome{State: StateIncremental}, now, 5*time.Minute)
	if u.Attempts != 0 || u.State != StateIncremental {
		t.Fatalf("after success: attempts=%d state=%s", u.Attempts, u.State)
	}
	acct.Attempts = u.Attempts
	u = Settle(acct, fail, now, 5*time.Minute)
	if got := u.NextSync.Sub(now); got != 30*time.Second {
		t.Fatalf("delay after reset = %s, want 30s", got)
	}
}

func TestSettle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	poll := 5 * time.Minute

	tests := []struct {
		name      string
		acct      Account
		out       Outcome
		state     JobState
		attempts  int
		nextSync  time.Time
		wantError bool
	}{
		{
			name:     "success",
			acct:     Account{Attempts: 3, LastError: "old"},
			out:      Outcome{State: StateBackfill},
			state:    StateIncremental,
			attempts: 0,
			nextSync: now.Add(poll),
		},
		{
			name:      "rate limited uses provider delay",
			acct:      Account{Attempts: 4},
			out:       Outcome{State: StateBackfill, Err: RateLimited("list", time.Minute, nil)},
			state:     StateBackoff,
			attempts:  5,
			nextSync:  now.Add(time.Minute),
			wantError: true,
		},
		{
			name:      "auth is terminal",
			out:       Outcome{State: StateIncremental, Err: NewError(KindAuth, "authenticate", nil)},
			state:     StateError,
			attempts:  1,
			wantError: true,
		},
		{
			name:      "permission denied is terminal",
			out:       Outcome{State: StateIncremental, Err: NewError(KindPermissionDenied, "list", nil)},
			state:     StateError,
			attempts:  1,
			wantError: true,
		},
		{
			name:      "unclassified backs off",
			acct:      Account{Attempts: 1},
			out:       Outcome{State: StateIncremental, Err: errors.New("boom")},
			state:     StateBackoff,
			attempts:  2,
			nextSync:  now.Add(time.Minute),
			wantError: true,
		},
		{
			name:     "cancelled backfill rests idle",
			acct:     Account{Attempts: 2},
			out:      Outcome{State: StateBackfill, Err: NewError(KindCancelled, "sync job", nil)},
			state:    StateIdle,
			attempts: 2,
			nextSync: now.Add(poll),
		},
		{
			name:     "cancelled incremental stays incremental",
			out:      Outcome{State: StateIncremental, Err: NewError(KindCancelled, "sync job", nil)},
			state:    StateIncremental,
			nextSync: now.Add(poll),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := Settle(tt.acct, tt.out, now, poll)
			if u.State != tt.state {
				t.Errorf("state = %s, want %s", u.State, tt.state)
			}
			if u.Attempts != tt.attempts {
				t.Errorf("attempts = %d, want %d", u.Attempts, tt.attempts)
			}
			if !u.NextSync.Equal(tt.nextSync) {
				t.Errorf("next sync = %s, want %s", u.NextSync, tt.nextSync)
			}
			if (u.LastError != "") != tt.wantError {
				t.Errorf("last error = %q, want error %v", u.LastError, tt.wantError)
			}
			if u.Status != StatusFor(u.State) {
				t.Errorf("status = %s, want %s", u.Status, StatusFor(u.State))
			}
		})
	}
}

func TestStartState(t *testing.T) {
	tests := []struct {
		name    string
		cursors []Cursor
		want    JobState
	}{
		{"no cursors", nil, StateBackfill},
		{"partial backfill", []Cursor{{Delta: "1", Backfilled: true}, {PageToken: "p2"}}, StateBackfill},
		{"all backfilled", []Cursor{{Delta: "1", Backfilled: true}, {Delta: "9", Backfilled: true}}, StateIncremental},
		{"invalidated", []Cursor{{Delta: "", Backfilled: true}}, StateBackfill},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StartState(tt.cursors); got != tt.want {
				t.Fatalf("StartState = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestJobAdvance(t *testing.T) {
	job := NewJob("run", "a1", time.Now())
	for _, s := range []JobState{StateBackfill, StateBackfill, StateIncremental, StateBackfill, StateIncremental, StateError, StateBackoff} {
		if err := job.Advance(s); err != nil {
			t.Fatalf("Advance(%s): %v", s, err)
		}
	}
	if err := job.Advance(StateError); err == nil {
		t.Fatalf("backoff -> error should be rejected")
	}
	if err := NewJob("run", "a1", time.Now()).Advance(StateError); err == nil {
		t.Fatalf("idle -> error should be rejected")
	}
}

func TestKindOf(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), NewError(KindNotFound, "fetch", nil))
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{NewError(KindAuth, "x", nil), KindAuth},
		{wrapped, KindNotFound},
		{errors.New("plain"), KindUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if RetryAfterOf(RateLimited("x", 7*time.Second, nil)) != 7*time.Second {
		t.Errorf("RetryAfterOf lost the delay")
	}
}
