package sync

import (
	"fmt"
	gosync "sync"
	"time"
)

// JobState is the per-account sync state.
type JobState string

const (
	StateIdle        JobState = "idle"
	StateBackfill    JobState = "backfill"
	StateIncremental JobState = "incremental"
	StateError       JobState = "error"
	StateBackoff     JobState = "backoff"
)

const (
	// BaseBackoff is the delay after the first failure.
	BaseBackoff = 30 * time.Second
	// MaxBackoff caps the exponential backoff.
	MaxBackoff = time.Hour
)

// transitions lists the allowed successor states.
var transitions = map[JobState][]JobState{
	StateIdle:        {StateBackfill, StateIncremental},
	StateBackfill:    {StateIncremental, StateError, StateBackfill, StateIdle},
	StateIncremental: {StateIncremental, StateBackfill, StateError},
	StateError:       {StateBackoff, StateBackfill, StateIncremental, StateIdle},
	StateBackoff:     {StateBackfill, StateIncremental, StateIdle},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to JobState) bool {
	if from == "" {
		from = StateIdle
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Running reports whether s is a state a live job is in.
func (s JobState) Running() bool {
	return s == StateBackfill || s == StateIncremental
}

// StatusFor maps a job state to the account status shown to users.
func StatusFor(s JobState) AccountStatus {
	switch s {
	case StateBackfill:
		return StatusBackfill
	case StateIncremental:
		return StatusPolling
	case StateError, StateBackoff:
		return StatusError
	}
	return StatusConnected
}

// BackoffDelay returns min(BaseBackoff * 2^attempts, MaxBackoff).
func BackoffDelay(attempts int) time.Duration {
	d := BaseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}

// StartState picks the running state for a job: incremental once every
// known folder finished its first full listing, backfill otherwise.
func StartState(cursors []Cursor) JobState {
	if len(cursors) == 0 {
		return StateBackfill
	}
	for _, c := range cursors {
		if !c.Backfilled || c.Delta == "" {
			return StateBackfill
		}
	}
	return StateIncremental
}

// Outcome is what a finished job reports to the state machine.
type Outcome struct {
	// State is the running state the job ended in.
	State JobState
	Err   error
}

// Settle computes the persisted account state after a job.
//
//   - success: incremental, attempts reset, due again after poll.
//   - cancelled: back to the resting state, due again after poll.
//   - auth / permission denied: error with nothing scheduled.
//   - anything else: error -> backoff, due after the provider delay for
//     RateLimited or the exponential backoff otherwise.
func Settle(acct Account, out Outcome, now time.Time, poll time.Duration) SyncUpdate {
	u := SyncUpdate{
		AccountID: acct.ID,
		Attempts:  acct.Attempts,
		LastSync:  acct.LastSync,
	}

	switch {
	case out.Err == nil:
		u.State = StateIncremental
		u.Attempts = 0
		u.LastSync = now
		u.NextSync = now.Add(poll)

	case IsKind(out.Err, KindCancelled):
		u.State = StateIncremental
		if out.State != StateIncremental {
			u.State = StateIdle
		}
		u.LastError = acct.LastError
		u.NextSync = now.Add(poll)

	case Fatal(out.Err):
		u.State = StateError
		u.Attempts = acct.Attempts + 1
		u.LastError = out.Err.Error()

	default:
		delay := BackoffDelay(acct.Attempts)
		if IsKind(out.Err, KindRateLimited) {
			if ra := RetryAfterOf(out.Err); ra > 0 {
				delay = ra
			}
		}
		u.State = StateBackoff
		u.Attempts = acct.Attempts + 1
		u.LastError = out.Err.Error()
		u.NextSync = now.Add(delay)
	}

	u.Status = StatusFor(u.State)
	return u
}

// Job is the ephemeral run record of one account sync. It exists only
// while the account holds its job slot.
type Job struct {
	RunID     string
	AccountID string
	StartedAt time.Time

	mu    gosync.Mutex
	state JobState
	err   error
}

// NewJob creates a job record in the idle state.
func NewJob(runID, accountID string, startedAt time.Time) *Job {
	return &Job{RunID: runID, AccountID: accountID, StartedAt: startedAt, state: StateIdle}
}

// Advance moves the job to next, rejecting transitions the state
// machine does not allow.
func (j *Job) Advance(next JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == next && next.Running() {
		return nil
	}
	if !CanTransition(j.state, next) {
		return fmt.Errorf("invalid sync transition %s -> %s", j.state, next)
	}
	j.state = next
	return nil
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	j.err = err
	j.mu.Unlock()
}

// JobSnapshot is a consistent copy of a live job.
type JobSnapshot struct {
	RunID     string    `json:"run_id"`
	AccountID string    `json:"account_id"`
	State     JobState  `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

// Snapshot copies the job under its lock.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := JobSnapshot{
		RunID:     j.RunID,
		AccountID: j.AccountID,
		State:     j.state,
		StartedAt: j.StartedAt,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}
