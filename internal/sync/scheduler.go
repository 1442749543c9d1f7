package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// SchedulerConfig bounds the scheduler.
type SchedulerConfig struct {
	// TickInterval is how often due accounts are looked up.
	TickInterval time.Duration
	// MaxInFlight caps concurrent jobs across all accounts, including
	// manual triggers.
	MaxInFlight int
	// QueueSize bounds the dispatch queue; due accounts that do not fit
	// stay due for a later tick.
	QueueSize int
	// PollInterval is the delay before a successful account is due again.
	PollInterval time.Duration
}

func (c *SchedulerConfig) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
}

// JobStatus is the queryable sync status of one account.
type JobStatus struct {
	AccountID string        `json:"account_id"`
	Provider  ProviderKind  `json:"provider"`
	Email     string        `json:"email"`
	State     JobState      `json:"state"`
	Status    AccountStatus `json:"status"`
	Running   bool          `json:"running"`
	RunID     string        `json:"run_id,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	LastSync  *time.Time    `json:"last_sync,omitempty"`
	NextSync  *time.Time    `json:"next_sync,omitempty"`
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Skipped    int64 `json:"skipped"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
}

type liveJob struct {
	job    *Job
	cancel context.CancelFunc
}

// Scheduler dispatches at most one job per account, bounded by a global
// in-flight cap. The tick enqueues due accounts; workers drain the queue.
type Scheduler struct {
	cfg    SchedulerConfig
	repo   Repository
	runner *Runner
	slots  *slots
	sem    *semaphore.Weighted
	queue  chan string
	log    zerolog.Logger
	now    func() time.Time

	mu     gosync.Mutex
	queued map[string]struct{}
	jobs   map[string]*liveJob
	base   context.Context

	dispatched atomic.Int64
	skipped    atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
}

// NewScheduler creates a scheduler. Run starts it.
func NewScheduler(cfg SchedulerConfig, repo Repository, runner *Runner, log zerolog.Logger) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:    cfg,
		repo:   repo,
		runner: runner,
		slots:  newSlots(),
		sem:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		queue:  make(chan string, cfg.QueueSize),
		log:    log.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
		queued: make(map[string]struct{}),
		jobs:   make(map[string]*liveJob),
		base:   context.Background(),
	}
}

// Run ticks and executes jobs until ctx is done. Running jobs are
// cancelled on shutdown and Run waits for them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			s.Tick(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	for range s.cfg.MaxInFlight {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	s.log.Info().
		Dur("tick", s.cfg.TickInterval).
		Int("max_in_flight", s.cfg.MaxInFlight).
		Msg("scheduler started")
	err := g.Wait()
	s.log.Info().Msg("scheduler stopped")
	return err
}

// Tick enqueues every due account, oldest NextSync first. Accounts that
// are already queued or running are skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.repo.ListDueAccounts(ctx, s.now(), s.cfg.QueueSize)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("list due accounts")
		}
		return
	}
	for _, acct := range due {
		if !s.enqueue(acct.ID) {
			s.skipped.Inc()
		}
	}
}

func (s *Scheduler) enqueue(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[accountID]; ok {
		return false
	}
	if s.slots.busy(accountID) {
		return false
	}
	select {
	case s.queue <- accountID:
		s.queued[accountID] = struct{}{}
		return true
	default:
		s.log.Debug().Str("account_id", accountID).Msg("dispatch queue full, account stays due")
		return false
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.mu.Lock()
			delete(s.queued, id)
			s.mu.Unlock()
			s.dispatch(ctx, id)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, accountID string) {
	if !s.slots.tryAcquire(accountID) {
		s.skipped.Inc()
		s.log.Debug().Str("account_id", accountID).Msg("account busy, skipping")
		return
	}
	defer s.slots.release(accountID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && ctx.Err() == nil {
			s.log.Error().Err(err).Str("account_id", accountID).Msg("load account")
		}
		return
	}
	// The account may have been settled by a trigger since it was queued.
	if acct.NextSync.IsZero() || acct.NextSync.After(s.now()) {
		s.skipped.Inc()
		return
	}
	s.dispatched.Inc()
	s.execute(ctx, *acct)
}

// Trigger runs a job for accountID now and returns the settled status.
// It fails with ErrJobRunning while another job holds the account.
func (s *Scheduler) Trigger(ctx context.Context, accountID string) (JobStatus, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return JobStatus{}, err
	}
	if !s.slots.tryAcquire(accountID) {
		return JobStatus{}, ErrJobRunning
	}
	defer s.slots.release(accountID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return JobStatus{}, NewError(KindCancelled, "wait for sync capacity", err)
	}
	defer s.sem.Release(1)

	s.dispatched.Inc()
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	// The job outlives the request that triggered it only as long as the
	// scheduler does.
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(base, cancel)
	defer stop()
	defer cancel()

	s.execute(jctx, *acct)
	return s.Status(context.WithoutCancel(ctx), accountID)
}

// execute runs one job while the caller holds the account slot.
func (s *Scheduler) execute(ctx context.Context, acct Account) {
	job := NewJob(uuid.NewString(), acct.ID, s.now())
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.jobs[acct.ID] = &liveJob{job: job, cancel: cancel}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.jobs, acct.ID)
		s.mu.Unlock()
	}()

	out := s.runner.Run(jctx, job, acct)
	u := Settle(acct, out, s.now(), s.cfg.PollInterval)
	Finish(job, u)

	if err := s.repo.UpdateSyncState(context.WithoutCancel(ctx), u); err != nil {
		s.log.Error().Err(err).Str("account_id", acct.ID).Msg("persist sync state")
	}

	ev := s.log.Info()
	if out.Err != nil && !IsKind(out.Err, KindCancelled) {
		s.failed.Inc()
		ev = s.log.Warn().Err(out.Err).Str("kind", string(KindOf(out.Err)))
	} else {
		s.succeeded.Inc()
	}
	ev.Str("account_id", acct.ID).
		Str("run_id", job.RunID).
		Str("state", string(u.State)).
		Int("attempts", u.Attempts).
		Time("next_sync", u.NextSync).
		Msg("sync job settled")
}

// Cancel stops the running job of accountID between adapter calls. It
// reports whether a job was running.
func (s *Scheduler) Cancel(accountID string) bool {
	s.mu.Lock()
	lj, ok := s.jobs[accountID]
	s.mu.Unlock()
	if ok {
		lj.cancel()
	}
	return ok
}

// Status returns the persisted state of accountID merged with its live
// job, if any.
func (s *Scheduler) Status(ctx context.Context, accountID string) (JobStatus, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return JobStatus{}, err
	}
	return s.status(*acct), nil
}

// Statuses lists the status of every account of userID.
func (s *Scheduler) Statuses(ctx context.Context, userID string) ([]JobStatus, error) {
	accts, err := s.repo.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]JobStatus, 0, len(accts))
	for _, a := range accts {
		out = append(out, s.status(a))
	}
	return out, nil
}

func (s *Scheduler) status(a Account) JobStatus {
	st := JobStatus{
		AccountID: a.ID,
		Provider:  a.Provider,
		Email:     a.Email,
		State:     a.State,
		Status:    a.Status,
		Attempts:  a.Attempts,
		LastError: a.LastError,
		LastSync:  timePtr(a.LastSync),
		NextSync:  timePtr(a.NextSync),
	}
	s.mu.Lock()
	lj, ok := s.jobs[a.ID]
	s.mu.Unlock()
	if ok {
		snap := lj.job.Snapshot()
		st.Running = snap.State.Running()
		st.RunID = snap.RunID
		st.StartedAt = timePtr(snap.StartedAt)
		if snap.State.Running() {
			st.State = snap.State
			st.Status = StatusFor(snap.State)
		}
	}
	return st
}

// Enqueue makes accountID due now and clears any pending backoff.
func (s *Scheduler) Enqueue(ctx context.Context, accountID string) error {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	return s.repo.UpdateSyncState(ctx, SyncUpdate{
		AccountID: acct.ID,
		State:     acct.State,
		Status:    acct.Status,
		LastError: acct.LastError,
		LastSync:  acct.LastSync,
		NextSync:  s.now(),
	})
}

// Resync requests a new sync of accountID. A full resync drops every
// stored cursor first, so the next job backfills all folders.
func (s *Scheduler) Resync(ctx context.Context, accountID string, full bool) error {
	if !full {
		return s.Enqueue(ctx, accountID)
	}
	return s.WithAccount(ctx, accountID, func(ctx context.Context) error {
		acct, err := s.repo.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := s.repo.ResetCursors(ctx, accountID); err != nil {
			return fmt.Errorf("reset cursors: %w", err)
		}
		return s.repo.UpdateSyncState(ctx, SyncUpdate{
			AccountID: acct.ID,
			State:     StateIdle,
			Status:    StatusFor(StateIdle),
			LastSync:  acct.LastSync,
			NextSync:  s.now(),
		})
	})
}

// WithAccount runs fn while holding the account slot, waiting for a
// running job to finish first. Mailbox writes go through it so they never
// interleave with the reconciler.
func (s *Scheduler) WithAccount(ctx context.Context, accountID string, fn func(ctx context.Context) error) error {
	if err := s.slots.acquire(ctx, accountID); err != nil {
		return err
	}
	defer s.slots.release(accountID)
	return fn(ctx)
}

// Forget cancels any running job of accountID, runs drop under the
// account slot and then discards the slot.
func (s *Scheduler) Forget(ctx context.Context, accountID string, drop func(ctx context.Context) error) error {
	s.Cancel(accountID)
	if err := s.WithAccount(ctx, accountID, drop); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.queued, accountID)
	s.mu.Unlock()
	s.slots.forget(accountID)
	return nil
}

// Connect returns an authenticated adapter for acct sharing the job
// runner's credential gate.
func (s *Scheduler) Connect(ctx context.Context, acct Account) (MailProvider, error) {
	return s.runner.Connect(ctx, acct)
}

// Stats returns the cumulative counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Dispatched: s.dispatched.Load(),
		Skipped:    s.skipped.Load(),
		Succeeded:  s.succeeded.Load(),
		Failed:     s.failed.Load(),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
