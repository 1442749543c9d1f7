package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPageLimit is the page size requested from providers.
const DefaultPageLimit = 50

// Runner executes one sync job for one account: connect, list folders,
// then pull every folder from its stored cursor.
type Runner struct {
	repo        Repository
	gate        *credentialGate
	factory     ProviderFactory
	reconciler  *Reconciler
	callTimeout time.Duration
	pageLimit   int
	log         zerolog.Logger
	now         func() time.Time
}

// RunnerConfig holds the per-job knobs.
type RunnerConfig struct {
	CallTimeout time.Duration
	PageLimit   int
}

// NewRunner wires a runner.
func NewRunner(repo Repository, creds CredentialStore, factory ProviderFactory, cfg RunnerConfig, log zerolog.Logger) *Runner {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	return &Runner{
		repo:        repo,
		gate:        newCredentialGate(creds, cfg.CallTimeout),
		factory:     factory,
		reconciler:  NewReconciler(repo),
		callTimeout: cfg.CallTimeout,
		pageLimit:   cfg.PageLimit,
		log:         log.With().Str("component", "sync-runner").Logger(),
		now:         time.Now,
	}
}

// Connect builds an authenticated, call-bounded adapter for acct. A
// rejected credential is refreshed once through the per-account gate.
func (r *Runner) Connect(ctx context.Context, acct Account) (MailProvider, error) {
	cred, err := r.gate.get(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	prov, err := r.open(ctx, acct, cred)
	if err != nil {
		return nil, err
	}
	err = prov.Authenticate(ctx)
	if err == nil {
		return prov, nil
	}
	if !IsKind(err, KindAuth) {
		return nil, err
	}

	r.log.Info().Str("account_id", acct.ID).Msg("credential rejected, refreshing")
	cred, err = r.gate.refresh(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	if prov, err = r.open(ctx, acct, cred); err != nil {
		return nil, err
	}
	if err := prov.Authenticate(ctx); err != nil {
		return nil, err
	}
	return prov, nil
}

func (r *Runner) open(ctx context.Context, acct Account, cred *Credential) (MailProvider, error) {
	prov, err := r.factory(ctx, acct, cred)
	if err != nil {
		var se *Error
		if !errors.As(err, &se) {
			err = NewError(KindUnknown, "create provider", err)
		}
		return nil, err
	}
	return WithCallTimeout(prov, r.callTimeout), nil
}

// jobRun is the mutable state of one Run call.
type jobRun struct {
	job  *Job
	acct Account
	prov MailProvider
	log  zerolog.Logger
	// sweeps holds, per folder freshly listed from its first page in this
	// run, the ids the listing returned.
	sweeps map[string]map[string]struct{}
	// seen is every id returned by any listing in this run.
	seen  map[string]struct{}
	total PageResult
}

// Run executes job for acct and reports where it ended. It never
// persists the final account state; the caller settles the outcome.
func (r *Runner) Run(ctx context.Context, job *Job, acct Account) Outcome {
	log := r.log.With().Str("account_id", acct.ID).Str("run_id", job.RunID).Logger()

	cursors, err := r.repo.ListCursors(ctx, acct.ID)
	if err != nil {
		return r.abort(job, StateIdle, fmt.Errorf("list cursors: %w", err))
	}
	start := StartState(cursors)
	if err := job.Advance(start); err != nil {
		return r.abort(job, StateIdle, err)
	}
	if err := r.repo.UpdateSyncState(ctx, SyncUpdate{
		AccountID: acct.ID,
		State:     start,
		Status:    StatusFor(start),
		Attempts:  acct.Attempts,
		LastError: acct.LastError,
		LastSync:  acct.LastSync,
		NextSync:  acct.NextSync,
	}); err != nil {
		return r.abort(job, start, fmt.Errorf("mark job started: %w", err))
	}
	log.Info().Str("state", string(start)).Msg("sync job started")

	run := &jobRun{
		job:    job,
		acct:   acct,
		log:    log,
		sweeps: make(map[string]map[string]struct{}),
		seen:   make(map[string]struct{}),
	}

	if err := r.run(ctx, run); err != nil {
		state := job.Snapshot().State
		if ctx.Err() != nil && !IsKind(err, KindCancelled) {
			err = NewError(KindCancelled, "sync job", err)
		}
		return r.abort(job, state, err)
	}

	log.Info().
		Int("created", run.total.Created).
		Int("updated", run.total.Updated).
		Int("deleted", run.total.Deleted).
		Msg("sync job finished")
	return Outcome{State: job.Snapshot().State}
}

func (r *Runner) abort(job *Job, state JobState, err error) Outcome {
	job.fail(err)
	return Outcome{State: state, Err: err}
}

func (r *Runner) run(ctx context.Context, run *jobRun) error {
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	prov, err := r.Connect(ctx, run.acct)
	if err != nil {
		return err
	}
	run.prov = prov

	if err := checkCancelled(ctx); err != nil {
		return err
	}
	folders, err := prov.ListFolders(ctx)
	if err != nil {
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	if err := r.reconciler.ReconcileFolders(context.WithoutCancel(ctx), run.acct.ID, folders); err != nil {
		return err
	}

	for _, f := range folders {
		if err := r.pullFolder(ctx, run, f.ProviderID); err != nil {
			return fmt.Errorf("folder %s: %w", f.ProviderID, err)
		}
	}

	// Deferred to the end so that a message moved between folders is
	// seen at its new location before the old one is swept.
	for folderID, ids := range run.sweeps {
		for id := range run.seen {
			ids[id] = struct{}{}
		}
		n, err := r.reconciler.Sweep(context.WithoutCancel(ctx), run.acct.ID, folderID, ids)
		if err != nil {
			return err
		}
		run.total.Deleted += n
	}
	return nil
}

// pullFolder pages through one folder from its stored cursor. The cursor
// is persisted after every reconciled page.
func (r *Runner) pullFolder(ctx context.Context, run *jobRun, folderID string) error {
	cur, err := r.repo.GetCursor(ctx, run.acct.ID, folderID)
	if err != nil {
		return fmt.Errorf("get cursor: %w", err)
	}
	c := *cur
	c.AccountID, c.FolderID = run.acct.ID, folderID

	backfill := c.Delta == "" || !c.Backfilled
	// fresh marks a backfill that began at the first page in this run.
	fresh := backfill && c.PageToken == ""
	if err := run.job.Advance(modeState(backfill)); err != nil {
		return err
	}

	for {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		req := ListRequest{FolderID: folderID, PageToken: c.PageToken, Limit: r.pageLimit}
		if !backfill {
			req.Since = c.Delta
		}
		page, err := run.prov.ListMessages(ctx, req)
		// A call that returns after the job was cancelled is discarded.
		if cerr := checkCancelled(ctx); cerr != nil {
			return cerr
		}
		if err != nil {
			// A stale delta cursor or a stale backfill page token both
			// restart the folder from its first page.
			if IsKind(err, KindCursorInvalid) && (!backfill || c.PageToken != "") {
				run.log.Warn().Str("folder_id", folderID).Err(err).Msg("cursor rejected, listing folder again")
				c = Cursor{AccountID: run.acct.ID, FolderID: folderID, UpdatedAt: r.now()}
				if err := r.repo.SetCursor(context.WithoutCancel(ctx), c); err != nil {
					return fmt.Errorf("reset cursor: %w", err)
				}
				backfill, fresh = true, true
				if err := run.job.Advance(StateBackfill); err != nil {
					return err
				}
				continue
			}
			return err
		}

		res, err := r.reconciler.ApplyPage(context.WithoutCancel(ctx), run.acct.ID, folderID, page)
		if err != nil {
			return err
		}
		run.total.add(res)
		for _, m := range page.Messages {
			run.seen[m.ProviderID] = struct{}{}
			if fresh {
				ids := run.sweeps[folderID]
				if ids == nil {
					ids = make(map[string]struct{})
					run.sweeps[folderID] = ids
				}
				ids[m.ProviderID] = struct{}{}
			}
		}
		if fresh && run.sweeps[folderID] == nil {
			run.sweeps[folderID] = make(map[string]struct{})
		}

		c.UpdatedAt = r.now()
		if page.NextPageToken != "" {
			c.PageToken = page.NextPageToken
			if err := r.repo.SetCursor(context.WithoutCancel(ctx), c); err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
			continue
		}

		c.PageToken = ""
		if page.Cursor != "" {
			c.Delta = page.Cursor
		}
		c.Backfilled = true
		if err := r.repo.SetCursor(context.WithoutCancel(ctx), c); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		run.log.Debug().
			Str("folder_id", folderID).
			Bool("backfill", backfill).
			Msg("folder pull complete")
		return nil
	}
}

func modeState(backfill bool) JobState {
	if backfill {
		return StateBackfill
	}
	return StateIncremental
}

func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewError(KindCancelled, "sync job", err)
	}
	return nil
}

// Finish walks job through the transitions implied by u so its final
// snapshot agrees with the persisted state.
func Finish(job *Job, u SyncUpdate) {
	switch u.State {
	case StateBackoff:
		_ = job.Advance(StateError)
		_ = job.Advance(StateBackoff)
	default:
		_ = job.Advance(u.State)
	}
}
