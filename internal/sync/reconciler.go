package sync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reconciler merges provider pages into canonical storage. It only ever
// writes rows whose provider values changed, so applying a page twice
// leaves storage as the first application did.
type Reconciler struct {
	repo Repository
	now  func() time.Time
}

// NewReconciler builds a reconciler over repo.
func NewReconciler(repo Repository) *Reconciler {
	return &Reconciler{repo: repo, now: time.Now}
}

// PageResult counts the writes one page caused.
type PageResult struct {
	Created int
	Updated int
	Deleted int
}

// Writes is the number of rows the page touched.
func (r PageResult) Writes() int { return r.Created + r.Updated + r.Deleted }

func (r *PageResult) add(o PageResult) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
}

// ApplyPage reconciles one page of folderID for accountID in a single
// transaction: absent envelopes are inserted, present ones updated field
// by field, and explicitly removed ids deleted.
func (r *Reconciler) ApplyPage(ctx context.Context, accountID, folderID string, page *Page) (PageResult, error) {
	var res PageResult
	if page == nil {
		return res, nil
	}
	err := r.repo.WithinTx(ctx, func(tx Repository) error {
		res = PageResult{}
		now := r.now()
		var changes []Change

		for _, m := range page.Messages {
			m.AccountID = accountID
			if m.FolderID == "" {
				m.FolderID = folderID
			}
			ch, err := reconcileMessage(ctx, tx, m)
			if err != nil {
				return err
			}
			if ch == nil {
				continue
			}
			ch.At = now
			if ch.Kind == ChangeMessageCreated {
				res.Created++
			} else {
				res.Updated++
			}
			changes = append(changes, *ch)
		}

		for _, id := range page.Removed {
			ok, err := deleteMessage(ctx, tx, accountID, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			res.Deleted++
			changes = append(changes, Change{
				AccountID:  accountID,
				Kind:       ChangeMessageDeleted,
				ProviderID: id,
				FolderID:   folderID,
				At:         now,
			})
		}

		if len(changes) == 0 {
			return nil
		}
		return tx.AppendChanges(ctx, changes)
	})
	if err != nil {
		return PageResult{}, fmt.Errorf("reconcile page of %s: %w", folderID, err)
	}
	return res, nil
}

// reconcileMessage inserts or updates m and returns the change it caused,
// or nil when the stored row already matches.
func reconcileMessage(ctx context.Context, tx Repository, m Message) (*Change, error) {
	existing, err := tx.GetMessage(ctx, m.AccountID, m.ProviderID)
	if errors.Is(err, ErrNotFound) {
		if err := tx.UpsertMessage(ctx, m); err != nil {
			return nil, err
		}
		return &Change{
			AccountID:  m.AccountID,
			Kind:       ChangeMessageCreated,
			ProviderID: m.ProviderID,
			FolderID:   m.FolderID,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	updated, fields := diffMessage(*existing, m)
	if len(fields) == 0 {
		return nil, nil
	}
	if err := tx.UpsertMessage(ctx, updated); err != nil {
		return nil, err
	}
	return &Change{
		AccountID:  m.AccountID,
		Kind:       ChangeMessageUpdated,
		ProviderID: m.ProviderID,
		FolderID:   updated.FolderID,
		Fields:     fields,
	}, nil
}

// diffMessage applies the mutable provider fields of incoming onto
// stored and names the ones that differed.
func diffMessage(stored, incoming Message) (Message, []string) {
	var fields []string
	if stored.Subject != incoming.Subject {
		stored.Subject = incoming.Subject
		fields = append(fields, "subject")
	}
	if stored.IsRead != incoming.IsRead {
		stored.IsRead = incoming.IsRead
		fields = append(fields, "is_read")
	}
	if stored.FolderID != incoming.FolderID {
		stored.FolderID = incoming.FolderID
		fields = append(fields, "folder_id")
	}
	if stored.Size != incoming.Size {
		stored.Size = incoming.Size
		fields = append(fields, "size")
	}
	return stored, fields
}

func deleteMessage(ctx context.Context, tx Repository, accountID, providerID string) (bool, error) {
	if _, err := tx.GetMessage(ctx, accountID, providerID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := tx.DeleteMessage(ctx, accountID, providerID); err != nil {
		return false, err
	}
	return true, nil
}

// Sweep deletes stored messages of folderID that are not in seen. It is
// only valid after a complete listing of the folder.
func (r *Reconciler) Sweep(ctx context.Context, accountID, folderID string, seen map[string]struct{}) (int, error) {
	deleted := 0
	err := r.repo.WithinTx(ctx, func(tx Repository) error {
		deleted = 0
		ids, err := tx.ListFolderMessageIDs(ctx, accountID, folderID)
		if err != nil {
			return err
		}
		now := r.now()
		var changes []Change
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			if err := tx.DeleteMessage(ctx, accountID, id); err != nil {
				return err
			}
			deleted++
			changes = append(changes, Change{
				AccountID:  accountID,
				Kind:       ChangeMessageDeleted,
				ProviderID: id,
				FolderID:   folderID,
				At:         now,
			})
		}
		if len(changes) == 0 {
			return nil
		}
		return tx.AppendChanges(ctx, changes)
	})
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", folderID, err)
	}
	return deleted, nil
}

// ReconcileFolders upserts the provider folder list and emits a
// change for every folder that is new or renamed.
func (r *Reconciler) ReconcileFolders(ctx context.Context, accountID string, folders []Folder) error {
	stored, err := r.repo.ListFolders(ctx, accountID)
	if err != nil {
		return fmt.Errorf("list stored folders: %w", err)
	}
	known := make(map[string]Folder, len(stored))
	for _, f := range stored {
		known[f.ProviderID] = f
	}

	now := r.now()
	var changes []Change
	for _, f := range folders {
		f.AccountID = accountID
		if old, ok := known[f.ProviderID]; ok && old == f {
			continue
		}
		if err := r.repo.UpsertFolder(ctx, f); err != nil {
			return fmt.Errorf("upsert folder %s: %w", f.ProviderID, err)
		}
		changes = append(changes, Change{
			AccountID:  accountID,
			Kind:       ChangeFolderUpserted,
			ProviderID: f.ProviderID,
			FolderID:   f.ProviderID,
			At:         now,
		})
	}
	if len(changes) == 0 {
		return nil
	}
	return r.repo.AppendChanges(ctx, changes)
}
