package sync

import (
	"context"
	"reflect"
	"testing"
)

func TestApplyPageIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	rec := NewReconciler(repo)
	page := &Page{Messages: envelopes("m", "INBOX", 10)}

	first, err := rec.ApplyPage(ctx, "a1", "INBOX", page)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if first.Created != 10 {
		t.Fatalf("created = %d, want 10", first.Created)
	}
	after, _ := repo.ListMessages(ctx, MessageFilter{AccountID: "a1"})
	writes := repo.writes

	second, err := rec.ApplyPage(ctx, "a1", "INBOX", page)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second.Writes() != 0 {
		t.Fatalf("second apply wrote %d rows, want 0", second.Writes())
	}
	if repo.writes != writes {
		t.Fatalf("repository saw %d writes on the second run", repo.writes-writes)
	}
	again, _ := repo.ListMessages(ctx, MessageFilter{AccountID: "a1"})
	if !reflect.DeepEqual(after, again) {
		t.Fatalf("stored state differs after re-applying the page")
	}
}

func TestApplyPageUpdatesOnlyChangedFields(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	rec := NewReconciler(repo)

	orig := Message{ProviderID: "m1", FolderID: "INBOX", Subject: "hello", Snippet: "first", Size: 10}
	if _, err := rec.ApplyPage(ctx, "a1", "INBOX", &Page{Messages: []Message{orig}}); err != nil {
		t.Fatal(err)
	}

	changed := orig
	changed.IsRead = true
	changed.FolderID = "Archive"
	changed.Snippet = "ignored"
	res, err := rec.ApplyPage(ctx, "a1", "INBOX", &Page{Messages: []Message{changed}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 {
		t.Fatalf("updated = %d, want 1", res.Updated)
	}

	got, err := repo.GetMessage(ctx, "a1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsRead || got.FolderID != "Archive" {
		t.Fatalf("tracked fields not applied: %+v", got)
	}
	if got.Snippet != "first" {
		t.Fatalf("untracked field overwritten: snippet = %q", got.Snippet)
	}

	last := repo.changes[len(repo.changes)-1]
	if last.Kind != ChangeMessageUpdated || !reflect.DeepEqual(last.Fields, []string{"is_read", "folder_id"}) {
		t.Fatalf("unexpected change %+v", last)
	}
}

func TestApplyPageRemoved(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	rec := NewReconciler(repo)
	if _, err := rec.ApplyPage(ctx, "a1", "INBOX", &Page{Messages: envelopes("m", "INBOX", 3)}); err != nil {
		t.Fatal(err)
	}

	res, err := rec.ApplyPage(ctx, "a1", "INBOX", &Page{Removed: []string{"m-1", "never-stored"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", res.Deleted)
	}
	if n := repo.messageCount("a1"); n != 2 {
		t.Fatalf("stored = %d, want 2", n)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	rec := NewReconciler(repo)
	if _, err := rec.ApplyPage(ctx, "a1", "INBOX", &Page{Messages: envelopes("m", "INBOX", 4)}); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.ApplyPage(ctx, "a1", "Sent", &Page{Messages: envelopes("s", "Sent", 2)}); err != nil {
		t.Fatal(err)
	}

	seen := map[string]struct{}{"m-0": {}, "m-2": {}}
	n, err := rec.Sweep(ctx, "a1", "INBOX", seen)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("swept = %d, want 2", n)
	}
	if _, err := repo.GetMessage(ctx, "a1", "s-0"); err != nil {
		t.Fatalf("sweep touched another folder: %v", err)
	}
}

func TestReconcileFolders(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	rec := NewReconciler(repo)
	folders := []Folder{
		{ProviderID: "INBOX", Name: "Inbox", Type: FolderInbox},
		{ProviderID: "Sent", Name: "Sent", Type: FolderSent},
	}
	if err := rec.ReconcileFolders(ctx, "a1", folders); err != nil {
		t.Fatal(err)
	}
	if err := rec.ReconcileFolders(ctx, "a1", folders); err != nil {
		t.Fatal(err)
	}
	if len(repo.changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(repo.changes))
	}
}
