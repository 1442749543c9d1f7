package sync

import (
	"context"
	"testing"
	"time"
)

func TestCallTimeoutIsTransient(t *testing.T) {
	prov := &fakeProvider{block: make(chan struct{})}
	bounded := WithCallTimeout(prov, 20*time.Millisecond)

	_, err := bounded.ListMessages(context.Background(), ListRequest{FolderID: "INBOX"})
	if !IsKind(err, KindTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestCallOutlivesJobCancellation(t *testing.T) {
	prov := &fakeProvider{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	bounded := WithCallTimeout(prov, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := bounded.ListMessages(ctx, ListRequest{FolderID: "INBOX"})
		errc <- err
	}()
	<-prov.entered
	cancel()

	select {
	case err := <-errc:
		t.Fatalf("call returned on job cancellation: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	close(prov.block)
	if err := <-errc; err != nil {
		t.Fatalf("call after release: %v", err)
	}
}
