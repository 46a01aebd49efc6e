package txqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/foldersync/foldersyncd/internal/concurrency"
	"github.com/foldersync/foldersyncd/internal/copydriver"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/statemgr"
	"github.com/foldersync/foldersyncd/internal/store"
	"github.com/foldersync/foldersyncd/internal/store/leveldb"
)

// fakeDriver stands in for copydriver.Driver: it records every Start
// call and never reports a terminal outcome on its own, so tests
// control completion explicitly via the Queue's Complete/Fail/Cancel.
type fakeDriver struct {
	mut   sync.Mutex
	calls []string
	err   error
}

func (f *fakeDriver) Start(_ context.Context, transferID string, _ model.FileRecord, _ copydriver.CopyOptions) (string, error) {
	f.mut.Lock()
	f.calls = append(f.calls, transferID)
	f.mut.Unlock()
	return transferID, f.err
}

func (f *fakeDriver) callCount() int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return len(f.calls)
}

func fakeResolver(job model.Job, file model.FileRecord) (copydriver.CopyOptions, error) {
	return copydriver.CopyOptions{
		Job:    job,
		Source: copydriver.Endpoint{Path: "/src/" + file.RelativePath},
		Dest:   copydriver.Endpoint{Path: "/dst/" + file.RelativePath},
	}, nil
}

func newTestQueue(t *testing.T, maxConcurrent int, policy Policy) (*Queue, *leveldb.DB, *fakeDriver) {
	t.Helper()
	db, err := leveldb.OpenTemp()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	job := model.Job{
		ID:          "j1",
		Retries:     model.RetryPolicy{Max: 3, DelayMs: 50},
		Parallelism: model.Parallelism{MaxConcurrentTransfers: maxConcurrent, MaxConnectionsPerTransfer: 1},
	}
	if err := db.Jobs().Put(job); err != nil {
		t.Fatal(err)
	}

	conc := concurrency.New(db)
	state := statemgr.New(db, nil)
	driver := &fakeDriver{}
	q := New(db, state, conc, driver, nil, fakeResolver, policy)
	return q, db, driver
}

func seedFile(t *testing.T, db *leveldb.DB, relPath string, state model.SyncState) model.FileRecord {
	t.Helper()
	db.Files().BulkReplaceForJob("j1", []model.FileRecord{{JobID: "j1", RelativePath: relPath, Filename: relPath}}, time.Now())
	recs, err := db.Files().Find(store.FileFilter{JobID: "j1"}, store.FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var rec model.FileRecord
	for _, r := range recs {
		if r.RelativePath == relPath {
			rec = r
		}
	}
	if state != "" {
		updated, err := db.Files().FindAndUpdate(rec.ID, func(f *model.FileRecord) error {
			f.SyncState = state
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		rec = updated
	}
	return rec
}

func getState(t *testing.T, db *leveldb.DB, fileID string) model.SyncState {
	t.Helper()
	rec, err := db.Files().GetByID(fileID)
	if err != nil {
		t.Fatal(err)
	}
	return rec.SyncState
}

func TestEnqueueDrainsImmediatelyWhenSlotFree(t *testing.T) {
	q, db, driver := newTestQueue(t, 2, Policy{})
	rec := seedFile(t, db, "a.txt", model.StateRemoteOnly)

	ok, err := q.Enqueue("j1", rec.ID, Normal)
	if err != nil || !ok {
		t.Fatalf("expected enqueue to succeed, ok=%v err=%v", ok, err)
	}
	if got := getState(t, db, rec.ID); got != model.StateTransferring {
		t.Fatalf("expected transferring, got %s", got)
	}
	if driver.callCount() != 1 {
		t.Fatalf("expected driver.Start called once, got %d", driver.callCount())
	}
}

func TestEnqueueRejectsAlreadyQueuedOrTransferring(t *testing.T) {
	q, db, _ := newTestQueue(t, 2, Policy{})
	rec := seedFile(t, db, "a.txt", model.StateQueued)

	ok, err := q.Enqueue("j1", rec.ID, Normal)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected enqueue of an already-queued file to be rejected")
	}
}

func TestDrainPrefersHigherPriorityWhenSlotFrees(t *testing.T) {
	q, db, driver := newTestQueue(t, 1, Policy{})
	a := seedFile(t, db, "a.txt", model.StateRemoteOnly)
	b := seedFile(t, db, "b.txt", model.StateRemoteOnly)
	c := seedFile(t, db, "c.txt", model.StateRemoteOnly)

	// a takes the single slot immediately.
	if ok, err := q.Enqueue("j1", a.ID, Normal); err != nil || !ok {
		t.Fatalf("enqueue a: ok=%v err=%v", ok, err)
	}
	// b and c queue behind it; c at HIGH should jump ahead of b at LOW.
	if ok, err := q.Enqueue("j1", b.ID, Low); err != nil || !ok {
		t.Fatalf("enqueue b: ok=%v err=%v", ok, err)
	}
	if ok, err := q.EnqueueManual("j1", c.ID); err != nil || !ok {
		t.Fatalf("enqueue c: ok=%v err=%v", ok, err)
	}
	if got := getState(t, db, b.ID); got != model.StateQueued {
		t.Fatalf("expected b still queued, got %s", got)
	}
	if got := getState(t, db, c.ID); got != model.StateQueued {
		t.Fatalf("expected c still queued, got %s", got)
	}

	// Freeing a's slot should drain c (HIGH) before b (LOW).
	if err := q.Complete("", a.ID, "j1", nil); err != nil {
		t.Fatal(err)
	}
	if got := getState(t, db, c.ID); got != model.StateTransferring {
		t.Fatalf("expected c transferring after drain, got %s", got)
	}
	if got := getState(t, db, b.ID); got != model.StateQueued {
		t.Fatalf("expected b still queued after drain, got %s", got)
	}
	if driver.callCount() != 2 {
		t.Fatalf("expected 2 driver.Start calls (a, c), got %d", driver.callCount())
	}
}

func TestCompleteTransitionsToSynced(t *testing.T) {
	q, db, _ := newTestQueue(t, 2, Policy{})
	rec := seedFile(t, db, "a.txt", model.StateRemoteOnly)
	q.Enqueue("j1", rec.ID, Normal)

	if err := q.Complete("xfr-1", rec.ID, "j1", nil); err != nil {
		t.Fatal(err)
	}
	if got := getState(t, db, rec.ID); got != model.StateSynced {
		t.Fatalf("expected synced, got %s", got)
	}
}

func TestCancelQueuedReturnsToRemoteOnly(t *testing.T) {
	q, db, _ := newTestQueue(t, 1, Policy{})
	a := seedFile(t, db, "a.txt", model.StateRemoteOnly)
	b := seedFile(t, db, "b.txt", model.StateRemoteOnly)
	q.Enqueue("j1", a.ID, Normal) // takes the only slot
	q.Enqueue("j1", b.ID, Normal) // stays queued, no slot free

	if got := getState(t, db, b.ID); got != model.StateQueued {
		t.Fatalf("precondition: expected b queued, got %s", got)
	}
	if err := q.Cancel("", b.ID, "j1", "user_requested"); err != nil {
		t.Fatal(err)
	}
	if got := getState(t, db, b.ID); got != model.StateRemoteOnly {
		t.Fatalf("expected remote_only after cancelling a queued item, got %s", got)
	}
}

func TestCancelTransferringMarksFailed(t *testing.T) {
	q, db, _ := newTestQueue(t, 2, Policy{})
	rec := seedFile(t, db, "a.txt", model.StateRemoteOnly)
	q.Enqueue("j1", rec.ID, Normal)

	if err := q.Cancel("xfr-1", rec.ID, "j1", "user_requested"); err != nil {
		t.Fatal(err)
	}
	if got := getState(t, db, rec.ID); got != model.StateFailed {
		t.Fatalf("expected failed after cancelling an in-flight transfer, got %s", got)
	}
}

func TestFailSchedulesRetry(t *testing.T) {
	q, db, driver := newTestQueue(t, 2, Policy{})
	rec := seedFile(t, db, "a.txt", model.StateRemoteOnly)
	q.Enqueue("j1", rec.ID, Normal)

	if err := q.Fail("xfr-1", rec.ID, "j1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := getState(t, db, rec.ID); got != model.StateFailed {
		t.Fatalf("expected failed, got %s", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if getState(t, db, rec.ID) == model.StateTransferring {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := getState(t, db, rec.ID); got != model.StateTransferring {
		t.Fatalf("expected retry to re-enqueue and drain to transferring, got %s", got)
	}
	if driver.callCount() < 2 {
		t.Fatalf("expected at least 2 driver.Start calls (initial + retry), got %d", driver.callCount())
	}
}

func TestSyncWithStoreReEnqueuesOrphanedRecord(t *testing.T) {
	q, db, _ := newTestQueue(t, 2, Policy{})
	seedFile(t, db, "a.txt", model.StateQueued)

	stats, err := q.SyncWithStore()
	if err != nil {
		t.Fatal(err)
	}
	if stats.ReEnqueued != 1 {
		t.Fatalf("expected 1 re-enqueued record, got %d", stats.ReEnqueued)
	}
	if q.Len() != 1 {
		t.Fatalf("expected heap to hold 1 item, got %d", q.Len())
	}
}

func TestInitializeFromStoreRebuildsHeap(t *testing.T) {
	q, db, _ := newTestQueue(t, 2, Policy{})
	seedFile(t, db, "a.txt", model.StateQueued)
	seedFile(t, db, "b.txt", model.StateQueued)

	if err := q.InitializeFromStore(); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 items rebuilt, got %d", q.Len())
	}
}
