package statemgr

import (
	"testing"
	"time"

	"github.com/foldersync/foldersyncd/internal/engerr"
	"github.com/foldersync/foldersyncd/internal/eventbus"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/store/leveldb"
)

func newTestManager(t *testing.T) (*Manager, *leveldb.DB, *eventbus.Bus) {
	t.Helper()
	db, err := leveldb.OpenTemp()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	bus := eventbus.New(nil)
	return New(db, bus), db, bus
}

func seedFile(t *testing.T, db *leveldb.DB, state model.SyncState) model.FileRecord {
	t.Helper()
	_, _, _, err := db.Files().BulkReplaceForJob("abcdef0123456789abcdef01", []model.FileRecord{
		{JobID: "abcdef0123456789abcdef01", RelativePath: "a.txt", Filename: "a.txt", SyncState: state, Remote: model.SideInfo{Exists: true, Size: 10}},
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	f, err := db.Files().Get("abcdef0123456789abcdef01", "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestTransitionPermitted(t *testing.T) {
	mgr, db, _ := newTestManager(t)
	f := seedFile(t, db, model.StateRemoteOnly)

	ok, err := mgr.Transition(f.ID, model.StateQueued, Options{})
	if err != nil || !ok {
		t.Fatalf("expected transition to succeed, ok=%v err=%v", ok, err)
	}
	got, _ := db.Files().GetByID(f.ID)
	if got.SyncState != model.StateQueued {
		t.Fatalf("expected queued, got %s", got.SyncState)
	}
}

func TestTransitionRejectedWithoutForce(t *testing.T) {
	mgr, db, _ := newTestManager(t)
	f := seedFile(t, db, model.StateRemoteOnly)

	ok, err := mgr.Transition(f.ID, model.StateSynced, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ok {
		t.Fatal("expected disallowed transition to report false")
	}
	got, _ := db.Files().GetByID(f.ID)
	if got.SyncState != model.StateRemoteOnly {
		t.Fatal("expected state to remain unchanged on rejection")
	}
}

func TestTransitionForceOverrides(t *testing.T) {
	mgr, db, _ := newTestManager(t)
	f := seedFile(t, db, model.StateRemoteOnly)

	ok, err := mgr.Transition(f.ID, model.StateSynced, Options{Force: true})
	if err != nil || !ok {
		t.Fatalf("expected forced transition to succeed, ok=%v err=%v", ok, err)
	}
}

func TestTransitioningToSyncedAppliesSideEffects(t *testing.T) {
	mgr, db, _ := newTestManager(t)
	f := seedFile(t, db, model.StateTransferring)

	_, err := mgr.Transition(f.ID, model.StateSynced, Options{})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := db.Files().GetByID(f.ID)
	if got.Transfer.Progress != 100 {
		t.Fatalf("expected progress=100, got %d", got.Transfer.Progress)
	}
	if got.Transfer.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	if !got.Local.Exists || got.Local.Size != got.Remote.Size {
		t.Fatalf("expected local side to mirror remote, got %+v", got.Local)
	}
}

func TestTransitioningToFailedIncrementsRetryCount(t *testing.T) {
	mgr, db, _ := newTestManager(t)
	f := seedFile(t, db, model.StateQueued)

	_, err := mgr.Transition(f.ID, model.StateFailed, Options{})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := db.Files().GetByID(f.ID)
	if got.Transfer.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", got.Transfer.RetryCount)
	}
	if got.Transfer.CompletedAt == nil {
		t.Fatal("expected completed_at to be set on failure")
	}
}

func TestTransitionEmitsEvents(t *testing.T) {
	mgr, db, bus := newTestManager(t)
	f := seedFile(t, db, model.StateRemoteOnly)

	sub, err := bus.Subscribe(eventbus.JobRoom(f.JobID))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if _, err := mgr.Transition(f.ID, model.StateQueued, Options{TransferID: "t1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Topic != eventbus.TopicFileStateUpdate {
			t.Fatalf("expected file:state:update first, got %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for file:state:update")
	}
	select {
	case ev := <-sub.Events():
		if ev.Topic != eventbus.TopicTransferStatus {
			t.Fatalf("expected transfer:status second, got %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transfer:status")
	}
}

func TestMarkFailedRecordsErrorCode(t *testing.T) {
	mgr, db, _ := newTestManager(t)
	f := seedFile(t, db, model.StateQueued)

	cause := engerr.New(engerr.Connection, "dial refused")
	if _, err := mgr.MarkFailed(f.ID, cause, "t1"); err != nil {
		t.Fatal(err)
	}
	hist, err := mgr.History(f.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Metadata["error_code"] != string(engerr.Connection) {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestHistoryBounded(t *testing.T) {
	mgr, db, _ := newTestManager(t)
	f := seedFile(t, db, model.StateRemoteOnly)

	state := model.StateRemoteOnly
	for i := 0; i < 15; i++ {
		var next model.SyncState
		if state == model.StateRemoteOnly {
			next = model.StateQueued
		} else {
			next = model.StateRemoteOnly
		}
		if _, err := mgr.Transition(f.ID, next, Options{}); err != nil {
			t.Fatal(err)
		}
		state = next
	}
	hist, err := mgr.History(f.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != model.MaxStateHistory {
		t.Fatalf("expected history capped at %d, got %d", model.MaxStateHistory, len(hist))
	}
}

func TestResetClearsTransferFields(t *testing.T) {
	mgr, db, _ := newTestManager(t)
	f := seedFile(t, db, model.StateTransferring)
	slot := 2
	db.Files().FindAndUpdate(f.ID, func(fr *model.FileRecord) error {
		fr.Transfer.JobConcurrencySlot = &slot
		fr.Transfer.ActiveTransferID = "t1"
		return nil
	})

	if err := mgr.Reset(f.ID, model.StateRemoteOnly, "emergency_reset", true); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Files().GetByID(f.ID)
	if got.SyncState != model.StateRemoteOnly {
		t.Fatalf("expected remote_only, got %s", got.SyncState)
	}
	if got.Transfer.JobConcurrencySlot != nil || got.Transfer.ActiveTransferID != "" {
		t.Fatalf("expected transfer fields cleared, got %+v", got.Transfer)
	}
}

func TestBatchTransitionIndependentFailures(t *testing.T) {
	mgr, db, _ := newTestManager(t)
	f := seedFile(t, db, model.StateRemoteOnly)

	results := mgr.BatchTransition([]BatchItem{
		{FileID: f.ID, Target: model.StateQueued},
		{FileID: "does-not-exist", Target: model.StateQueued},
	})
	if !results[0].Applied || results[0].Err != nil {
		t.Fatalf("expected first item to succeed, got %+v", results[0])
	}
	if results[1].Err == nil {
		t.Fatal("expected second item to fail for a nonexistent file")
	}
}
