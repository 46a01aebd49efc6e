package recovery

import (
	"testing"
	"time"

	"github.com/foldersync/foldersyncd/internal/concurrency"
	"github.com/foldersync/foldersyncd/internal/eventbus"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/statemgr"
	"github.com/foldersync/foldersyncd/internal/store"
	"github.com/foldersync/foldersyncd/internal/store/leveldb"
)

type fakeProcessChecker struct {
	active map[string]bool
}

func (f *fakeProcessChecker) IsActive(transferID string) bool { return f.active[transferID] }

type fakeQueueRebuilder struct {
	calls int
}

func (f *fakeQueueRebuilder) InitializeFromStore() error {
	f.calls++
	return nil
}

func newTestService(t *testing.T, proc ProcessChecker, queue QueueRebuilder, cfg Config) (*Service, *leveldb.DB) {
	t.Helper()
	db, err := leveldb.OpenTemp()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Jobs().Put(model.Job{ID: "j1", Parallelism: model.Parallelism{MaxConcurrentTransfers: 2, MaxConnectionsPerTransfer: 1}}); err != nil {
		t.Fatal(err)
	}
	state := statemgr.New(db, nil)
	conc := concurrency.New(db)
	s := New(db, state, conc, queue, proc, nil, cfg)
	return s, db
}

func putFile(t *testing.T, db *leveldb.DB, rec model.FileRecord) model.FileRecord {
	t.Helper()
	db.Files().BulkReplaceForJob(rec.JobID, []model.FileRecord{rec}, time.Now())
	recs, err := db.Files().Find(store.FileFilter{JobID: rec.JobID}, store.FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var out model.FileRecord
	for _, r := range recs {
		if r.RelativePath == rec.RelativePath {
			out = r
		}
	}
	updated, err := db.Files().FindAndUpdate(out.ID, func(f *model.FileRecord) error {
		f.SyncState = rec.SyncState
		f.Transfer = rec.Transfer
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return updated
}

func TestBootResetsStuckTransfer(t *testing.T) {
	s, db := newTestService(t, &fakeProcessChecker{}, &fakeQueueRebuilder{}, Config{StuckThreshold: time.Minute})

	old := time.Now().Add(-2 * time.Hour)
	rec := putFile(t, db, model.FileRecord{
		JobID: "j1", RelativePath: "a.txt", Filename: "a.txt",
		SyncState: model.StateTransferring,
		Transfer:  model.Transfer{LastStateChange: old, ActiveTransferID: "xfr-stuck"},
	})

	stats, err := s.Boot()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Stuck != 1 {
		t.Fatalf("expected 1 stuck transfer recovered, got %+v", stats)
	}

	got, err := db.Files().GetByID(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncState != model.StateFailed {
		t.Fatalf("expected failed, got %s", got.SyncState)
	}
	if got.Transfer.ActiveTransferID != "" {
		t.Fatalf("expected active_transfer_id cleared, got %q", got.Transfer.ActiveTransferID)
	}
}

func TestBootEmitsErrorOccurredForStuckTransfer(t *testing.T) {
	db, err := leveldb.OpenTemp()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Jobs().Put(model.Job{ID: "abcdef0123456789abcdef01", Parallelism: model.Parallelism{MaxConcurrentTransfers: 2, MaxConnectionsPerTransfer: 1}}); err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New(nil)
	state := statemgr.New(db, bus)
	conc := concurrency.New(db)
	s := New(db, state, conc, &fakeQueueRebuilder{}, &fakeProcessChecker{}, bus, Config{StuckThreshold: time.Minute})

	sub, err := bus.Subscribe(eventbus.JobRoom("abcdef0123456789abcdef01"))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	old := time.Now().Add(-2 * time.Hour)
	putFile(t, db, model.FileRecord{
		JobID: "abcdef0123456789abcdef01", RelativePath: "a.txt", Filename: "a.txt",
		SyncState: model.StateTransferring,
		Transfer:  model.Transfer{LastStateChange: old, ActiveTransferID: "xfr-stuck"},
	})

	if _, err := s.Boot(); err != nil {
		t.Fatal(err)
	}

	var sawError bool
	drain := true
	for drain {
		select {
		case ev := <-sub.Events():
			if ev.Topic == eventbus.TopicErrorOccurred {
				p := ev.Payload.(eventbus.ErrorOccurred)
				if p.Type == eventbus.ErrorTransfer && p.JobID == "abcdef0123456789abcdef01" {
					sawError = true
				}
			}
		default:
			drain = false
		}
	}
	if !sawError {
		t.Fatalf("expected an error:occurred{type:transfer} event for the stuck transfer")
	}
}

func TestBootResetsOrphanedTransfer(t *testing.T) {
	proc := &fakeProcessChecker{active: map[string]bool{}} // xfr-orphan is not active
	s, db := newTestService(t, proc, &fakeQueueRebuilder{}, Config{})

	rec := putFile(t, db, model.FileRecord{
		JobID: "j1", RelativePath: "a.txt", Filename: "a.txt",
		SyncState: model.StateTransferring,
		Transfer:  model.Transfer{LastStateChange: time.Now(), ActiveTransferID: "xfr-orphan"},
	})

	stats, err := s.Boot()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Orphaned != 1 {
		t.Fatalf("expected 1 orphaned transfer recovered, got %+v", stats)
	}

	got, err := db.Files().GetByID(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncState != model.StateRemoteOnly {
		t.Fatalf("expected remote_only, got %s", got.SyncState)
	}
}

func TestBootLeavesLiveTransferAlone(t *testing.T) {
	proc := &fakeProcessChecker{active: map[string]bool{"xfr-live": true}}
	s, db := newTestService(t, proc, &fakeQueueRebuilder{}, Config{})

	rec := putFile(t, db, model.FileRecord{
		JobID: "j1", RelativePath: "a.txt", Filename: "a.txt",
		SyncState: model.StateTransferring,
		Transfer:  model.Transfer{LastStateChange: time.Now(), ActiveTransferID: "xfr-live"},
	})

	stats, err := s.Boot()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Orphaned != 0 || stats.Stuck != 0 {
		t.Fatalf("expected the live transfer untouched, got %+v", stats)
	}

	got, err := db.Files().GetByID(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncState != model.StateTransferring {
		t.Fatalf("expected transferring unchanged, got %s", got.SyncState)
	}
}

func TestValidateSlotsReleasesDriftedSlot(t *testing.T) {
	s, db := newTestService(t, &fakeProcessChecker{}, &fakeQueueRebuilder{}, Config{})

	slot := 0
	rec := putFile(t, db, model.FileRecord{
		JobID: "j1", RelativePath: "a.txt", Filename: "a.txt",
		SyncState: model.StateSynced, // drifted: holds a slot but is no longer in flight
		Transfer:  model.Transfer{LastStateChange: time.Now(), JobConcurrencySlot: &slot},
	})

	stats, err := s.Boot()
	if err != nil {
		t.Fatal(err)
	}
	if stats.ReleasedSlots != 1 {
		t.Fatalf("expected 1 released slot, got %+v", stats)
	}

	got, err := db.Files().GetByID(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Transfer.JobConcurrencySlot != nil {
		t.Fatal("expected job_concurrency_slot cleared")
	}
}

func TestBootRebuildsCachesAndQueue(t *testing.T) {
	queue := &fakeQueueRebuilder{}
	s, _ := newTestService(t, &fakeProcessChecker{}, queue, Config{})

	if _, err := s.Boot(); err != nil {
		t.Fatal(err)
	}
	if queue.calls != 1 {
		t.Fatalf("expected queue.InitializeFromStore called once, got %d", queue.calls)
	}
}

func TestEmergencyResetClearsNonTerminalRecords(t *testing.T) {
	s, db := newTestService(t, &fakeProcessChecker{}, &fakeQueueRebuilder{}, Config{})

	rec := putFile(t, db, model.FileRecord{
		JobID: "j1", RelativePath: "a.txt", Filename: "a.txt",
		SyncState: model.StateQueued,
		Transfer:  model.Transfer{LastStateChange: time.Now()},
	})

	n, err := s.EmergencyReset()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record reset, got %d", n)
	}

	got, err := db.Files().GetByID(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncState != model.StateRemoteOnly {
		t.Fatalf("expected remote_only, got %s", got.SyncState)
	}
}

func TestStartAndStopTickIsIdempotent(t *testing.T) {
	s, _ := newTestService(t, &fakeProcessChecker{}, &fakeQueueRebuilder{}, Config{TickInterval: 10 * time.Millisecond})
	s.Start()
	s.Start() // second call is a no-op, not a second goroutine
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop() // idempotent
}
