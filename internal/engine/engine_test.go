package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/foldersync/foldersyncd/internal/cliconfig"
	"github.com/foldersync/foldersyncd/internal/copydriver"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := cliconfig.Config{
		StoreURI:                     filepath.Join(t.TempDir(), "db"),
		BindPort:                     18080,
		LogLevel:                     "error",
		MaxGlobalConcurrentProcesses: 2,
		ScanConcurrentMax:            1,
		TransferDefaultTimeoutMs:     60000,
		QueueSyncIntervalMs:          60000,
		RecoveryTickIntervalMs:       300000,
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func putTransferringFile(t *testing.T, e *Engine, jobID, transferID string) model.FileRecord {
	t.Helper()
	if err := e.store.Jobs().Put(model.Job{ID: jobID, SourceServerID: "s1", Target: model.Target{Local: true}}); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := e.store.Files().BulkReplaceForJob(jobID, []model.FileRecord{{
		JobID: jobID, RelativePath: "a.txt", Filename: "a.txt",
	}}, time.Now()); err != nil {
		t.Fatal(err)
	}
	recs, err := e.store.Files().Find(store.FileFilter{JobID: jobID}, store.FindOptions{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Find: %v (%d records)", err, len(recs))
	}
	rec := recs[0]

	updated, err := e.store.Files().FindAndUpdate(rec.ID, func(f *model.FileRecord) error {
		f.SyncState = model.StateTransferring
		f.Transfer.ActiveTransferID = transferID
		f.Transfer.LastStateChange = time.Now()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return updated
}

func TestOnTransferTerminalCancelledDoesNotScheduleRetry(t *testing.T) {
	e := newTestEngine(t)
	rec := putTransferringFile(t, e, "j1", "xfr-1")

	e.onTransferTerminal(copydriver.Outcome{
		TransferID: "xfr-1",
		FileID:     rec.ID,
		JobID:      "j1",
		State:      copydriver.Cancelled,
		ErrorMessage: "cancelled",
	})

	got, err := e.store.Files().GetByID(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncState != model.StateFailed {
		t.Fatalf("expected failed (cancelled collapses into failed), got %s", got.SyncState)
	}
	if len(got.Transfer.StateHistory) == 0 {
		t.Fatal("expected a state history entry")
	}
	last := got.Transfer.StateHistory[len(got.Transfer.StateHistory)-1]
	if last.Metadata["cancelled"] != "true" {
		t.Fatalf("expected cancelled=true metadata, got %+v", last.Metadata)
	}
	if got.Transfer.RetryCount != 1 {
		t.Fatalf("entering failed increments retry_count, cancellation included; got retry_count=%d", got.Transfer.RetryCount)
	}
}

func TestOnTransferTerminalCompleted(t *testing.T) {
	e := newTestEngine(t)
	rec := putTransferringFile(t, e, "j1", "xfr-2")

	e.onTransferTerminal(copydriver.Outcome{
		TransferID: "xfr-2",
		FileID:     rec.ID,
		JobID:      "j1",
		State:      copydriver.Completed,
	})

	got, err := e.store.Files().GetByID(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncState != model.StateSynced {
		t.Fatalf("expected synced, got %s", got.SyncState)
	}
}
