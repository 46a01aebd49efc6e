package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foldersync/foldersyncd/internal/differ"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/store/leveldb"
)

type fakeScanner struct {
	mut    sync.Mutex
	calls  map[string]int
	delay  time.Duration
	concur int32
	maxSim int32
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{calls: make(map[string]int)}
}

func (f *fakeScanner) Compare(ctx context.Context, job model.Job) (differ.ComparisonStats, error) {
	cur := atomic.AddInt32(&f.concur, 1)
	for {
		old := atomic.LoadInt32(&f.maxSim)
		if cur <= old || atomic.CompareAndSwapInt32(&f.maxSim, old, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	atomic.AddInt32(&f.concur, -1)

	f.mut.Lock()
	f.calls[job.ID]++
	f.mut.Unlock()
	return differ.ComparisonStats{}, nil
}

func (f *fakeScanner) count(jobID string) int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.calls[jobID]
}

func newTestScheduler(t *testing.T, scan Scanner, cfg Config) (*Scheduler, *leveldb.DB) {
	t.Helper()
	db, err := leveldb.OpenTemp()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, scan, cfg), db
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartScansEveryEnabledJobImmediately(t *testing.T) {
	scan := newFakeScanner()
	s, db := newTestScheduler(t, scan, Config{})
	if err := db.Jobs().Put(model.Job{ID: "j1", Enabled: true, ScanIntervalMinutes: 5}); err != nil {
		t.Fatal(err)
	}
	if err := db.Jobs().Put(model.Job{ID: "j2", Enabled: true, ScanIntervalMinutes: 5}); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return scan.count("j1") >= 1 && scan.count("j2") >= 1 })
}

func TestGlobalConcurrentScanCapIsEnforced(t *testing.T) {
	scan := newFakeScanner()
	scan.delay = 100 * time.Millisecond
	s, db := newTestScheduler(t, scan, Config{MaxConcurrentScans: 1})
	for _, id := range []string{"j1", "j2", "j3"} {
		if err := db.Jobs().Put(model.Job{ID: id, Enabled: true, ScanIntervalMinutes: 5}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return scan.count("j1") >= 1 && scan.count("j2") >= 1 && scan.count("j3") >= 1
	})

	if atomic.LoadInt32(&scan.maxSim) > 1 {
		t.Fatalf("expected at most 1 concurrent scan, observed %d", scan.maxSim)
	}
}

func TestUpsertDisablingRemovesJobFromSchedule(t *testing.T) {
	scan := newFakeScanner()
	s, db := newTestScheduler(t, scan, Config{})
	job := model.Job{ID: "j1", Enabled: true, ScanIntervalMinutes: 5}
	if err := db.Jobs().Put(job); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return scan.count("j1") >= 1 })

	job.Enabled = false
	s.Upsert(job)

	statuses := s.Jobs()
	for _, st := range statuses {
		if st.JobID == "j1" {
			t.Fatal("expected j1 removed from schedule after disabling")
		}
	}
}

func TestUpsertNewEnabledJobIsScheduledImmediately(t *testing.T) {
	scan := newFakeScanner()
	s, _ := newTestScheduler(t, scan, Config{})

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	s.Upsert(model.Job{ID: "new-job", Enabled: true, ScanIntervalMinutes: 5})

	waitFor(t, time.Second, func() bool { return scan.count("new-job") >= 1 })
}

func TestStatsReportsTotalJobs(t *testing.T) {
	scan := newFakeScanner()
	scan.delay = 50 * time.Millisecond
	s, db := newTestScheduler(t, scan, Config{})
	if err := db.Jobs().Put(model.Job{ID: "j1", Enabled: true, ScanIntervalMinutes: 5}); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return s.Stats().TotalJobs == 1 })
}

func TestRestartReloadsJobsFromStore(t *testing.T) {
	scan := newFakeScanner()
	s, db := newTestScheduler(t, scan, Config{})
	if err := db.Jobs().Put(model.Job{ID: "j1", Enabled: true, ScanIntervalMinutes: 5}); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return scan.count("j1") >= 1 })

	if err := db.Jobs().Put(model.Job{ID: "j2", Enabled: true, ScanIntervalMinutes: 5}); err != nil {
		t.Fatal(err)
	}
	if err := s.Restart(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return scan.count("j2") >= 1 })
}
