// Package scheduler implements the Scheduler (C10): one interval
// timer per enabled job, ordered by next_scan in a priority heap,
// driving the Scanner/Differ (C3) with a per-job non-reentrancy
// guarantee and a global concurrent-scan cap.
//
// Grounded on the teacher's rwfolder.Serve() loop
// (internal/model/rwfolder.go): a per-folder goroutine alternating
// between a pullTimer and a scanTimer, each reset with jitter after
// firing. Here there is one shared timer instead of one goroutine per
// job — a single priority heap keyed by next_scan, woken whenever its
// head changes — and "jitter" is replaced by the spec's deterministic
// next_scan = max(now, last_scan + interval) rule.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/semaphore"

	"github.com/foldersync/foldersyncd/internal/differ"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/store"
)

const defaultMaxConcurrentScans = 2

// Scanner is the subset of differ's contract the scheduler drives.
// *differ.Differ satisfies this; the interface exists so tests can
// substitute a fake without constructing a whole Differ.
type Scanner interface {
	Compare(ctx context.Context, job model.Job) (differ.ComparisonStats, error)
}

// Config tunes the scheduler.
type Config struct {
	MaxConcurrentScans int // default 2
}

func (c Config) maxConcurrentScans() int {
	if c.MaxConcurrentScans > 0 {
		return c.MaxConcurrentScans
	}
	return defaultMaxConcurrentScans
}

// jobSchedule is one job's entry in the priority heap. index is -1
// while the job's scan is running (popped out of the heap) or while
// the job has been disabled and removed.
type jobSchedule struct {
	mut      sync.Mutex
	job      model.Job
	lastScan time.Time
	nextScan time.Time
	index    int
	removed  bool
}

type scheduleHeap []*jobSchedule

func (h scheduleHeap) Len() int            { return len(h) }
func (h scheduleHeap) Less(i, j int) bool  { return h[i].nextScan.Before(h[j].nextScan) }
func (h scheduleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *scheduleHeap) Push(x any) {
	it := x.(*jobSchedule)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// JobStatus is one entry of jobs().
type JobStatus struct {
	JobID    string
	Name     string
	Enabled  bool
	LastScan time.Time
	NextScan time.Time
	Running  bool
}

// Stats is the scheduler() stats() payload.
type Stats struct {
	TotalJobs   int
	DueNow      int
	ActiveScans int
}

// Scheduler is the C10 contract.
type Scheduler struct {
	store store.Store
	scan  Scanner
	cfg   Config
	sem   *semaphore.Weighted

	mut    sync.Mutex
	byJob  map[string]*jobSchedule
	heap   scheduleHeap
	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	active atomic.Int32

	registry metrics.Registry
	counters struct {
		scansStarted, scansCompleted metrics.Counter
	}
}

func New(st store.Store, scan Scanner, cfg Config) *Scheduler {
	s := &Scheduler{
		store:    st,
		scan:     scan,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.maxConcurrentScans())),
		byJob:    make(map[string]*jobSchedule),
		wake:     make(chan struct{}, 1),
		registry: metrics.NewRegistry(),
	}
	s.counters.scansStarted = metrics.GetOrRegisterCounter("scheduler.scans_started", s.registry)
	s.counters.scansCompleted = metrics.GetOrRegisterCounter("scheduler.scans_completed", s.registry)
	return s
}

// Registry exposes the scheduler's metrics registry for the engine to
// merge into a process-wide stats endpoint.
func (s *Scheduler) Registry() metrics.Registry { return s.registry }

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start reads every enabled job, schedules it for an immediate first
// scan, and launches the run loop (spec.md §4.10).
func (s *Scheduler) Start() error {
	s.mut.Lock()
	if s.stopCh != nil {
		s.mut.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.mut.Unlock()

	jobs, err := s.store.Jobs().ListEnabled()
	if err != nil {
		return err
	}

	s.mut.Lock()
	now := time.Now()
	for _, j := range jobs {
		item := &jobSchedule{job: j, nextScan: now, index: -1}
		s.byJob[j.ID] = item
		heap.Push(&s.heap, item)
	}
	s.mut.Unlock()

	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop halts the run loop and waits for any in-flight scan to finish.
func (s *Scheduler) Stop() {
	s.mut.Lock()
	stop := s.stopCh
	s.stopCh = nil
	s.mut.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
}

// Restart stops and starts the scheduler, re-reading enabled jobs from
// the store.
func (s *Scheduler) Restart() error {
	s.Stop()
	s.mut.Lock()
	s.heap = nil
	s.byJob = make(map[string]*jobSchedule)
	s.mut.Unlock()
	return s.Start()
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()
	for {
		wait := s.nextWait()
		select {
		case <-time.After(wait):
		case <-s.wake:
		case <-s.stopCh:
			return
		}
		s.runDue()
	}
}

// nextWait reports how long to sleep before the heap's head is due,
// or a short poll interval if the heap is empty.
func (s *Scheduler) nextWait() time.Duration {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.heap.Len() == 0 {
		return time.Second
	}
	d := time.Until(s.heap[0].nextScan)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// runDue pops and launches every job whose next_scan has arrived.
func (s *Scheduler) runDue() {
	for {
		s.mut.Lock()
		if s.heap.Len() == 0 || s.heap[0].nextScan.After(time.Now()) {
			s.mut.Unlock()
			return
		}
		item := heap.Pop(&s.heap).(*jobSchedule)
		s.mut.Unlock()

		s.wg.Add(1)
		go s.runJob(item)
	}
}

// Job upserts update the heap (spec.md §4.10); disabling a job removes
// it.
func (s *Scheduler) Upsert(job model.Job) {
	s.mut.Lock()
	defer s.mut.Unlock()

	item, ok := s.byJob[job.ID]
	if !job.Enabled {
		if ok {
			item.mut.Lock()
			item.removed = true
			item.mut.Unlock()
			if item.index >= 0 {
				heap.Remove(&s.heap, item.index)
			}
			delete(s.byJob, job.ID)
		}
		return
	}

	if !ok {
		item = &jobSchedule{job: job, nextScan: time.Now(), index: -1}
		s.byJob[job.ID] = item
		heap.Push(&s.heap, item)
		s.wakeUp()
		return
	}

	item.mut.Lock()
	item.job = job
	interval := time.Duration(job.ScanIntervalMinutes) * time.Minute
	earliest := item.lastScan.Add(interval)
	if earliest.After(item.nextScan) {
		item.nextScan = earliest
	}
	item.mut.Unlock()
	if item.index >= 0 {
		heap.Fix(&s.heap, item.index)
	}
	s.wakeUp()
}

func (s *Scheduler) runJob(item *jobSchedule) {
	defer s.wg.Done()

	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	s.active.Add(1)
	s.counters.scansStarted.Inc(1)
	defer func() {
		s.active.Add(-1)
		s.sem.Release(1)
	}()

	item.mut.Lock()
	job := item.job
	item.mut.Unlock()

	s.scan.Compare(context.Background(), job)
	s.counters.scansCompleted.Inc(1)

	now := time.Now()
	item.mut.Lock()
	item.lastScan = now
	item.nextScan = now.Add(time.Duration(job.ScanIntervalMinutes) * time.Minute)
	removed := item.removed
	item.mut.Unlock()

	if removed {
		return
	}

	s.mut.Lock()
	heap.Push(&s.heap, item)
	s.mut.Unlock()
	s.wakeUp()
}

// Jobs returns a snapshot of every scheduled job (jobs(), spec.md §4.10).
func (s *Scheduler) Jobs() []JobStatus {
	s.mut.Lock()
	defer s.mut.Unlock()
	out := make([]JobStatus, 0, len(s.byJob))
	for id, item := range s.byJob {
		item.mut.Lock()
		out = append(out, JobStatus{
			JobID:    id,
			Name:     item.job.Name,
			Enabled:  item.job.Enabled,
			LastScan: item.lastScan,
			NextScan: item.nextScan,
			Running:  item.index < 0,
		})
		item.mut.Unlock()
	}
	return out
}

// Stats reports scheduler-wide counters (stats(), spec.md §4.10).
func (s *Scheduler) Stats() Stats {
	s.mut.Lock()
	total := len(s.byJob)
	due := 0
	now := time.Now()
	for _, item := range s.heap {
		if !item.nextScan.After(now) {
			due++
		}
	}
	s.mut.Unlock()
	return Stats{TotalJobs: total, DueNow: due, ActiveScans: int(s.active.Load())}
}
