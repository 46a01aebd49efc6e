// Package recovery implements the Recovery Service (C9): a boot-time
// reconciliation pass between the store, the in-memory concurrency
// cache, and the transfer queue's in-memory view, repeated on a
// periodic tick, plus an operator-invoked emergency reset (spec.md
// §4.9).
//
// Grounded on the teacher's model-wide consistency checks performed at
// startup (internal/model/model.go's `STDEADLOCKTIMEOUT` stuck-puller
// detector, which force-fails a pull that has made no progress for too
// long), generalized from "one stuck-puller timeout" to the three
// reconciliation passes spec.md §4.9 names, and from a single check to
// a boot-then-every-5-minutes cadence.
package recovery

import (
	"fmt"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/foldersync/foldersyncd/internal/concurrency"
	"github.com/foldersync/foldersyncd/internal/eventbus"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/statemgr"
	"github.com/foldersync/foldersyncd/internal/store"
)

const (
	defaultStuckThreshold = 30 * time.Minute
	defaultTickInterval   = 5 * time.Minute
)

// ProcessChecker reports whether a transfer_id still has a live
// subprocess, per spec.md §4.9 step 2. *copydriver.Driver satisfies
// this via its IsActive method.
type ProcessChecker interface {
	IsActive(transferID string) bool
}

// QueueRebuilder is the subset of txqueue's contract the Recovery
// Service needs to rebuild the in-memory queue view after the store
// has been reconciled (spec.md §4.9 step 4).
type QueueRebuilder interface {
	InitializeFromStore() error
}

// Config tunes the Recovery Service's thresholds.
type Config struct {
	StuckThreshold time.Duration // default 30m
	TickInterval   time.Duration // default 5m
}

func (c Config) stuckThreshold() time.Duration {
	if c.StuckThreshold > 0 {
		return c.StuckThreshold
	}
	return defaultStuckThreshold
}

func (c Config) tickInterval() time.Duration {
	if c.TickInterval > 0 {
		return c.TickInterval
	}
	return defaultTickInterval
}

// Stats is the recovery_complete counters payload (spec.md §4.9 step 5).
type Stats struct {
	Total         int
	Stuck         int
	Orphaned      int
	Recovered     int
	Failures      int
	ReleasedSlots int
}

// Service is the C9 contract.
type Service struct {
	store store.Store
	state *statemgr.Manager
	conc  *concurrency.Controller
	queue QueueRebuilder
	proc  ProcessChecker
	bus   *eventbus.Bus
	cfg   Config

	registry metrics.Registry
	counters struct {
		total, stuck, orphaned, recovered, failures, released metrics.Counter
	}

	mut    sync.Mutex
	stopCh chan struct{}
}

func New(st store.Store, state *statemgr.Manager, conc *concurrency.Controller, queue QueueRebuilder, proc ProcessChecker, bus *eventbus.Bus, cfg Config) *Service {
	reg := metrics.NewRegistry()
	s := &Service{
		store:    st,
		state:    state,
		conc:     conc,
		queue:    queue,
		proc:     proc,
		bus:      bus,
		cfg:      cfg,
		registry: reg,
	}
	s.counters.total = metrics.GetOrRegisterCounter("recovery.total", reg)
	s.counters.stuck = metrics.GetOrRegisterCounter("recovery.stuck", reg)
	s.counters.orphaned = metrics.GetOrRegisterCounter("recovery.orphaned", reg)
	s.counters.recovered = metrics.GetOrRegisterCounter("recovery.recovered", reg)
	s.counters.failures = metrics.GetOrRegisterCounter("recovery.failures", reg)
	s.counters.released = metrics.GetOrRegisterCounter("recovery.released_slots", reg)
	return s
}

// Boot runs the full reconciliation sequence of spec.md §4.9 (steps
// 1-5) and blocks until it completes.
func (s *Service) Boot() (Stats, error) {
	stats := Stats{}

	stuck, stuckFailures, releasedStuck, err := s.reconcileStuck()
	if err != nil {
		return stats, err
	}
	stats.Stuck = stuck
	stats.Failures += stuckFailures
	stats.ReleasedSlots += releasedStuck

	orphaned, orphanFailures, releasedOrphan, err := s.reconcileOrphaned()
	if err != nil {
		return stats, err
	}
	stats.Orphaned = orphaned
	stats.Failures += orphanFailures
	stats.ReleasedSlots += releasedOrphan

	releasedSlots, err := s.validateSlots()
	if err != nil {
		return stats, err
	}
	stats.ReleasedSlots += releasedSlots

	if err := s.conc.SyncWithStore(); err != nil {
		return stats, err
	}
	if s.queue != nil {
		if err := s.queue.InitializeFromStore(); err != nil {
			return stats, err
		}
	}

	stats.Total = stats.Stuck + stats.Orphaned
	stats.Recovered = stats.Stuck + stats.Orphaned - stats.Failures

	s.counters.total.Inc(int64(stats.Total))
	s.counters.stuck.Inc(int64(stats.Stuck))
	s.counters.orphaned.Inc(int64(stats.Orphaned))
	s.counters.recovered.Inc(int64(stats.Recovered))
	s.counters.failures.Inc(int64(stats.Failures))
	s.counters.released.Inc(int64(stats.ReleasedSlots))

	s.emitComplete(stats)
	return stats, nil
}

// reconcileStuck implements spec.md §4.9 step 1.
func (s *Service) reconcileStuck() (stuck, failures, released int, err error) {
	now := time.Now()
	records, err := s.store.Files().Find(store.FileFilter{
		SyncStates:            []model.SyncState{model.StateQueued, model.StateTransferring},
		LastStateChangeBefore: now.Add(-s.cfg.stuckThreshold()),
	}, store.FindOptions{})
	if err != nil {
		return 0, 0, 0, err
	}

	for _, rec := range records {
		s.conc.ReleaseByFile(rec.JobID, rec.ID)
		released++

		dur := now.Sub(rec.Transfer.LastStateChange).Round(time.Second)
		reason := fmt.Sprintf("stuck_transfer: original_state=%s stuck_duration=%s", rec.SyncState, dur)
		if err := s.state.Reset(rec.ID, model.StateFailed, reason, true); err != nil {
			failures++
			continue
		}
		stuck++
		s.emitStuckError(rec, reason)
	}
	return stuck, failures, released, nil
}

// emitStuckError publishes error:occurred{type:transfer} for a file
// reconcileStuck just force-failed, per spec.md §8 Scenario 3.
func (s *Service) emitStuckError(rec model.FileRecord, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.JobRoom(rec.JobID), eventbus.TopicErrorOccurred, eventbus.ErrorOccurred{
		JobID:    rec.JobID,
		ServerID: "",
		Type:     eventbus.ErrorTransfer,
		Message:  reason,
		Details: map[string]any{
			"file_id":     rec.ID,
			"transfer_id": rec.Transfer.ActiveTransferID,
		},
		Ts: time.Now(),
	})
}

// reconcileOrphaned implements spec.md §4.9 step 2.
func (s *Service) reconcileOrphaned() (orphaned, failures, released int, err error) {
	records, err := s.store.Files().Find(store.FileFilter{
		SyncStates:          []model.SyncState{model.StateQueued, model.StateTransferring},
		HasActiveTransferID: true,
	}, store.FindOptions{})
	if err != nil {
		return 0, 0, 0, err
	}

	for _, rec := range records {
		if s.proc != nil && s.proc.IsActive(rec.Transfer.ActiveTransferID) {
			continue // genuinely in flight
		}
		s.conc.ReleaseByFile(rec.JobID, rec.ID)
		released++

		reason := "orphaned_transfer: active_transfer_id=" + rec.Transfer.ActiveTransferID
		if err := s.state.Reset(rec.ID, model.StateRemoteOnly, reason, true); err != nil {
			failures++
			continue
		}
		orphaned++
	}
	return orphaned, failures, released, nil
}

// validateSlots implements spec.md §4.9 step 3: first, any FileRecord
// holding a slot whose sync_state has drifted outside {queued,
// transferring} has it released; then, for any job whose held-slot
// count exceeds its configured max, the oldest-assigned excess are
// released (oldest by last_state_change, the same field Reserve
// stamps at assignment time).
func (s *Service) validateSlots() (released int, err error) {
	hasSlot := true
	holders, err := s.store.Files().Find(store.FileFilter{HasConcurrencySlot: &hasSlot}, store.FindOptions{Sort: store.SortByLastStateChange, Ascending: true})
	if err != nil {
		return 0, err
	}

	byJob := make(map[string][]model.FileRecord)
	for _, rec := range holders {
		if !rec.SyncState.HoldsSlot() {
			if err := s.releaseSlotFields(rec); err != nil {
				return released, err
			}
			released++
			continue
		}
		byJob[rec.JobID] = append(byJob[rec.JobID], rec)
	}

	for jobID, recs := range byJob {
		job, err := s.store.Jobs().Get(jobID)
		if err != nil {
			continue
		}
		max := job.Parallelism.MaxConcurrentTransfers
		if max <= 0 || len(recs) <= max {
			continue
		}
		excess := len(recs) - max
		for i := 0; i < excess; i++ {
			if err := s.releaseSlotFields(recs[i]); err != nil {
				return released, err
			}
			released++
		}
	}
	return released, nil
}

func (s *Service) releaseSlotFields(rec model.FileRecord) error {
	s.conc.ReleaseByFile(rec.JobID, rec.ID)
	_, err := s.store.Files().FindAndUpdate(rec.ID, func(f *model.FileRecord) error {
		f.Transfer.JobConcurrencySlot = nil
		f.Transfer.ActiveTransferID = ""
		return nil
	})
	return err
}

func (s *Service) emitComplete(stats Stats) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.AllJobs, eventbus.TopicLogMessage, eventbus.LogMessage{
		Level: eventbus.LogInfo,
		Message: fmt.Sprintf(
			"recovery_complete total=%d stuck=%d orphaned=%d recovered=%d failures=%d released_slots=%d",
			stats.Total, stats.Stuck, stats.Orphaned, stats.Recovered, stats.Failures, stats.ReleasedSlots),
		Source: "recovery",
		Ts:     time.Now(),
	})
}

// Start launches the periodic reconciliation tick (steps 1-3 only;
// spec.md §4.9 "A periodic tick repeats steps 1-3 every 5 min").
// Stop halts it.
func (s *Service) Start() {
	s.mut.Lock()
	if s.stopCh != nil {
		s.mut.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mut.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.tickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-stop:
				return
			}
		}
	}()
}

func (s *Service) Stop() {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
}

func (s *Service) tick() {
	stuck, stuckFailures, releasedStuck, err := s.reconcileStuck()
	if err != nil {
		return
	}
	orphaned, orphanFailures, releasedOrphan, err := s.reconcileOrphaned()
	if err != nil {
		return
	}
	releasedSlots, err := s.validateSlots()
	if err != nil {
		return
	}

	stats := Stats{
		Total:         stuck + orphaned,
		Stuck:         stuck,
		Orphaned:      orphaned,
		Failures:      stuckFailures + orphanFailures,
		ReleasedSlots: releasedStuck + releasedOrphan + releasedSlots,
	}
	stats.Recovered = stats.Total - stats.Failures

	s.counters.total.Inc(int64(stats.Total))
	s.counters.stuck.Inc(int64(stats.Stuck))
	s.counters.orphaned.Inc(int64(stats.Orphaned))
	s.counters.recovered.Inc(int64(stats.Recovered))
	s.counters.failures.Inc(int64(stats.Failures))
	s.counters.released.Inc(int64(stats.ReleasedSlots))

	if stats.Total > 0 || stats.ReleasedSlots > 0 {
		s.emitComplete(stats)
	}
}

// EmergencyReset implements spec.md §4.9's operator-invoked escape
// hatch: every FileRecord in a non-terminal state ({queued,
// transferring}) returns to remote_only, transfer fields clear, and
// the history entry's reason records the operation.
func (s *Service) EmergencyReset() (int, error) {
	records, err := s.store.Files().Find(store.FileFilter{
		SyncStates: []model.SyncState{model.StateQueued, model.StateTransferring},
	}, store.FindOptions{})
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, rec := range records {
		s.conc.ReleaseByFile(rec.JobID, rec.ID)
		if err := s.state.Reset(rec.ID, model.StateRemoteOnly, "emergency_reset", true); err != nil {
			continue
		}
		reset++
	}

	if err := s.conc.SyncWithStore(); err != nil {
		return reset, err
	}
	if s.queue != nil {
		if err := s.queue.InitializeFromStore(); err != nil {
			return reset, err
		}
	}
	return reset, nil
}

// Registry exposes the go-metrics registry backing this service's
// counters, for a process-wide metrics endpoint to merge in.
func (s *Service) Registry() metrics.Registry { return s.registry }
