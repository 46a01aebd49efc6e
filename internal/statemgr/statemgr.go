// Package statemgr implements the State Manager (C6): atomic,
// validated file-state transitions with bounded history, emitting
// events on every successful change.
//
// Grounded on the teacher's stateTracker (internal/model/folderstate.go):
// a mutex-guarded current/changed pair that logs an event carrying
// {from, to, duration} on every change, generalized from folder-level
// idle/scanning/syncing states to per-FileRecord sync states with a
// validated transition graph, and from an unbounded event log to the
// bounded `$slice: -10` history ring buffer already implemented by
// model.Transfer.PushHistory (itself grounded on
// internal/model/sharedpullerstate.go's progress tracking).
package statemgr

import (
	"fmt"
	"time"

	"github.com/foldersync/foldersyncd/internal/engerr"
	"github.com/foldersync/foldersyncd/internal/eventbus"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/store"
)

// permitted is the transition graph of spec.md §4.6. Identity is
// always allowed and is not listed here.
var permitted = map[model.SyncState][]model.SyncState{
	model.StateRemoteOnly:   {model.StateQueued, model.StateFailed},
	model.StateQueued:       {model.StateTransferring, model.StateFailed, model.StateRemoteOnly},
	model.StateTransferring: {model.StateSynced, model.StateFailed, model.StateQueued},
	model.StateFailed:       {model.StateQueued, model.StateRemoteOnly},
	model.StateSynced:       {model.StateDesynced, model.StateFailed},
	model.StateDesynced:     {model.StateQueued, model.StateFailed},
	model.StateLocalOnly:    {model.StateFailed},
}

func isPermitted(from, to model.SyncState) bool {
	if from == to {
		return true
	}
	for _, s := range permitted[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Options carries the optional fields of a transition call.
type Options struct {
	TransferID string
	Reason     string
	Metadata   map[string]string
	Force      bool // used only by the Recovery Service
}

// Manager is the C6 contract, bound to a Store and an Bus so every
// successful transition persists atomically and emits its events.
type Manager struct {
	store store.Store
	bus   *eventbus.Bus
}

func New(st store.Store, bus *eventbus.Bus) *Manager {
	return &Manager{store: st, bus: bus}
}

// Transition attempts to move fileID's sync_state to target, applying
// the state-entry side effects of spec.md §4.6 and emitting
// file:state:update (and transfer:status, if a transfer is bound) on
// success. It reports false (not an error) when the transition is
// disallowed and opts.Force is not set.
func (m *Manager) Transition(fileID string, target model.SyncState, opts Options) (bool, error) {
	var oldState model.SyncState
	var rejected bool

	updated, err := m.store.Files().FindAndUpdate(fileID, func(f *model.FileRecord) error {
		oldState = f.SyncState
		if !opts.Force && !isPermitted(f.SyncState, target) {
			rejected = true
			return fmt.Errorf("transition %s -> %s not permitted", f.SyncState, target)
		}
		applyEntryEffects(f, target)
		f.SyncState = target
		f.Transfer.LastStateChange = time.Now()
		if opts.TransferID != "" {
			f.Transfer.ActiveTransferID = opts.TransferID
		}
		f.Transfer.PushHistory(model.StateTransition{
			From:     oldState,
			To:       target,
			At:       f.Transfer.LastStateChange,
			Reason:   opts.Reason,
			Metadata: opts.Metadata,
		})
		return nil
	})
	if rejected {
		return false, nil
	}
	if err != nil {
		return false, engerr.Wrap(err, engerr.System, "transition file "+fileID)
	}

	m.emit(updated, oldState, opts)
	return true, nil
}

func applyEntryEffects(f *model.FileRecord, target model.SyncState) {
	now := time.Now()
	switch target {
	case model.StateTransferring:
		f.Transfer.StartedAt = &now
		f.Transfer.Progress = 0
	case model.StateSynced:
		f.Transfer.Progress = 100
		f.Transfer.CompletedAt = &now
		f.Local.Exists = true
		f.Local.Size = f.Remote.Size
		f.Local.Mtime = f.Remote.Mtime
	case model.StateFailed:
		f.Transfer.CompletedAt = &now
		f.Transfer.RetryCount++
	}
}

func (m *Manager) emit(f model.FileRecord, oldState model.SyncState, opts Options) {
	if m.bus == nil {
		return
	}
	now := time.Now()
	m.bus.Publish(eventbus.JobRoom(f.JobID), eventbus.TopicFileStateUpdate, eventbus.FileStateUpdate{
		JobID:        f.JobID,
		FileID:       f.ID,
		Filename:     f.Filename,
		RelativePath: f.RelativePath,
		OldState:     string(oldState),
		NewState:     string(f.SyncState),
		Ts:           now,
	})
	if f.Transfer.ActiveTransferID != "" {
		m.bus.Publish(eventbus.JobRoom(f.JobID), eventbus.TopicTransferStatus, eventbus.TransferStatus{
			TransferID: f.Transfer.ActiveTransferID,
			FileID:     f.ID,
			JobID:      f.JobID,
			Filename:   f.Filename,
			OldStatus:  string(oldState),
			NewStatus:  string(f.SyncState),
			Ts:         now,
			Metadata:   opts.Metadata,
		})
	}
}

// MarkFailed is a convenience wrapper around Transition(..., failed)
// that also records the classified error's message as the reason.
func (m *Manager) MarkFailed(fileID string, cause error, transferID string) (bool, error) {
	return m.Transition(fileID, model.StateFailed, Options{
		TransferID: transferID,
		Reason:     cause.Error(),
		Metadata:   map[string]string{"error_code": string(engerr.CodeOf(cause))},
	})
}

// Reset force-transitions fileID to target, clearing transfer fields
// when requested. Used only by the Recovery Service (spec.md §4.9).
func (m *Manager) Reset(fileID string, target model.SyncState, reason string, clearTransferFields bool) error {
	_, err := m.store.Files().FindAndUpdate(fileID, func(f *model.FileRecord) error {
		oldState := f.SyncState
		now := time.Now()
		if clearTransferFields {
			f.Transfer.ActiveTransferID = ""
			f.Transfer.JobConcurrencySlot = nil
			f.Transfer.Progress = 0
			f.Transfer.Speed = ""
			f.Transfer.ETA = ""
		}
		f.SyncState = target
		f.Transfer.LastStateChange = now
		f.Transfer.PushHistory(model.StateTransition{
			From:   oldState,
			To:     target,
			At:     now,
			Reason: reason,
		})
		return nil
	})
	return err
}

// History returns the most recent limit transitions for fileID (or
// all of them, bounded by MaxStateHistory, if limit <= 0).
func (m *Manager) History(fileID string, limit int) ([]model.StateTransition, error) {
	f, err := m.store.Files().GetByID(fileID)
	if err != nil {
		return nil, err
	}
	h := f.Transfer.StateHistory
	if limit > 0 && limit < len(h) {
		h = h[len(h)-limit:]
	}
	return h, nil
}

// BatchItem is one request within a BatchTransition call.
type BatchItem struct {
	FileID string
	Target model.SyncState
	Opts   Options
}

// BatchResult pairs a BatchItem's outcome with any error.
type BatchResult struct {
	FileID  string
	Applied bool
	Err     error
}

// BatchTransition applies Transition to every item independently;
// one item's failure does not block the others.
func (m *Manager) BatchTransition(items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	for i, it := range items {
		applied, err := m.Transition(it.FileID, it.Target, it.Opts)
		results[i] = BatchResult{FileID: it.FileID, Applied: applied, Err: err}
	}
	return results
}
