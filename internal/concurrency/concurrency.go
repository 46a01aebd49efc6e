// Package concurrency implements the Concurrency Controller (C7):
// per-job numbered slot allocation and release, backed by the store
// and assisted by an in-memory cache (spec.md §4.7).
//
// Grounded on the teacher's deviceActivity (internal/model/deviceactivity.go):
// a mutex-guarded map counting in-flight work, generalized from
// "count requests per device, pick the least busy" to "allocate the
// lowest free integer slot 0..max-1 per job, persisted as the
// authority in the FileRecord itself". The 5-minute per-job settings
// cache is new (the teacher has no settings-TTL precedent at this
// layer) and is built on `github.com/hashicorp/golang-lru/v2`, already
// a pack dependency for exactly this shape of cache.
package concurrency

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/foldersync/foldersyncd/internal/engerr"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/store"
)

const settingsCacheTTL = 5 * time.Minute

type jobSlots struct {
	max  int
	used map[int]string // slot -> file_id holding it
}

// Controller is the C7 contract.
type Controller struct {
	store    store.Store
	mut      chan struct{} // binary mutex (buffered chan of 1) guarding jobs
	jobs     map[string]*jobSlots
	settings *lru.LRU[string, model.Parallelism]
}

func New(st store.Store) *Controller {
	c := &Controller{
		store:    st,
		mut:      make(chan struct{}, 1),
		jobs:     make(map[string]*jobSlots),
		settings: lru.NewLRU[string, model.Parallelism](256, nil, settingsCacheTTL),
	}
	c.mut <- struct{}{}
	return c
}

func (c *Controller) lock()   { <-c.mut }
func (c *Controller) unlock() { c.mut <- struct{}{} }

func (c *Controller) parallelismFor(jobID string) (model.Parallelism, error) {
	if p, ok := c.settings.Get(jobID); ok {
		return p, nil
	}
	j, err := c.store.Jobs().Get(jobID)
	if err != nil {
		return model.Parallelism{}, err
	}
	c.settings.Add(jobID, j.Parallelism)
	return j.Parallelism, nil
}

func (c *Controller) slotsFor(jobID string, max int) *jobSlots {
	js, ok := c.jobs[jobID]
	if !ok || js.max != max {
		js = &jobSlots{max: max, used: make(map[int]string)}
		c.jobs[jobID] = js
	}
	return js
}

// AvailableSlot reports the lowest free slot number for jobID without
// reserving it, or ok=false if the job is at capacity.
func (c *Controller) AvailableSlot(jobID string) (slot int, ok bool, err error) {
	p, err := c.parallelismFor(jobID)
	if err != nil {
		return 0, false, err
	}
	c.lock()
	defer c.unlock()
	js := c.slotsFor(jobID, p.MaxConcurrentTransfers)
	for i := 0; i < js.max; i++ {
		if _, taken := js.used[i]; !taken {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// Reserve atomically reserves a slot for fileID under jobID, writing
// job_concurrency_slot/active_transfer_id/last_state_change onto the
// FileRecord only if both were previously absent (spec.md §4.7). It
// returns ok=false (no error) when the job has no headroom or the
// record already holds conflicting state.
func (c *Controller) Reserve(jobID, transferID, fileID, filename string) (slot int, ok bool, err error) {
	p, err := c.parallelismFor(jobID)
	if err != nil {
		return 0, false, err
	}

	c.lock()
	js := c.slotsFor(jobID, p.MaxConcurrentTransfers)
	chosen := -1
	for i := 0; i < js.max; i++ {
		if _, taken := js.used[i]; !taken {
			chosen = i
			break
		}
	}
	if chosen == -1 {
		c.unlock()
		return 0, false, nil
	}
	js.used[chosen] = fileID
	c.unlock()

	updated, err := c.store.Files().FindAndUpdate(fileID, func(f *model.FileRecord) error {
		if f.Transfer.JobConcurrencySlot != nil || f.Transfer.ActiveTransferID != "" {
			return engerr.New(engerr.Conflict, "file already holds a slot or active transfer")
		}
		s := chosen
		f.Transfer.JobConcurrencySlot = &s
		f.Transfer.ActiveTransferID = transferID
		f.Transfer.LastStateChange = time.Now()
		return nil
	})
	if err != nil {
		c.lock()
		delete(js.used, chosen)
		c.unlock()
		if engerr.CodeOf(err) == engerr.Conflict {
			return 0, false, nil
		}
		return 0, false, err
	}
	_ = updated
	return chosen, true, nil
}

// Release frees a slot, identified by its number, for jobID. Releasing
// an unheld slot is a no-op.
func (c *Controller) Release(jobID string, slot int) {
	c.lock()
	defer c.unlock()
	if js, ok := c.jobs[jobID]; ok {
		delete(js.used, slot)
	}
}

// ReleaseByFile releases whichever slot, if any, fileID currently
// holds within jobID.
func (c *Controller) ReleaseByFile(jobID, fileID string) {
	c.lock()
	defer c.unlock()
	js, ok := c.jobs[jobID]
	if !ok {
		return
	}
	for slot, holder := range js.used {
		if holder == fileID {
			delete(js.used, slot)
		}
	}
}

// HasSlots reports whether jobID has at least one free slot.
func (c *Controller) HasSlots(jobID string) (bool, error) {
	_, ok, err := c.AvailableSlot(jobID)
	return ok, err
}

// Active returns the number of slots currently in use for jobID.
func (c *Controller) Active(jobID string) int {
	c.lock()
	defer c.unlock()
	if js, ok := c.jobs[jobID]; ok {
		return len(js.used)
	}
	return 0
}

// SlotInfo returns a copy of the slot -> file_id assignment for jobID.
func (c *Controller) SlotInfo(jobID string) map[int]string {
	c.lock()
	defer c.unlock()
	out := make(map[int]string)
	if js, ok := c.jobs[jobID]; ok {
		for k, v := range js.used {
			out[k] = v
		}
	}
	return out
}

// ForceReleaseAll clears every in-memory slot for jobID, used by the
// Recovery Service's emergency_reset.
func (c *Controller) ForceReleaseAll(jobID string) {
	c.lock()
	defer c.unlock()
	delete(c.jobs, jobID)
}

// SyncWithStore rebuilds every job's in-memory slot set from
// FileRecords where sync_state = transferring AND
// job_concurrency_slot IS NOT NULL (spec.md §4.7 "on process restart
// the cache is rebuilt from FileRecords").
func (c *Controller) SyncWithStore() error {
	hasSlot := true
	records, err := c.store.Files().Find(store.FileFilter{
		SyncStates:         []model.SyncState{model.StateTransferring},
		HasConcurrencySlot: &hasSlot,
	}, store.FindOptions{})
	if err != nil {
		return err
	}

	rebuilt := make(map[string]*jobSlots)
	for _, f := range records {
		if f.Transfer.JobConcurrencySlot == nil {
			continue
		}
		p, err := c.parallelismFor(f.JobID)
		if err != nil {
			continue
		}
		js, ok := rebuilt[f.JobID]
		if !ok {
			js = &jobSlots{max: p.MaxConcurrentTransfers, used: make(map[int]string)}
			rebuilt[f.JobID] = js
		}
		js.used[*f.Transfer.JobConcurrencySlot] = f.ID
	}

	c.lock()
	for jobID, js := range rebuilt {
		c.jobs[jobID] = js
	}
	c.unlock()
	return nil
}
