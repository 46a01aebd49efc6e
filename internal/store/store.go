// Package store defines the persistence contract spec.md §6 treats as
// an external collaborator: a document database exposing
// findAndUpdate, bulk writes, and query by compound key over three
// collections (servers, jobs, files). The interfaces here are the
// engine-facing boundary; internal/store/leveldb is the only
// implementation, and every invariant (atomicity of a transition,
// bounded history, uniqueness of (job_id, relative_path)) lives here
// or in the leveldb package, never spread across callers — the
// "Schema objects" re-architecture note of spec.md §9.
package store

import (
	"errors"
	"time"

	"github.com/foldersync/foldersyncd/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// Store aggregates the three collections required by spec.md §6.
type Store interface {
	Servers() ServerCollection
	Jobs() JobCollection
	Files() FileCollection
	Close() error
}

// ServerCollection is a CRUD surface over Server documents.
type ServerCollection interface {
	Get(id string) (model.Server, error)
	List() ([]model.Server, error)
	Put(s model.Server) error
	Delete(id string) error
}

// JobCollection is a CRUD surface over Job documents.
type JobCollection interface {
	Get(id string) (model.Job, error)
	List() ([]model.Job, error)
	ListEnabled() ([]model.Job, error)
	Put(j model.Job) error
	Delete(id string) error
}

// FileFilter narrows a Find/Count/DeleteMany to the subset of
// FileRecords described by spec.md §6's required indexes. A nil/zero
// field is unconstrained.
type FileFilter struct {
	JobID                 string
	SyncStates            []model.SyncState
	HasActiveTransferID   bool
	HasConcurrencySlot     *bool
	LastStateChangeBefore time.Time
	LastSeenBefore        time.Time
}

// SortField orders Find results.
type SortField string

const (
	SortByAddedAt         SortField = "added_at"
	SortByLastStateChange SortField = "last_state_change"
	SortByRelativePath    SortField = "relative_path"
)

// FindOptions supports the sort/limit/skip operations spec.md §6 names.
type FindOptions struct {
	Sort      SortField
	Ascending bool
	Limit     int // 0 means unlimited
	Skip      int
}

// DirectoryAggregate is the deepest-first rollup computed by
// internal/differ's second scan pass.
type DirectoryAggregate struct {
	RelativePath string
	Size         int64
	FileCount    int
}

// FileCollection is the FileRecord surface. Every method is atomic
// with respect to concurrent callers of the same Store instance
// (single-process owner per database, per spec.md §1 non-goals).
type FileCollection interface {
	// Get looks up a single record by its (job_id, relative_path) key.
	Get(jobID, relativePath string) (model.FileRecord, error)
	// GetByID looks up a single record by its opaque id.
	GetByID(fileID string) (model.FileRecord, error)

	// BulkReplaceForJob implements the scanner's "delete-then-insert
	// in batches of 100" step (spec.md §4.3 step 4): records not
	// present in `records` are removed, new ones are inserted,
	// existing ones are updated, and `last_seen` is refreshed to now
	// for every surviving record. It returns counts for
	// scan:complete's stats payload.
	BulkReplaceForJob(jobID string, records []model.FileRecord, now time.Time) (added, updated, removed int, err error)

	// BulkUpdateDirectoryAggregates applies the differ's second,
	// deepest-first pass (spec.md §4.3 step 5).
	BulkUpdateDirectoryAggregates(jobID string, aggregates []DirectoryAggregate) error

	// FindAndUpdate atomically loads the record by id, applies mutate,
	// and persists the result, returning the updated record. mutate
	// returning an error aborts the update (the stored record is left
	// unchanged) — the single atomic primitive every state transition
	// and slot reservation is built from (spec.md §4.6, §4.7).
	FindAndUpdate(fileID string, mutate func(*model.FileRecord) error) (model.FileRecord, error)

	Find(filter FileFilter, opts FindOptions) ([]model.FileRecord, error)
	Count(filter FileFilter) (int, error)
	DeleteMany(filter FileFilter) (int, error)
}
