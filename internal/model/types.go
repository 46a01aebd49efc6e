// Package model defines the plain record types shared by every
// component of the synchronization engine: servers, jobs, and the
// per-path file records that carry both sides' metadata and the
// transfer state machine. Types here are intentionally dumb — no
// persistence, no validation side effects beyond their own
// constructors, matching the "plain record types, not decorator-heavy
// models" approach favored by the store boundary (internal/store).
package model

import (
	"fmt"
	"time"
)

// Direction is the allowed flow of a Job's synchronization.
type Direction string

const (
	DirectionDownload      Direction = "download"
	DirectionUpload        Direction = "upload"
	DirectionBidirectional Direction = "bidirectional"
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionDownload, DirectionUpload, DirectionBidirectional:
		return true
	}
	return false
}

// SyncState is the per-path classification and transfer lifecycle
// state described in spec.md §3.
type SyncState string

const (
	StateSynced       SyncState = "synced"
	StateRemoteOnly   SyncState = "remote_only"
	StateLocalOnly    SyncState = "local_only"
	StateDesynced     SyncState = "desynced"
	StateQueued       SyncState = "queued"
	StateTransferring SyncState = "transferring"
	StateFailed       SyncState = "failed"
)

func (s SyncState) Valid() bool {
	switch s {
	case StateSynced, StateRemoteOnly, StateLocalOnly, StateDesynced, StateQueued, StateTransferring, StateFailed:
		return true
	}
	return false
}

// HoldsSlot reports whether a FileRecord in this state is expected to
// be holding a concurrency slot (spec.md §3 "Slots are held only
// across states {queued, transferring}").
func (s SyncState) HoldsSlot() bool {
	return s == StateQueued || s == StateTransferring
}

// PostTransferKind names the opaque post-transfer action (spec.md §3).
type PostTransferKind string

const (
	PostTransferNone       PostTransferKind = "none"
	PostTransferRemove     PostTransferKind = "remove"
	PostTransferRemoveData PostTransferKind = "remove_data"
	PostTransferSetLabel   PostTransferKind = "set_label"
)

// Server is an immutable connection descriptor.
type Server struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	// PrivateKey holds PEM-encoded key material. Mutually exclusive
	// with Password; never passed to a subprocess argv (see
	// internal/keymaterial).
	PrivateKey string `json:"private_key,omitempty"`

	TorrentClient *TorrentClientDescriptor `json:"torrent_client,omitempty"`
}

// TorrentClientDescriptor is an opaque effect target keyed by name;
// the engine never interprets it beyond passing it to the
// out-of-scope post-transfer action collaborator.
type TorrentClientDescriptor struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s Server) UsesKeyAuth() bool { return s.PrivateKey != "" }

// Target names where a Job's files end up: either the local
// filesystem, or another Server.
type Target struct {
	Local    bool   `json:"local"`
	ServerID string `json:"server_id,omitempty"`
}

// RetryPolicy bounds spec.md §3's retries sub-structure.
type RetryPolicy struct {
	Max      int `json:"max"`       // [0, 10]
	DelayMs  int `json:"delay_ms"`  // [1000, 300000]
}

// Parallelism bounds spec.md §3's parallelism sub-structure.
type Parallelism struct {
	MaxConcurrentTransfers   int `json:"max_concurrent_transfers"`   // [1, 10]
	MaxConnectionsPerTransfer int `json:"max_connections_per_transfer"` // [1, 20]
}

// PatternMatcher is one entry of an auto-queue pattern list.
type PatternMatcher struct {
	Pattern   string `json:"pattern"`
	IsInclude bool   `json:"is_include"`
}

// AutoQueueConfig is spec.md §3's auto-queue sub-structure.
type AutoQueueConfig struct {
	Enabled          bool             `json:"enabled"`
	Patterns         []PatternMatcher `json:"patterns"`
	MinSize          *int64           `json:"min_size,omitempty"`
	MaxSize          *int64           `json:"max_size,omitempty"`
	IncludeExtensions []string        `json:"include_extensions,omitempty"`
	ExcludeExtensions []string        `json:"exclude_extensions,omitempty"`
	CaseSensitive    bool             `json:"case_sensitive"`
}

// PostTransferAction is spec.md §3's post-transfer-action sub-structure.
type PostTransferAction struct {
	Kind         PostTransferKind `json:"kind"`
	DelayMinutes int              `json:"delay_minutes"` // [0, 1440]
	Label        string           `json:"label,omitempty"`
}

// JobOptions bundles the boolean/scalar copy options of spec.md §3.
type JobOptions struct {
	DeleteExtraneous   bool   `json:"delete_extraneous"`
	PreserveTimestamps bool   `json:"preserve_timestamps"`
	PreservePermissions bool  `json:"preserve_permissions"`
	Compress           bool   `json:"compress"`
	DryRun             bool   `json:"dry_run"`
	Chmod              string `json:"chmod,omitempty"` // octal, e.g. "0644"
}

var chmodPattern = `^[0-7]{3,4}$`

// Job is a unit of synchronization (spec.md §3).
type Job struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	SourceServerID      string          `json:"source_server_id"`
	Target              Target          `json:"target"`
	SourcePath          string          `json:"source_path"`
	TargetPath          string          `json:"target_path"`
	Direction           Direction       `json:"direction"`
	Enabled             bool            `json:"enabled"`
	ScanIntervalMinutes int             `json:"scan_interval_minutes"` // [5, 10080]
	Options             JobOptions      `json:"options"`
	Retries             RetryPolicy     `json:"retries"`
	Parallelism         Parallelism     `json:"parallelism"`
	AutoQueue           AutoQueueConfig `json:"auto_queue"`
	PostTransfer        PostTransferAction `json:"post_transfer"`
}

// Validate enforces every Job-level invariant from spec.md §3. It is
// the single place invariants live, per the "put invariants in the
// data-access layer" re-architecture note (spec.md §9) generalized to
// "put invariants in the constructor/validator, not scattered hooks".
func (j Job) Validate() error {
	if j.SourceServerID == "" {
		return fmt.Errorf("job %s: source_server is required", j.ID)
	}
	if !j.Target.Local && j.Target.ServerID == "" {
		return fmt.Errorf("job %s: target must be local or name a server", j.ID)
	}
	if !j.Target.Local && j.Target.ServerID == j.SourceServerID {
		return fmt.Errorf("job %s: source_server must not equal target_server", j.ID)
	}
	if !j.Direction.Valid() {
		return fmt.Errorf("job %s: invalid direction %q", j.ID, j.Direction)
	}
	if j.Target.Local && j.Direction != DirectionDownload {
		return fmt.Errorf("job %s: local targets require direction=download", j.ID)
	}
	if j.ScanIntervalMinutes < 5 || j.ScanIntervalMinutes > 10080 {
		return fmt.Errorf("job %s: scan_interval_minutes %d out of range [5, 10080]", j.ID, j.ScanIntervalMinutes)
	}
	if j.Retries.Max < 0 || j.Retries.Max > 10 {
		return fmt.Errorf("job %s: retries.max %d out of range [0, 10]", j.ID, j.Retries.Max)
	}
	if j.Retries.DelayMs < 1000 || j.Retries.DelayMs > 300000 {
		return fmt.Errorf("job %s: retries.delay_ms %d out of range [1000, 300000]", j.ID, j.Retries.DelayMs)
	}
	if j.Parallelism.MaxConcurrentTransfers < 1 || j.Parallelism.MaxConcurrentTransfers > 10 {
		return fmt.Errorf("job %s: max_concurrent_transfers %d out of range [1, 10]", j.ID, j.Parallelism.MaxConcurrentTransfers)
	}
	if j.Parallelism.MaxConnectionsPerTransfer < 1 || j.Parallelism.MaxConnectionsPerTransfer > 20 {
		return fmt.Errorf("job %s: max_connections_per_transfer %d out of range [1, 20]", j.ID, j.Parallelism.MaxConnectionsPerTransfer)
	}
	if j.PostTransfer.DelayMinutes < 0 || j.PostTransfer.DelayMinutes > 1440 {
		return fmt.Errorf("job %s: post_transfer.delay_minutes %d out of range [0, 1440]", j.ID, j.PostTransfer.DelayMinutes)
	}
	if j.PostTransfer.Kind == PostTransferSetLabel && j.PostTransfer.Label == "" {
		return fmt.Errorf("job %s: post_transfer kind set_label requires a non-empty label", j.ID)
	}
	if j.Options.Chmod != "" && !chmodMatches(j.Options.Chmod) {
		return fmt.Errorf("job %s: chmod %q must match %s", j.ID, j.Options.Chmod, chmodPattern)
	}
	return nil
}

func chmodMatches(s string) bool {
	if len(s) < 3 || len(s) > 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '7' {
			return false
		}
	}
	return true
}

// SideInfo is one side (remote or local) of a FileRecord's observed
// metadata.
type SideInfo struct {
	Exists      bool      `json:"exists"`
	Size        int64     `json:"size,omitempty"`
	Mtime       time.Time `json:"mtime,omitempty"`
	IsDirectory bool      `json:"is_directory,omitempty"`
}

// StateTransition is one entry of a FileRecord's bounded history ring
// buffer (spec.md §3, max 10 entries).
type StateTransition struct {
	From     SyncState         `json:"from"`
	To       SyncState         `json:"to"`
	At       time.Time         `json:"at"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

const MaxStateHistory = 10

// Transfer is the mutable transfer substructure of a FileRecord.
type Transfer struct {
	Progress           int        `json:"progress"` // [0, 100]
	Speed              string     `json:"speed,omitempty"`
	ETA                string     `json:"eta,omitempty"`
	RetryCount         int        `json:"retry_count"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ActiveTransferID    string    `json:"active_transfer_id,omitempty"`
	JobConcurrencySlot  *int      `json:"job_concurrency_slot,omitempty"`
	LastStateChange     time.Time `json:"last_state_change"`
	StateHistory        []StateTransition `json:"state_history,omitempty"`
}

// PushHistory appends a transition, keeping at most MaxStateHistory
// entries (spec.md §4.6 "$slice: -10").
func (t *Transfer) PushHistory(st StateTransition) {
	t.StateHistory = append(t.StateHistory, st)
	if len(t.StateHistory) > MaxStateHistory {
		t.StateHistory = t.StateHistory[len(t.StateHistory)-MaxStateHistory:]
	}
}

// FileRecord is one row per path observed for a job (spec.md §3).
type FileRecord struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	RelativePath string    `json:"relative_path"`
	Filename     string    `json:"filename"`
	IsDirectory  bool      `json:"is_directory"`
	ParentPath   string    `json:"parent_path"`

	Remote SideInfo `json:"remote"`
	Local  SideInfo `json:"local"`

	SyncState SyncState `json:"sync_state"`
	Transfer  Transfer  `json:"transfer"`

	DirectorySize int64     `json:"directory_size,omitempty"`
	FileCount     int       `json:"file_count,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
	AddedAt       time.Time `json:"added_at"`
}

// Key returns the unique (job_id, relative_path) compound key used by
// internal/store.
func (f FileRecord) Key() string { return f.JobID + "\x00" + f.RelativePath }

// MtimeTolerance is the equality rule's mtime slop (spec.md §3).
const MtimeTolerance = 2 * time.Second

// Equal implements the spec's equality rule: size-identical and mtime
// within MtimeTolerance; no content comparison.
func Equal(remote, local SideInfo) bool {
	if !remote.Exists || !local.Exists {
		return false
	}
	if remote.Size != local.Size {
		return false
	}
	delta := remote.Mtime.Sub(local.Mtime)
	if delta < 0 {
		delta = -delta
	}
	return delta < MtimeTolerance
}

// Classify derives the SyncState implied purely by the existence/
// equality of the two sides, ignoring any in-flight transfer state.
// Used by internal/differ when (re)building a FileRecord from a scan.
func Classify(remote, local SideInfo) SyncState {
	switch {
	case remote.Exists && local.Exists:
		if Equal(remote, local) {
			return StateSynced
		}
		return StateDesynced
	case remote.Exists:
		return StateRemoteOnly
	case local.Exists:
		return StateLocalOnly
	default:
		return StateRemoteOnly
	}
}
