// Package differ implements the Scanner/Differ (C3): it invokes the
// Remote Executor and Local Walker, joins their inventories, classifies
// every path, persists the diff, and applies auto-queue rules
// (spec.md §4.3).
//
// Grounded on the teacher's folder state tracking
// (internal/model/folderstate.go, generalized to a per-job "scan in
// progress" guard preventing reentrant scans) and its orchestration
// style in internal/scanner/walk.go (spawn concurrent producers, join
// results, tolerate per-entry errors). Auto-queue pattern matching is
// grounded on internal/fnmatch/fnmatch.go's glob-to-regex approach,
// generalized to github.com/gobwas/glob.
package differ

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gobwas/glob"

	"github.com/foldersync/foldersyncd/internal/engerr"
	"github.com/foldersync/foldersyncd/internal/eventbus"
	"github.com/foldersync/foldersyncd/internal/localwalk"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/remoteexec"
	"github.com/foldersync/foldersyncd/internal/store"
)

// ComparisonStats is the return value of Compare and the payload
// basis for scan:complete.
type ComparisonStats struct {
	FilesFound   int
	FilesAdded   int
	FilesUpdated int
	FilesRemoved int
	DurationMs   int64
	ByState      map[model.SyncState]int
}

// Enqueuer is the subset of the Transfer Queue's contract the differ
// needs: handing a remote_only candidate off to C8 after the
// auto-queue predicate accepts it.
type Enqueuer interface {
	Enqueue(jobID, fileID string, priority Priority) (bool, error)
}

// Priority mirrors txqueue's priority levels without importing that
// package, keeping differ's dependency surface to "the store, the bus,
// C1, C2, and whoever it hands remote_only files off to".
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// RemoteLister is the slice of C1's contract the differ needs: just
// `list`. Declared here (rather than depending on *remoteexec.Executor
// directly) so tests can substitute a fake without dialing SSH.
type RemoteLister interface {
	List(ctx context.Context, server model.Server, path string) ([]remoteexec.FileInfo, error)
}

// Differ is the C3 contract, bound to its collaborators.
type Differ struct {
	store    store.Store
	bus      *eventbus.Bus
	executor RemoteLister
	queue    Enqueuer

	reentrancy sync.Map // job_id -> struct{}, guards non-reentrant scans
}

func New(st store.Store, bus *eventbus.Bus, executor RemoteLister, queue Enqueuer) *Differ {
	return &Differ{store: st, bus: bus, executor: executor, queue: queue}
}

// Compare runs one full scan/diff/auto-queue cycle for job. It refuses
// to run concurrently with another Compare for the same job
// (spec.md §4.3 "scans are non-reentrant per job").
func (d *Differ) Compare(ctx context.Context, job model.Job) (ComparisonStats, error) {
	if _, already := d.reentrancy.LoadOrStore(job.ID, struct{}{}); already {
		return ComparisonStats{}, engerr.New(engerr.Conflict, "scan already in progress for job "+job.ID)
	}
	defer d.reentrancy.Delete(job.ID)

	start := time.Now()
	d.logEvent(job.ID, eventbus.LogInfo, "scan_start")

	remoteMap, localMap, err := d.gatherSides(ctx, job)
	if err != nil {
		d.logEvent(job.ID, eventbus.LogError, "scan failed: "+err.Error())
		return ComparisonStats{}, err
	}

	records, byState := d.classify(job, remoteMap, localMap, time.Now())

	added, updated, removed, err := d.store.Files().BulkReplaceForJob(job.ID, records, time.Now())
	if err != nil {
		d.logEvent(job.ID, eventbus.LogError, "bulk replace failed: "+err.Error())
		return ComparisonStats{}, engerr.Wrap(err, engerr.Scan, "persist diff for job "+job.ID)
	}

	persisted, err := d.store.Files().Find(store.FileFilter{JobID: job.ID}, store.FindOptions{})
	if err != nil {
		return ComparisonStats{}, engerr.Wrap(err, engerr.Scan, "reload persisted records")
	}
	if err := d.store.Files().BulkUpdateDirectoryAggregates(job.ID, directoryAggregates(persisted)); err != nil {
		d.logEvent(job.ID, eventbus.LogError, "directory aggregate update failed: "+err.Error())
	}

	if job.AutoQueue.Enabled {
		d.autoQueue(job, persisted)
	}

	stats := ComparisonStats{
		FilesFound:   len(records),
		FilesAdded:   added,
		FilesUpdated: updated,
		FilesRemoved: removed,
		DurationMs:   time.Since(start).Milliseconds(),
		ByState:      byState,
	}

	if d.bus != nil {
		d.bus.Publish(eventbus.JobRoom(job.ID), eventbus.TopicScanComplete, eventbus.ScanComplete{
			JobID:        job.ID,
			JobName:      job.Name,
			RemotePath:   job.SourcePath,
			LocalPath:    job.TargetPath,
			FilesFound:   stats.FilesFound,
			FilesAdded:   stats.FilesAdded,
			FilesUpdated: stats.FilesUpdated,
			FilesRemoved: stats.FilesRemoved,
			DurationMs:   stats.DurationMs,
			Ts:           time.Now(),
		})
	}
	return stats, nil
}

func (d *Differ) logEvent(jobID string, level eventbus.LogLevel, msg string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.JobRoom(jobID), eventbus.TopicLogMessage, eventbus.LogMessage{
		JobID: jobID, Level: level, Message: msg, Source: "scan", Ts: time.Now(),
	})
}

// gatherSides runs C1.list against the source server and the target
// (either C2.walk for a local target, or C1.list against a second
// server) concurrently, normalizing both into relative-path-keyed
// SideInfo maps.
func (d *Differ) gatherSides(ctx context.Context, job model.Job) (remote, local map[string]model.SideInfo, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv, err := d.store.Servers().Get(job.SourceServerID)
		if err != nil {
			return engerr.Wrap(err, engerr.Scan, "load source server")
		}
		infos, err := d.executor.List(gctx, srv, job.SourcePath)
		if err != nil {
			return engerr.Wrap(err, engerr.Scan, "list source")
		}
		remote = sideMapFromRemote(job.SourcePath, infos)
		return nil
	})

	g.Go(func() error {
		if job.Target.Local {
			res, walkErr := localwalk.Walk(job.TargetPath, localwalk.Options{IncludeHidden: true, FollowSymlinks: false})
			if walkErr != nil {
				return engerr.Wrap(walkErr, engerr.Scan, "walk target")
			}
			local = sideMapFromLocal(res)
			return nil
		}
		srv, err := d.store.Servers().Get(job.Target.ServerID)
		if err != nil {
			return engerr.Wrap(err, engerr.Scan, "load target server")
		}
		infos, err := d.executor.List(gctx, srv, job.TargetPath)
		if err != nil {
			return engerr.Wrap(err, engerr.Scan, "list target")
		}
		local = sideMapFromRemote(job.TargetPath, infos)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return remote, local, nil
}

func relativeTo(base, full string) string {
	base = strings.TrimRight(base, "/")
	rel := strings.TrimPrefix(full, base)
	return strings.TrimPrefix(rel, "/")
}

func sideMapFromRemote(base string, infos []remoteexec.FileInfo) map[string]model.SideInfo {
	m := make(map[string]model.SideInfo, len(infos))
	for _, fi := range infos {
		rel := relativeTo(base, fi.Path)
		if rel == "" {
			continue
		}
		m[rel] = model.SideInfo{Exists: true, Size: fi.Size, Mtime: fi.Mtime, IsDirectory: fi.IsDirectory}
	}
	return m
}

func sideMapFromLocal(res localwalk.Result) map[string]model.SideInfo {
	m := make(map[string]model.SideInfo, len(res.Files))
	for _, e := range res.Files {
		m[e.RelativePath] = model.SideInfo{Exists: true, Size: e.Size, Mtime: e.Mtime, IsDirectory: e.IsDirectory}
	}
	return m
}

// classify builds the union of both sides' keys, classifies each via
// the equality rule, and accumulates counters by (is_directory, state).
func (d *Differ) classify(job model.Job, remote, local map[string]model.SideInfo, now time.Time) ([]model.FileRecord, map[model.SyncState]int) {
	keys := make(map[string]struct{}, len(remote)+len(local))
	for k := range remote {
		keys[k] = struct{}{}
	}
	for k := range local {
		keys[k] = struct{}{}
	}

	records := make([]model.FileRecord, 0, len(keys))
	counts := make(map[model.SyncState]int)
	for rel := range keys {
		r := remote[rel]
		l := local[rel]
		state := model.Classify(r, l)
		counts[state]++

		name := path.Base(rel)
		parent := path.Dir(rel)
		if parent == "." {
			parent = ""
		}
		records = append(records, model.FileRecord{
			JobID:        job.ID,
			RelativePath: rel,
			Filename:     name,
			IsDirectory:  r.IsDirectory || l.IsDirectory,
			ParentPath:   parent,
			Remote:       r,
			Local:        l,
			SyncState:    state,
			LastSeen:     now,
		})
	}
	return records, counts
}

// directoryAggregates sums sizes/counts of every record into each of
// its ancestor directories. This produces the same totals as an
// explicit deepest-first pass over the directory tree without needing
// to sort by depth: every leaf contributes once to every ancestor.
func directoryAggregates(records []model.FileRecord) []store.DirectoryAggregate {
	agg := make(map[string]*store.DirectoryAggregate)
	for _, f := range records {
		if f.IsDirectory {
			if _, ok := agg[f.RelativePath]; !ok {
				agg[f.RelativePath] = &store.DirectoryAggregate{RelativePath: f.RelativePath}
			}
			continue
		}
		size := f.Remote.Size
		if f.Local.Exists {
			size = f.Local.Size
		}
		for p := f.ParentPath; p != ""; p = parentOf(p) {
			a, ok := agg[p]
			if !ok {
				a = &store.DirectoryAggregate{RelativePath: p}
				agg[p] = a
			}
			a.Size += size
			a.FileCount++
		}
	}
	out := make([]store.DirectoryAggregate, 0, len(agg))
	for _, a := range agg {
		out = append(out, *a)
	}
	return out
}

func parentOf(p string) string {
	d := path.Dir(p)
	if d == "." {
		return ""
	}
	return d
}

// autoQueue enqueues every remote_only record that passes the
// auto-queue predicate.
func (d *Differ) autoQueue(job model.Job, records []model.FileRecord) {
	if d.queue == nil {
		return
	}
	matcher, err := newAutoQueueMatcher(job.AutoQueue)
	if err != nil {
		d.logEvent(job.ID, eventbus.LogError, "invalid auto-queue patterns: "+err.Error())
		return
	}
	for _, f := range records {
		if f.SyncState != model.StateRemoteOnly || f.IsDirectory {
			continue
		}
		if !matcher.matches(f) {
			continue
		}
		if _, err := d.queue.Enqueue(job.ID, f.ID, PriorityNormal); err != nil {
			d.logEvent(job.ID, eventbus.LogWarn, fmt.Sprintf("auto-queue failed for %s: %v", f.RelativePath, err))
		}
	}
}

type autoQueueMatcher struct {
	cfg      model.AutoQueueConfig
	includes map[string]glob.Glob // pattern text -> compiled, split by is_include
	excludes map[string]glob.Glob
}

func newAutoQueueMatcher(cfg model.AutoQueueConfig) (*autoQueueMatcher, error) {
	m := &autoQueueMatcher{cfg: cfg, includes: make(map[string]glob.Glob), excludes: make(map[string]glob.Glob)}
	for _, pm := range cfg.Patterns {
		pat := pm.Pattern
		if !cfg.CaseSensitive {
			pat = strings.ToLower(pat)
		}
		g, err := glob.Compile(pat, '/')
		if err != nil {
			return nil, err
		}
		if pm.IsInclude {
			m.includes[pm.Pattern] = g
		} else {
			m.excludes[pm.Pattern] = g
		}
	}
	return m, nil
}

func (m *autoQueueMatcher) matches(f model.FileRecord) bool {
	if m.cfg.MinSize != nil && f.Remote.Size < *m.cfg.MinSize {
		return false
	}
	if m.cfg.MaxSize != nil && f.Remote.Size > *m.cfg.MaxSize {
		return false
	}

	ext := strings.TrimPrefix(path.Ext(f.Filename), ".")
	if len(m.cfg.IncludeExtensions) > 0 && !containsFold(m.cfg.IncludeExtensions, ext) {
		return false
	}
	if containsFold(m.cfg.ExcludeExtensions, ext) {
		return false
	}

	name, rel := f.Filename, f.RelativePath
	if !m.cfg.CaseSensitive {
		name, rel = strings.ToLower(name), strings.ToLower(rel)
	}
	for _, g := range m.includes {
		if !g.Match(name) && !g.Match(rel) {
			return false
		}
	}
	for _, g := range m.excludes {
		if g.Match(name) || g.Match(rel) {
			return false
		}
	}
	return true
}

func containsFold(list []string, ext string) bool {
	for _, e := range list {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
