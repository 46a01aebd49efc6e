// Package localwalk implements the Local Walker (C2): a directory
// walk producing typed metadata records for the local side of a job.
//
// Grounded on the teacher's scanner.Walker (internal/scanner/walk.go):
// a filepath.Walk callback that computes the path relative to the
// walk root, skips what it's told to ignore (returning
// filepath.SkipDir for ignored directories rather than erroring the
// walk), and treats a failed per-entry stat as "log and continue", not
// "abort". Ignore-pattern matching is generalized from the teacher's
// compiled `ignore.Patterns` to `gobwas/glob`, and the permission-bits
// compare-old-vs-new path is dropped since this walker has no
// "current file" baseline to diff against — the engine's own state
// manager (internal/statemgr) fills that role at a higher layer.
package localwalk

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/foldersync/foldersyncd/internal/engerr"
)

// Entry is one path observed during a walk.
type Entry struct {
	RelativePath string
	Name         string
	Size         int64
	Mtime        time.Time
	IsDirectory  bool
}

// WalkError is a single per-entry failure, collected rather than
// aborting the walk.
type WalkError struct {
	Path string
	Err  error
}

// Result is the full output of a Walk call.
type Result struct {
	Files     []Entry
	Errors    []WalkError
	TotalSize int64
}

// Options mirrors spec.md §4.2's walk options.
type Options struct {
	IncludeHidden   bool
	FollowSymlinks  bool
	MaxDepth        int // 0 means unlimited
	IncludePatterns []string
	ExcludePatterns []string
	CaseSensitive   bool
}

func compilePatterns(patterns []string, caseSensitive bool) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		if !caseSensitive {
			p = strings.ToLower(p)
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, engerr.Wrap(err, engerr.Validation, "compile pattern "+p)
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

func matchesAny(globs []glob.Glob, name string, caseSensitive bool) bool {
	if !caseSensitive {
		name = strings.ToLower(name)
	}
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Walk walks root according to opts, collecting Entry records and
// per-entry errors rather than aborting on the first failure.
func Walk(root string, opts Options) (Result, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return Result{}, engerr.Wrap(err, engerr.System, "stat walk root "+root)
	}
	if !info.IsDir() {
		return Result{}, engerr.New(engerr.Validation, root+" is not a directory")
	}

	include, err := compilePatterns(opts.IncludePatterns, opts.CaseSensitive)
	if err != nil {
		return Result{}, err
	}
	exclude, err := compilePatterns(opts.ExcludePatterns, opts.CaseSensitive)
	if err != nil {
		return Result{}, err
	}

	w := &walker{
		root:    root,
		opts:    opts,
		include: include,
		exclude: exclude,
		visited: make(map[string]bool),
	}
	w.walkDir(root, 0)
	return w.result, nil
}

type walker struct {
	root    string
	opts    Options
	include []glob.Glob
	exclude []glob.Glob
	visited map[string]bool // real paths already descended into, for symlink-loop prevention
	result  Result
}

func (w *walker) relPath(p string) string {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

func (w *walker) matches(rel string, name string) bool {
	if len(w.include) > 0 && !matchesAny(w.include, name, w.opts.CaseSensitive) && !matchesAny(w.include, rel, w.opts.CaseSensitive) {
		return false
	}
	if matchesAny(w.exclude, name, w.opts.CaseSensitive) || matchesAny(w.exclude, rel, w.opts.CaseSensitive) {
		return false
	}
	return true
}

func (w *walker) walkDir(dir string, depth int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.result.Errors = append(w.result.Errors, WalkError{Path: dir, Err: err})
		return
	}

	for _, de := range entries {
		name := de.Name()
		path := filepath.Join(dir, name)
		rel := w.relPath(path)

		if !w.opts.IncludeHidden && strings.HasPrefix(name, ".") {
			continue
		}

		fi, err := de.Info()
		if err != nil {
			w.result.Errors = append(w.result.Errors, WalkError{Path: path, Err: err})
			continue
		}

		isSymlink := fi.Mode()&os.ModeSymlink != 0
		if isSymlink {
			if !w.opts.FollowSymlinks {
				continue
			}
			target, err := filepath.EvalSymlinks(path)
			if err != nil {
				w.result.Errors = append(w.result.Errors, WalkError{Path: path, Err: err})
				continue
			}
			if w.visited[target] {
				continue // symlink loop
			}
			fi, err = os.Stat(target)
			if err != nil {
				w.result.Errors = append(w.result.Errors, WalkError{Path: path, Err: err})
				continue
			}
			if fi.IsDir() {
				w.visited[target] = true
			}
		}

		if !w.matches(rel, name) {
			continue // pruned: neither emitted nor descended into
		}

		if fi.IsDir() {
			w.result.Files = append(w.result.Files, Entry{
				RelativePath: rel,
				Name:         name,
				Size:         0,
				Mtime:        fi.ModTime(),
				IsDirectory:  true,
			})
			if w.opts.MaxDepth > 0 && depth+1 >= w.opts.MaxDepth {
				continue
			}
			w.walkDir(path, depth+1)
			continue
		}

		if fi.Mode().IsRegular() {
			w.result.Files = append(w.result.Files, Entry{
				RelativePath: rel,
				Name:         name,
				Size:         fi.Size(),
				Mtime:        fi.ModTime(),
				IsDirectory:  false,
			})
			w.result.TotalSize += fi.Size()
		}
	}
}
