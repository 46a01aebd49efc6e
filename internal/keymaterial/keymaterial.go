// Package keymaterial implements C12: materializing ephemeral SSH
// private-key files with strict permissions and guaranteed cleanup.
//
// Grounded on the teacher's osutil.AtomicWriter (internal/osutil/atomic.go):
// a temp file created in a target directory, written, then made
// permanent only on success, with every error path removing the temp
// file. Here "permanent" is never reached — the file is always
// temporary, written once with an O_EXCL guard and a 0600 mode, and
// removed on the transfer's terminal transition rather than renamed
// into place.
package keymaterial

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/foldersync/foldersyncd/internal/engerr"
)

const (
	beginMarker = "-----BEGIN"
	endMarker   = "-----END"
	filePrefix  = "foldersyncd_key_"
)

// Store tracks every key file it has written so CleanupAll can remove
// them on normal or signal-driven shutdown.
type Store struct {
	mut   sync.Mutex
	paths map[string]struct{}
	dir   string
}

// New builds a Store that writes key material under dir (os.TempDir()
// if empty).
func New(dir string) *Store {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Store{paths: make(map[string]struct{}), dir: dir}
}

// Write validates keyText looks like PEM key material, then writes it
// to a process-private file with mode 0600, guarded by O_CREATE|O_EXCL
// so a concurrent writer can never race onto the same name.
func (s *Store) Write(keyText string) (string, error) {
	if !strings.Contains(keyText, beginMarker) || !strings.Contains(keyText, endMarker) {
		return "", engerr.New(engerr.Validation, "key material missing PEM BEGIN/END markers")
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s%d_%d", filePrefix, os.Getpid(), randSuffix()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", engerr.Wrap(err, engerr.System, "create key file")
	}
	if _, err := f.WriteString(keyText); err != nil {
		f.Close()
		os.Remove(path)
		return "", engerr.Wrap(err, engerr.System, "write key file")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", engerr.Wrap(err, engerr.System, "close key file")
	}

	s.mut.Lock()
	s.paths[path] = struct{}{}
	s.mut.Unlock()
	return path, nil
}

// Cleanup removes a single key file, tolerating it already being gone.
func (s *Store) Cleanup(path string) {
	s.mut.Lock()
	delete(s.paths, path)
	s.mut.Unlock()
	os.Remove(path)
}

// CleanupAll removes every key file this Store has written. Called on
// normal daemon shutdown and from the signal handler installed by
// InstallSignalCleanup.
func (s *Store) CleanupAll() {
	s.mut.Lock()
	paths := make([]string, 0, len(s.paths))
	for p := range s.paths {
		paths = append(paths, p)
	}
	s.paths = make(map[string]struct{})
	s.mut.Unlock()
	for _, p := range paths {
		os.Remove(p)
	}
}

// InstallSignalCleanup arranges for CleanupAll to run before the
// process exits on SIGINT or SIGTERM, mirroring cmd/syncthing's
// graceful-shutdown signal handling. It returns a function to stop
// watching when the caller is shutting down through its own path.
func (s *Store) InstallSignalCleanup() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			s.CleanupAll()
			os.Exit(130)
		case <-done:
		}
	}()
	return func() {
		close(done)
		signal.Stop(ch)
	}
}

var suffixMut sync.Mutex
var suffixCounter int64

// randSuffix avoids a dependency on math/rand for what only needs to
// be unique within one process's lifetime; PIDs collide across
// restarts but never within one, and this counter disambiguates
// multiple keys materialized by the same process.
func randSuffix() int64 {
	suffixMut.Lock()
	defer suffixMut.Unlock()
	suffixCounter++
	return suffixCounter
}
