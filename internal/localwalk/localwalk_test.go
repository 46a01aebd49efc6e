package localwalk

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mustWriteFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWalkBasic(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.txt"), 100)
	mustWriteFile(t, filepath.Join(root, "dir", "b.txt"), 200)

	res, err := Walk(root, Options{})
	if err != nil {
		t.Fatal(err)
	}

	byPath := map[string]Entry{}
	for _, e := range res.Files {
		byPath[e.RelativePath] = e
	}
	if e, ok := byPath["a.txt"]; !ok || e.Size != 100 || e.IsDirectory {
		t.Fatalf("unexpected a.txt entry: %+v ok=%v", e, ok)
	}
	if e, ok := byPath["dir"]; !ok || !e.IsDirectory || e.Size != 0 {
		t.Fatalf("unexpected dir entry: %+v ok=%v", e, ok)
	}
	if e, ok := byPath["dir/b.txt"]; !ok || e.Size != 200 {
		t.Fatalf("unexpected dir/b.txt entry: %+v ok=%v", e, ok)
	}
	if res.TotalSize != 300 {
		t.Fatalf("expected total size 300, got %d", res.TotalSize)
	}
}

func TestWalkHiddenExcludedByDefault(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, ".hidden"), 10)
	mustWriteFile(t, filepath.Join(root, "visible.txt"), 10)

	res, err := Walk(root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 1 || res.Files[0].RelativePath != "visible.txt" {
		t.Fatalf("expected only visible.txt, got %+v", res.Files)
	}

	res, err = Walk(root, Options{IncludeHidden: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("expected 2 files with IncludeHidden, got %d", len(res.Files))
	}
}

func TestWalkIncludeExcludePatterns(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "movie.mkv"), 10)
	mustWriteFile(t, filepath.Join(root, "movie.tmp"), 10)

	res, err := Walk(root, Options{IncludePatterns: []string{"*.mkv"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 1 || res.Files[0].Name != "movie.mkv" {
		t.Fatalf("expected only movie.mkv, got %+v", res.Files)
	}
}

func TestWalkMaxDepth(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a", "b", "c.txt"), 10)

	res, err := Walk(root, Options{MaxDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range res.Files {
		if e.RelativePath == "a/b" || e.RelativePath == "a/b/c.txt" {
			t.Fatalf("expected depth-limited walk to not descend past depth 1, got %+v", e)
		}
	}
}

func TestWalkSymlinkNotFollowedByDefault(t *testing.T) {
	root := t.TempDir()
	target := t.TempDir()
	mustWriteFile(t, filepath.Join(target, "inside.txt"), 10)
	if err := os.Symlink(target, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	res, err := Walk(root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range res.Files {
		if e.RelativePath == "link/inside.txt" {
			t.Fatal("expected symlink not to be followed by default")
		}
	}
}

func TestWalkRejectsNonDirectoryRoot(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f.txt")
	mustWriteFile(t, file, 1)

	if _, err := Walk(file, Options{}); err == nil {
		t.Fatal("expected error for non-directory root")
	}
}

func TestWalkPreservesMtime(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	mustWriteFile(t, path, 1)
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	res, err := Walk(root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Files[0].Mtime.Equal(mtime) {
		t.Fatalf("expected mtime %v, got %v", mtime, res.Files[0].Mtime)
	}
}
