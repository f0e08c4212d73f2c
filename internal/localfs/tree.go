package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	// dirPerm is the permission mode for directories created inside a
	// sync root.
	dirPerm = fs.FileMode(0o755)

	// filePerm is the permission mode for files written inside a sync root.
	filePerm = fs.FileMode(0o644)

	// PartialPrefix names in-flight download artifacts. Scanners and
	// watchers skip anything carrying it.
	PartialPrefix = ".treesync-partial-"
)

// mtimeMin and mtimeMax clamp server-provided modification times to a
// reasonable range.
var (
	mtimeMin = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	mtimeMax = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Tree provides thread-safe filesystem operations on one sync root.
// All mutations are serialized by an exclusive lock. Reads take a shared
// lock so they never observe a half-finished rename.
type Tree struct {
	fs  afero.Fs
	dir string
	mu  sync.RWMutex

	// checkLinks enables symlink escape checks. Only meaningful on the
	// real filesystem.
	checkLinks bool
}

// NewTree creates a Tree rooted at dir on fsys, creating the directory if
// needed. dir must be absolute.
func NewTree(fsys afero.Fs, dir string) (*Tree, error) {
	if dir == "" {
		return nil, fmt.Errorf("sync root directory must not be empty")
	}

	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("sync root directory must be absolute: %q", dir)
	}

	dir = filepath.Clean(dir)

	if err := fsys.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating sync root %s: %w", dir, err)
	}

	_, isOS := fsys.(*afero.OsFs)

	return &Tree{fs: fsys, dir: dir, checkLinks: isOS}, nil
}

// NewOSTree creates a Tree on the real filesystem.
func NewOSTree(dir string) (*Tree, error) {
	return NewTree(afero.NewOsFs(), dir)
}

// Dir returns the absolute root directory.
func (t *Tree) Dir() string {
	return t.dir
}

// Fs returns the underlying filesystem.
func (t *Tree) Fs() afero.Fs {
	return t.fs
}

// WalkFunc receives normalized relative paths. Returning filepath.SkipDir
// on a directory prunes it.
type WalkFunc func(rel string, info os.FileInfo, err error) error

// Walk visits every entry below the root in lexical order. The root
// itself is not reported. Symlinks are reported with their own mode and
// are never followed.
func (t *Tree) Walk(fn WalkFunc) error {
	return afero.Walk(t.fs, t.dir, func(abs string, info os.FileInfo, err error) error {
		if abs == t.dir {
			if err != nil {
				return fmt.Errorf("walking %s: %w", t.dir, err)
			}

			return nil
		}

		rel, relErr := filepath.Rel(t.dir, abs)
		if relErr != nil {
			return relErr
		}

		return fn(NormalizePath(rel), info, err)
	})
}

// WalkUnder is Walk restricted to rel and everything below it. rel itself
// is reported first. A missing rel is not an error.
func (t *Tree) WalkUnder(rel string, fn WalkFunc) error {
	start, err := t.resolve(rel)
	if err != nil {
		return err
	}

	if _, err := t.Stat(rel); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return afero.Walk(t.fs, start, func(abs string, info os.FileInfo, err error) error {
		r, relErr := filepath.Rel(t.dir, abs)
		if relErr != nil {
			return relErr
		}

		return fn(NormalizePath(r), info, err)
	})
}

// Stat returns file info for a relative path without following a final
// symlink when the filesystem supports it.
func (t *Tree) Stat(rel string) (os.FileInfo, error) {
	abs, err := t.resolve(rel)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.lstat(abs)
}

// Open opens a file for reading and returns its info. The caller closes
// the handle.
func (t *Tree) Open(rel string) (afero.File, os.FileInfo, error) {
	abs, err := t.resolve(rel)
	if err != nil {
		return nil, nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	f, err := t.fs.Open(abs)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%s is a directory", rel)
	}

	return f, info, nil
}

// ReadFile reads a file by relative path.
func (t *Tree) ReadFile(rel string) ([]byte, error) {
	abs, err := t.resolve(rel)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return afero.ReadFile(t.fs, abs)
}

// WriteFile writes content through a temp file and renames it into place.
// If mtime is non-zero it is applied after the write.
func (t *Tree) WriteFile(rel string, data []byte, mtime time.Time) error {
	tmp, err := t.CreateTemp(rel)
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Discard()
		return fmt.Errorf("writing %s: %w", rel, err)
	}

	if _, err := tmp.Commit(mtime, nil); err != nil {
		return err
	}

	return nil
}

// MkdirAll creates a directory (and parents) by relative path.
func (t *Tree) MkdirAll(rel string) error {
	abs, err := t.resolve(rel)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.fs.MkdirAll(abs, dirPerm)
}

// DeleteFile removes a file by relative path. Returns nil if the file
// does not exist.
func (t *Tree) DeleteFile(rel string) error {
	abs, err := t.resolve(rel)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	err = t.fs.Remove(abs)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", rel, err)
	}

	return nil
}

// DeleteEmptyDir removes a directory only if it is empty. Returns nil if
// the directory does not exist.
func (t *Tree) DeleteEmptyDir(rel string) error {
	abs, err := t.resolve(rel)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := afero.ReadDir(t.fs, abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("reading directory %s: %w", rel, err)
	}

	if len(entries) > 0 {
		return fmt.Errorf("removing directory %s: %w", rel, ErrNotEmpty)
	}

	if err := t.fs.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing directory %s: %w", rel, err)
	}

	return nil
}

// DeleteAll removes a file or a directory with everything below it.
func (t *Tree) DeleteAll(rel string) error {
	abs, err := t.resolve(rel)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.fs.RemoveAll(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", rel, err)
	}

	return nil
}

// Rename moves an entry within the root. The destination must not exist.
// Parent directories of the destination are created.
func (t *Tree) Rename(from, to string) error {
	fromAbs, err := t.resolve(from)
	if err != nil {
		return err
	}

	toAbs, err := t.resolve(to)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.lstat(toAbs); err == nil {
		return fmt.Errorf("renaming %s to %s: %w", from, to, fs.ErrExist)
	}

	if err := t.fs.MkdirAll(filepath.Dir(toAbs), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", to, err)
	}

	if err := t.fs.Rename(fromAbs, toAbs); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", from, to, err)
	}

	return nil
}

// Fingerprint hashes the content of a file.
func (t *Tree) Fingerprint(rel string) (string, error) {
	f, _, err := t.Open(rel)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, _, err := FingerprintReader(f)

	return sum, err
}

func (t *Tree) lstat(abs string) (os.FileInfo, error) {
	if l, ok := t.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(abs)
		return info, err
	}

	return t.fs.Stat(abs)
}

// resolve converts a relative path to an absolute path within the root,
// rejecting traversal attempts: null bytes, ".." segments, and on the
// real filesystem symlinks that escape the root.
func (t *Tree) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}

	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("path contains null byte: %q", rel)
	}

	rel = strings.ReplaceAll(rel, "\\", "/")

	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains ..: %q", rel)
		}
	}

	abs := filepath.Join(t.dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(abs, t.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside sync root", rel)
	}

	if !t.checkLinks {
		return abs, nil
	}

	// Walk up to the deepest existing ancestor and make sure its real
	// location is still inside the root.
	probe := abs
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			rootReal, rerr := filepath.EvalSymlinks(t.dir)
			if rerr != nil {
				rootReal = t.dir
			}

			if real != rootReal && !strings.HasPrefix(real, rootReal+string(os.PathSeparator)) {
				return "", fmt.Errorf("symlink traversal blocked: %q resolves to %q outside sync root", rel, real)
			}

			return abs, nil
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolving symlinks for %q: %w", rel, err)
		}

		parent := filepath.Dir(probe)
		if parent == probe || len(parent) < len(t.dir) {
			return abs, nil
		}

		probe = parent
	}
}

// clampMtime restricts a timestamp to the range [2000, 2100).
func clampMtime(t time.Time) time.Time {
	if t.Before(mtimeMin) {
		return mtimeMin
	}

	if t.After(mtimeMax) {
		return mtimeMax
	}

	return t
}
