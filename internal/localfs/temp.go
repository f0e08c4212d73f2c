package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// ErrNotEmpty is returned when removing a directory that still has entries.
var ErrNotEmpty = errors.New("directory not empty")

// TempFile is an in-flight write. It becomes visible at its target path
// only through Commit. Discard removes it.
type TempFile struct {
	afero.File
	tree   *Tree
	target string
	closed bool
}

// CreateTemp opens a partial artifact next to rel so the final rename
// stays on one filesystem.
func (t *Tree) CreateTemp(rel string) (*TempFile, error) {
	abs, err := t.resolve(rel)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	dir := filepath.Dir(abs)
	if err := t.fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", rel, err)
	}

	f, err := afero.TempFile(t.fs, dir, PartialPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file for %s: %w", rel, err)
	}

	return &TempFile{File: f, tree: t, target: rel}, nil
}

// Commit closes the temp file, runs check against the current state of
// the target, and renames the temp file over it. check receives nil when
// the target does not exist. On any error the temp file is removed.
func (tf *TempFile) Commit(mtime time.Time, check func(current os.FileInfo) error) (os.FileInfo, error) {
	t := tf.tree

	if err := tf.close(); err != nil {
		tf.Discard()
		return nil, fmt.Errorf("closing temp file for %s: %w", tf.target, err)
	}

	abs, err := t.resolve(tf.target)
	if err != nil {
		tf.Discard()
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if check != nil {
		current, err := t.lstat(abs)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			tf.discardLocked()
			return nil, fmt.Errorf("stat %s: %w", tf.target, err)
		}

		if err != nil {
			current = nil
		}

		if err := check(current); err != nil {
			tf.discardLocked()
			return nil, err
		}
	}

	if err := t.fs.Rename(tf.Name(), abs); err != nil {
		tf.discardLocked()
		return nil, fmt.Errorf("moving temp file into %s: %w", tf.target, err)
	}

	if !mtime.IsZero() {
		mtime = clampMtime(mtime)
		if err := t.fs.Chtimes(abs, mtime, mtime); err != nil {
			return nil, fmt.Errorf("setting mtime for %s: %w", tf.target, err)
		}
	}

	return t.lstat(abs)
}

// Discard closes and removes the temp file. Safe to call more than once.
func (tf *TempFile) Discard() {
	tf.tree.mu.Lock()
	defer tf.tree.mu.Unlock()

	tf.discardLocked()
}

func (tf *TempFile) discardLocked() {
	_ = tf.close()
	_ = tf.tree.fs.Remove(tf.Name())
}

func (tf *TempFile) close() error {
	if tf.closed {
		return nil
	}

	tf.closed = true

	return tf.File.Close()
}
