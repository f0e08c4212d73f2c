package scanner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/treesync/internal/filter"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/models"
)

var errStopWalk = errors.New("walk stopped")

// Result holds the outcome of one local scan against the journal.
type Result struct {
	// Current maps every allowed entry on disk by relative path.
	Current map[string]models.LocalEntry
	// Changes holds the local side's differences from the journal.
	Changes models.ChangeSet
}

// Scanner observes one sync root. Each call to Entries or Scan walks the
// filesystem afresh; nothing is cached between calls.
type Scanner struct {
	tree   *localfs.Tree
	filter *filter.Filter
	policy RenamePolicy
	logger *slog.Logger
}

// New creates a Scanner.
func New(tree *localfs.Tree, f *filter.Filter, policy RenamePolicy, logger *slog.Logger) *Scanner {
	return &Scanner{tree: tree, filter: f, policy: policy, logger: logger}
}

// Entries lazily walks the root. Entries carry path, type, size and
// mtime but no fingerprint. Filtered directories are pruned; symlinks
// are skipped. The sequence stops at the first walk error, which is
// yielded with a zero entry.
func (s *Scanner) Entries(ctx context.Context) iter.Seq2[models.LocalEntry, error] {
	return func(yield func(models.LocalEntry, error) bool) {
		err := s.tree.Walk(func(rel string, info os.FileInfo, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			if err != nil {
				return fmt.Errorf("walking %s: %w", rel, err)
			}

			if !s.filter.Allow(rel) {
				if info.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}

			if info.Mode()&os.ModeSymlink != 0 {
				s.logger.Debug("skipping symlink during scan", slog.String("path", rel))
				return nil
			}

			if !info.IsDir() && !info.Mode().IsRegular() {
				return nil
			}

			entry := models.LocalEntry{
				Path:   rel,
				Folder: info.IsDir(),
				MTime:  info.ModTime().UnixMilli(),
			}
			if !entry.Folder {
				entry.Size = info.Size()
			}

			if !yield(entry, nil) {
				return errStopWalk
			}

			return nil
		})
		if err != nil && !errors.Is(err, errStopWalk) {
			yield(models.LocalEntry{}, err)
		}
	}
}

// Scan walks the root and classifies every entry against the journal
// records. Files are only rehashed when mtime or size differ from the
// record; a touched file with identical content is unchanged. Records
// under filtered paths are never reported as removed.
func (s *Scanner) Scan(ctx context.Context, records map[string]journal.Record) (*Result, error) {
	result := &Result{
		Current: make(map[string]models.LocalEntry),
		Changes: models.ChangeSet{},
	}

	seen := make(map[string]bool)

	for entry, err := range s.Entries(ctx) {
		if err != nil {
			return nil, fmt.Errorf("scanning local tree: %w", err)
		}

		seen[entry.Path] = true

		rec, exists := records[entry.Path]

		if entry.Folder {
			result.Current[entry.Path] = entry

			if !exists || !rec.Folder {
				result.Changes.Add(localChange(addedOrModified(exists), entry))
			}

			continue
		}

		if exists && !rec.Folder && rec.MTime == entry.MTime && rec.Size == entry.Size {
			entry.Fingerprint = rec.Fingerprint
			result.Current[entry.Path] = entry

			continue
		}

		fp, err := s.tree.Fingerprint(entry.Path)
		if err != nil {
			// Leave it for the next run rather than guessing.
			s.logger.Warn("hashing file during scan",
				slog.String("path", entry.Path),
				slog.String("error", err.Error()),
			)

			continue
		}

		entry.Fingerprint = fp
		result.Current[entry.Path] = entry

		if exists && !rec.Folder && rec.Fingerprint == fp {
			continue
		}

		result.Changes.Add(localChange(addedOrModified(exists), entry))
	}

	var removed []journal.Record

	for p, rec := range records {
		if seen[p] || !s.filter.Allow(p) {
			continue
		}

		removed = append(removed, rec)
		result.Changes.Add(models.Change{Kind: models.ChangeRemoved, Path: p, Folder: rec.Folder})
	}

	pairs := s.policy.Pair(removed, result.Changes)
	for _, pair := range pairs {
		added := result.Changes[pair.To]
		delete(result.Changes, pair.From)
		result.Changes.Add(models.Change{
			Kind:  models.ChangeRenamed,
			Path:  pair.To,
			From:  pair.From,
			Local: added.Local,
		})
	}

	s.logger.Info("local scan complete",
		slog.Int("on_disk", len(seen)),
		slog.Int("added", result.Changes.Count(models.ChangeAdded)),
		slog.Int("modified", result.Changes.Count(models.ChangeModified)),
		slog.Int("removed", result.Changes.Count(models.ChangeRemoved)),
		slog.Int("renamed", result.Changes.Count(models.ChangeRenamed)),
	)

	return result, nil
}

func addedOrModified(exists bool) models.ChangeKind {
	if exists {
		return models.ChangeModified
	}

	return models.ChangeAdded
}

func localChange(kind models.ChangeKind, entry models.LocalEntry) models.Change {
	e := entry

	return models.Change{Kind: kind, Path: entry.Path, Folder: entry.Folder, Local: &e}
}
