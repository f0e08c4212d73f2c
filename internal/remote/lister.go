package remote

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/alexjbarnes/treesync/internal/filter"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/models"
	"github.com/alexjbarnes/treesync/internal/retry"
	"github.com/jonboulle/clockwork"
)

// Listing is the classified remote side of one run.
type Listing struct {
	// Current maps every allowed remote entry by relative path.
	Current map[string]models.RemoteEntry
	// Changes holds the remote side's differences from the journal.
	Changes models.ChangeSet
}

// Lister pages through the remote tree.
type Lister struct {
	api     API
	retry   retry.Config
	clock   clockwork.Clock
	timeout time.Duration
	logger  *slog.Logger
}

// NewLister creates a Lister. A zero timeout disables the per-page
// deadline.
func NewLister(api API, cfg retry.Config, clock clockwork.Clock, timeout time.Duration, logger *slog.Logger) *Lister {
	return &Lister{api: api, retry: cfg, clock: clock, timeout: timeout, logger: logger}
}

// Entries lazily yields the remote tree page by page. Each page is
// fetched under the retry policy. The sequence stops at the first
// error, which is yielded with a zero entry.
func (l *Lister) Entries(ctx context.Context) iter.Seq2[models.RemoteEntry, error] {
	return func(yield func(models.RemoteEntry, error) bool) {
		cursor := ""

		for {
			page, _, err := retry.DoWithResult(ctx, l.clock, l.retry, func(ctx context.Context) (Page, error) {
				if l.timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, l.timeout)

					defer cancel()
				}

				return l.api.ListPage(ctx, cursor)
			})
			if err != nil {
				yield(models.RemoteEntry{}, fmt.Errorf("listing remote page %q: %w", cursor, err))
				return
			}

			for _, e := range page.Entries {
				e.Path = localfs.NormalizePath(e.Path)
				if e.Path == "" {
					continue
				}

				if !yield(e, nil) {
					return
				}
			}

			if page.Next == "" || page.Next == cursor {
				return
			}

			cursor = page.Next
		}
	}
}

// List fetches the whole remote tree and classifies it against the
// journal records. Entries and records on disallowed paths are skipped.
func (l *Lister) List(ctx context.Context, records map[string]journal.Record, f *filter.Filter) (*Listing, error) {
	listing := &Listing{
		Current: make(map[string]models.RemoteEntry),
		Changes: models.ChangeSet{},
	}

	for e, err := range l.Entries(ctx) {
		if err != nil {
			return nil, err
		}

		if !f.Allow(e.Path) {
			continue
		}

		listing.Current[e.Path] = e
	}

	byID := make(map[string]string)

	for p, rec := range records {
		if rec.FileID != "" {
			byID[rec.FileID] = p
		}
	}

	for p, e := range listing.Current {
		rec, exists := records[p]

		switch {
		case !exists:
			if from, ok := l.renameSource(e, records, byID, listing.Current, f); ok {
				listing.Changes.Add(remoteChange(models.ChangeRenamed, e, from))
				continue
			}

			listing.Changes.Add(remoteChange(models.ChangeAdded, e, ""))
		case rec.Folder != e.Folder:
			listing.Changes.Add(remoteChange(models.ChangeModified, e, ""))
		case rec.FileID != "" && e.FileID != "" && rec.FileID != e.FileID:
			listing.Changes.Add(remoteChange(models.ChangeModified, e, ""))
		case !e.Folder && rec.ETag != e.ETag:
			listing.Changes.Add(remoteChange(models.ChangeModified, e, ""))
		}
	}

	renamed := listing.Changes.RenameSources()

	for p, rec := range records {
		if _, ok := listing.Current[p]; ok {
			continue
		}

		if _, ok := renamed[p]; ok {
			continue
		}

		if !f.Allow(p) {
			continue
		}

		listing.Changes.Add(models.Change{Kind: models.ChangeRemoved, Path: p, Folder: rec.Folder})
	}

	l.logger.Info("remote listing complete",
		slog.Int("entries", len(listing.Current)),
		slog.Int("added", listing.Changes.Count(models.ChangeAdded)),
		slog.Int("modified", listing.Changes.Count(models.ChangeModified)),
		slog.Int("removed", listing.Changes.Count(models.ChangeRemoved)),
		slog.Int("renamed", listing.Changes.Count(models.ChangeRenamed)),
	)

	return listing, nil
}

// renameSource reports the journal path e was moved from: a file whose
// id matches a record at a path that no longer exists remotely, with an
// unchanged etag.
func (l *Lister) renameSource(e models.RemoteEntry, records map[string]journal.Record, byID map[string]string, current map[string]models.RemoteEntry, f *filter.Filter) (string, bool) {
	if e.Folder || e.FileID == "" {
		return "", false
	}

	from, ok := byID[e.FileID]
	if !ok {
		return "", false
	}

	if _, stillThere := current[from]; stillThere || !f.Allow(from) {
		return "", false
	}

	rec := records[from]
	if rec.Folder || rec.ETag != e.ETag {
		return "", false
	}

	return from, true
}

func remoteChange(kind models.ChangeKind, e models.RemoteEntry, from string) models.Change {
	entry := e

	return models.Change{Kind: kind, Path: e.Path, From: from, Folder: e.Folder, Remote: &entry}
}
