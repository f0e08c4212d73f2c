package propagate

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/events"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/metrics"
	"github.com/alexjbarnes/treesync/internal/models"
	"github.com/alexjbarnes/treesync/internal/reconcile"
	"github.com/alexjbarnes/treesync/internal/remote"
)

func (r *run) apply(ctx context.Context, in reconcile.Instruction) error {
	switch in.Kind {
	case reconcile.KindUpload:
		if in.Folder {
			return r.mkdirRemote(ctx, in)
		}

		return r.upload(ctx, in)
	case reconcile.KindDownload:
		if in.Folder {
			return r.mkdirLocal(in)
		}

		return r.download(ctx, in)
	case reconcile.KindDelete:
		switch {
		case in.Exclusion:
			return r.dropExcluded(in)
		case in.Direction == reconcile.DirectionLocal:
			return r.deleteLocal(in)
		default:
			return r.deleteRemote(ctx, in)
		}
	case reconcile.KindRename:
		if in.Direction == reconcile.DirectionLocal {
			return r.renameLocal(in)
		}

		return r.renameRemote(ctx, in)
	case reconcile.KindConflictCopy:
		return r.conflictCopy(in)
	case reconcile.KindIgnore:
		return r.commitJournal(in)
	default:
		return fmt.Errorf("unknown instruction kind %d", in.Kind)
	}
}

// upload streams a local file to the remote. The file is re-checked after
// the put; if it changed meanwhile the journal is left alone.
func (r *run) upload(ctx context.Context, in reconcile.Instruction) (err error) {
	cfg := r.p.cfg

	f, info, err := cfg.Tree.Open(in.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return syncerr.Op("upload", in.Path, syncerr.ErrChangedDuringSync)
	}

	if err != nil {
		return syncerr.Op("upload", in.Path, err)
	}
	defer f.Close()

	if err := matchesLocal(in.Expected, info); err != nil {
		return syncerr.Op("upload", in.Path, err)
	}

	prev, err := cfg.Journal.Lookup(in.Path)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", in.Path, err)
	}

	if prev != nil {
		if err := cfg.Journal.SetFlag(in.Path, journal.FlagPending); err != nil {
			return fmt.Errorf("marking %s pending: %w", in.Path, err)
		}

		defer r.restoreFlag(prev, &err)
	}

	body := newHashingReader(f)
	pre := remote.Precondition{ETag: in.Expected.RemoteETag, MustNotExist: in.Expected.MustNotExist}

	var entry models.RemoteEntry

	err = r.remoteCall(ctx, func(ctx context.Context) error {
		var err error
		entry, err = cfg.API.Put(ctx, in.Path, body, info.Size(), pre)

		return err
	})
	if err != nil {
		return err
	}

	after, err := cfg.Tree.Stat(in.Path)
	if err != nil || after.Size() != info.Size() || !after.ModTime().Equal(info.ModTime()) {
		return syncerr.Op("upload", in.Path, syncerr.ErrChangedDuringSync)
	}

	metrics.RecordTransfer(cfg.Root, "upload", info.Size())

	rec := journal.Record{
		Path:        in.Path,
		FileID:      entry.FileID,
		Fingerprint: localfs.Sum(body.h),
		Size:        info.Size(),
		MTime:       info.ModTime().UnixMilli(),
		ETag:        entry.ETag,
		Flag:        flagOr(in.Flag),
		Parent:      models.Parent(in.Path),
	}

	if rec.FileID == "" && prev != nil {
		rec.FileID = prev.FileID
	}

	return cfg.Journal.Commit(rec, cfg.Clock.Now())
}

// download streams a remote file into a temp file and moves it into
// place only if the local path still looks the way the plan expected.
func (r *run) download(ctx context.Context, in reconcile.Instruction) (err error) {
	cfg := r.p.cfg

	prev, err := cfg.Journal.Lookup(in.Path)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", in.Path, err)
	}

	if prev != nil {
		if err := cfg.Journal.SetFlag(in.Path, journal.FlagPending); err != nil {
			return fmt.Errorf("marking %s pending: %w", in.Path, err)
		}

		defer r.restoreFlag(prev, &err)
	}

	tmp, err := cfg.Tree.CreateTemp(in.Path)
	if err != nil {
		return syncerr.Op("download", in.Path, err)
	}

	h := localfs.NewHasher()

	var entry models.RemoteEntry

	err = r.remoteCall(ctx, func(ctx context.Context) error {
		var err error
		entry, err = cfg.API.Get(ctx, in.Path, io.MultiWriter(tmp, h))

		return err
	})
	if err != nil {
		tmp.Discard()
		return err
	}

	info, err := tmp.Commit(entry.ModTime(), func(current os.FileInfo) error {
		return matchesLocal(in.Expected, current)
	})
	if err != nil {
		return syncerr.Op("download", in.Path, err)
	}

	metrics.RecordTransfer(cfg.Root, "download", info.Size())

	rec := journal.Record{
		Path:        in.Path,
		FileID:      entry.FileID,
		Fingerprint: localfs.Sum(h),
		Size:        info.Size(),
		MTime:       info.ModTime().UnixMilli(),
		ETag:        entry.ETag,
		Flag:        flagOr(in.Flag),
		Parent:      models.Parent(in.Path),
	}

	if rec.FileID == "" && in.Remote != nil {
		rec.FileID = in.Remote.FileID
	}

	if err := cfg.Journal.Commit(rec, cfg.Clock.Now()); err != nil {
		return err
	}

	r.attachPreview(in.Path)

	return nil
}

// restoreFlag puts back the flag a failed transfer replaced with pending.
// The pending flag only survives a crash in the middle of a transfer.
func (r *run) restoreFlag(prev *journal.Record, err *error) {
	if *err == nil {
		return
	}

	if ferr := r.p.cfg.Journal.SetFlag(prev.Path, flagOr(prev.Flag)); ferr != nil {
		r.p.cfg.Logger.Warn("restoring journal flag",
			slog.String("path", prev.Path),
			slog.String("error", ferr.Error()),
		)
	}
}

func (r *run) mkdirRemote(ctx context.Context, in reconcile.Instruction) error {
	cfg := r.p.cfg

	var entry models.RemoteEntry

	err := r.remoteCall(ctx, func(ctx context.Context) error {
		var err error
		entry, err = cfg.API.Mkdir(ctx, in.Path)

		return err
	})
	if err != nil {
		return err
	}

	return cfg.Journal.Commit(folderRecord(in.Path, entry.FileID, entry.ETag), cfg.Clock.Now())
}

func (r *run) mkdirLocal(in reconcile.Instruction) error {
	cfg := r.p.cfg

	if err := cfg.Tree.MkdirAll(in.Path); err != nil {
		return syncerr.Op("mkdir", in.Path, err)
	}

	var id, etag string
	if in.Remote != nil {
		id, etag = in.Remote.FileID, in.Remote.ETag
	}

	return cfg.Journal.Commit(folderRecord(in.Path, id, etag), cfg.Clock.Now())
}

func (r *run) deleteLocal(in reconcile.Instruction) error {
	cfg := r.p.cfg

	info, err := cfg.Tree.Stat(in.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return syncerr.Op("delete", in.Path, err)
	}

	if err == nil {
		if err := matchesLocal(in.Expected, info); err != nil {
			return syncerr.Op("delete", in.Path, err)
		}

		if in.Folder {
			err = r.deleteLocalFolder(in.Path)
		} else {
			err = cfg.Tree.DeleteFile(in.Path)
		}

		if err != nil {
			return syncerr.Op("delete", in.Path, err)
		}
	}

	return r.forget(in)
}

func (r *run) deleteRemote(ctx context.Context, in reconcile.Instruction) error {
	cfg := r.p.cfg
	pre := remote.Precondition{ETag: in.Expected.RemoteETag}

	err := r.remoteCall(ctx, func(ctx context.Context) error {
		return cfg.API.Delete(ctx, in.Path, pre)
	})
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	return r.forget(in)
}

// deleteLocalFolder removes a folder deleted on the other side. Ignored
// leftovers such as .DS_Store go with it, and so do subfolders that only
// held such leftovers. Any other file still inside makes the delete fail
// with ErrNotEmpty before anything is removed.
func (r *run) deleteLocalFolder(dir string) error {
	tree := r.p.cfg.Tree

	var junk, dirs []string

	err := tree.WalkUnder(dir, func(rel string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		switch {
		case rel != dir && r.ignored(rel):
			junk = append(junk, rel)

			if info.IsDir() {
				return filepath.SkipDir
			}
		case info.IsDir():
			dirs = append(dirs, rel)
		default:
			return fmt.Errorf("removing directory %s: %w", dir, localfs.ErrNotEmpty)
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range junk {
		if err := tree.DeleteAll(p); err != nil {
			return err
		}
	}

	if len(junk) > 0 {
		r.p.cfg.Logger.Debug("removed ignored leftovers",
			slog.String("path", dir),
			slog.Int("count", len(junk)),
		)
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := tree.DeleteEmptyDir(dirs[i]); err != nil {
			return err
		}
	}

	return nil
}

// dropExcluded removes a subtree that left the sync selection. Only the
// local copy and the journal are touched. Files that still match their
// journal record are removed, as are ignored leftovers. Files edited
// since the last sync or never synced stay on disk with their folders,
// since the server has no copy of that content.
func (r *run) dropExcluded(in reconcile.Instruction) error {
	cfg := r.p.cfg

	type entry struct {
		path string
		info os.FileInfo
	}

	var files, dirs []entry

	err := cfg.Tree.WalkUnder(in.Path, func(rel string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			dirs = append(dirs, entry{rel, info})
		} else {
			files = append(files, entry{rel, info})
		}

		return nil
	})
	if err != nil {
		return syncerr.Op("exclude", in.Path, err)
	}

	var kept []string

	for _, f := range files {
		remove := r.ignored(f.path)

		if !remove && f.info.Mode().IsRegular() {
			remove, err = r.unchangedSinceSync(f.path, f.info)
			if err != nil {
				return syncerr.Op("exclude", f.path, err)
			}
		}

		if !remove {
			kept = append(kept, f.path)
			continue
		}

		if err := cfg.Tree.DeleteFile(f.path); err != nil {
			return syncerr.Op("exclude", f.path, err)
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		err := cfg.Tree.DeleteEmptyDir(dirs[i].path)
		if err != nil && !errors.Is(err, localfs.ErrNotEmpty) {
			return syncerr.Op("exclude", dirs[i].path, err)
		}
	}

	if len(kept) > 0 {
		cfg.Logger.Warn("kept unsynced files in excluded folder",
			slog.String("path", in.Path),
			slog.Int("kept", len(kept)),
			slog.String("first", kept[0]),
		)
	}

	return cfg.Journal.RemoveTree(in.Path)
}

// unchangedSinceSync reports whether a local file still holds the
// content its journal record was committed with.
func (r *run) unchangedSinceSync(path string, info os.FileInfo) (bool, error) {
	rec, err := r.p.cfg.Journal.Lookup(path)
	if err != nil {
		return false, fmt.Errorf("looking up %s: %w", path, err)
	}

	if rec == nil || rec.Folder || rec.Size != info.Size() {
		return false, nil
	}

	if rec.MTime == info.ModTime().UnixMilli() {
		return true, nil
	}

	fp, err := r.p.cfg.Tree.Fingerprint(path)
	if err != nil {
		return false, err
	}

	return fp == rec.Fingerprint, nil
}

func (r *run) ignored(path string) bool {
	return r.p.cfg.Filter != nil && r.p.cfg.Filter.Ignored(path)
}

func (r *run) forget(in reconcile.Instruction) error {
	if in.Folder {
		return r.p.cfg.Journal.RemoveTree(in.Path)
	}

	return r.p.cfg.Journal.Remove(in.Path)
}

func (r *run) renameLocal(in reconcile.Instruction) error {
	cfg := r.p.cfg

	info, err := cfg.Tree.Stat(in.From)
	if err != nil {
		return syncerr.Op("rename", in.From, fmt.Errorf("%w: %w", syncerr.ErrChangedDuringSync, err))
	}

	if err := matchesLocal(in.Expected, info); err != nil {
		return syncerr.Op("rename", in.From, err)
	}

	if err := cfg.Tree.Rename(in.From, in.Path); err != nil {
		return syncerr.Op("rename", in.Path, err)
	}

	rec := recordFor(in)
	rec.MTime = info.ModTime().UnixMilli()

	if !info.IsDir() {
		rec.Size = info.Size()
	}

	return cfg.Journal.CommitRename(in.From, rec, cfg.Clock.Now())
}

func (r *run) renameRemote(ctx context.Context, in reconcile.Instruction) error {
	cfg := r.p.cfg

	var entry models.RemoteEntry

	err := r.remoteCall(ctx, func(ctx context.Context) error {
		var err error
		entry, err = cfg.API.Move(ctx, in.From, in.Path)

		return err
	})
	if err != nil {
		return err
	}

	rec := recordFor(in)
	if entry.ETag != "" {
		rec.ETag = entry.ETag
	}

	if rec.FileID == "" {
		rec.FileID = entry.FileID
	}

	return cfg.Journal.CommitRename(in.From, rec, cfg.Clock.Now())
}

// conflictCopy moves the local version aside so the remote version can
// take its place. The conflict is recorded before anything else happens
// to the path.
func (r *run) conflictCopy(in reconcile.Instruction) error {
	cfg := r.p.cfg

	info, err := cfg.Tree.Stat(in.From)
	if err != nil {
		return syncerr.Op("conflict", in.From, fmt.Errorf("%w: %w", syncerr.ErrChangedDuringSync, err))
	}

	if err := matchesLocal(in.Expected, info); err != nil {
		return syncerr.Op("conflict", in.From, err)
	}

	if err := cfg.Tree.Rename(in.From, in.Path); err != nil {
		return syncerr.Op("conflict", in.Path, err)
	}

	c := journal.ConflictRecord{
		ID:           uuid.NewString(),
		Path:         in.From,
		ConflictPath: in.Path,
		DetectedAt:   cfg.Clock.Now(),
	}

	if in.Local != nil {
		c.LocalFingerprint = in.Local.Fingerprint
	}

	if in.Remote != nil {
		c.RemoteETag = in.Remote.ETag
	}

	if err := cfg.Journal.SaveConflict(c); err != nil {
		return fmt.Errorf("saving conflict for %s: %w", in.From, err)
	}

	r.mu.Lock()
	r.conflicts[in.From] = c
	r.order = append(r.order, in.From)
	r.mu.Unlock()

	metrics.RecordConflict(cfg.Root)

	cfg.Sink.Publish(events.Event{
		Type:   events.Conflict,
		Root:   cfg.Root,
		RunID:  r.runID,
		Time:   cfg.Clock.Now(),
		Path:   in.From,
		Kind:   in.Kind.String(),
		Detail: in.Path,
	})

	return nil
}

// commitJournal applies a journal-only instruction.
func (r *run) commitJournal(in reconcile.Instruction) error {
	j := r.p.cfg.Journal
	now := r.p.cfg.Clock.Now()

	switch {
	case in.Record == nil:
		return j.Remove(in.Path)
	case in.From != "":
		return j.CommitRename(in.From, *in.Record, now)
	default:
		return j.Commit(*in.Record, now)
	}
}

// matchesLocal reports ErrChangedDuringSync when the local entry no longer
// matches the state the plan was made from. A nil info means the entry
// does not exist.
func matchesLocal(pre reconcile.PreState, info os.FileInfo) error {
	if !pre.LocalExists {
		if info != nil {
			return syncerr.ErrChangedDuringSync
		}

		return nil
	}

	if info == nil || info.IsDir() != pre.LocalFolder {
		return syncerr.ErrChangedDuringSync
	}

	if info.IsDir() {
		return nil
	}

	if info.Size() != pre.LocalSize || info.ModTime().UnixMilli() != pre.LocalMTime {
		return syncerr.ErrChangedDuringSync
	}

	return nil
}

func recordFor(in reconcile.Instruction) journal.Record {
	if in.Record != nil {
		return *in.Record
	}

	return journal.Record{Path: in.Path, Folder: in.Folder, Flag: journal.FlagSynced, Parent: models.Parent(in.Path)}
}

func folderRecord(path, id, etag string) journal.Record {
	return journal.Record{
		Path:   path,
		FileID: id,
		ETag:   etag,
		Folder: true,
		Flag:   journal.FlagSynced,
		Parent: models.Parent(path),
	}
}

func flagOr(f journal.SyncFlag) journal.SyncFlag {
	if f == "" {
		return journal.FlagSynced
	}

	return f
}

// hashingReader hashes everything read through it. Seeking back to the
// start resets the hash so backends that read the body twice still
// produce the fingerprint of one pass.
type hashingReader struct {
	f io.ReadSeeker
	h hash.Hash
}

func newHashingReader(f io.ReadSeeker) *hashingReader {
	return &hashingReader{f: f, h: localfs.NewHasher()}
}

func (r *hashingReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if n > 0 {
		r.h.Write(p[:n])
	}

	return n, err
}

func (r *hashingReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.f.Seek(offset, whence)
	if err == nil && pos == 0 {
		r.h.Reset()
	}

	return pos, err
}
