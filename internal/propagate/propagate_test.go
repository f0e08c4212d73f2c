package propagate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/events"
	"github.com/alexjbarnes/treesync/internal/filter"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/logging"
	"github.com/alexjbarnes/treesync/internal/models"
	"github.com/alexjbarnes/treesync/internal/reconcile"
	"github.com/alexjbarnes/treesync/internal/remote/memory"
	"github.com/alexjbarnes/treesync/internal/retry"
)

var testNow = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

type env struct {
	tree    *localfs.Tree
	srv     *memory.Server
	journal *journal.Journal
	clock   *clockwork.FakeClock

	mu     sync.Mutex
	events []events.Event
}

func newEnv(t *testing.T, mods ...func(*Config)) (*env, *Propagator) {
	t.Helper()

	tree, err := localfs.NewOSTree(t.TempDir())
	require.NoError(t, err)

	j, err := journal.Create(filepath.Join(t.TempDir(), "root.journal.db"),
		journal.Binding{AccountID: "acct", FolderPath: "/Work"}, testNow)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	f, err := filter.New(nil, []string{"*.log"})
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(testNow)
	e := &env{tree: tree, srv: memory.New(clock), journal: j, clock: clock}

	cfg := Config{
		Root:        "work",
		Tree:        tree,
		API:         e.srv,
		Journal:     j,
		Filter:      f,
		Sink:        events.SinkFunc(e.record),
		Clock:       clock,
		Logger:      logging.Discard(),
		Retry:       retry.Config{MaxAttempts: 3},
		Concurrency: 1,
	}

	for _, m := range mods {
		m(&cfg)
	}

	return e, New(cfg)
}

func (e *env) record(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events = append(e.events, ev)
}

func (e *env) eventsOf(typ events.Type) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []events.Event

	for _, ev := range e.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}

	return out
}

// writeLocal creates a local file and returns the entry a scan would see.
func (e *env) writeLocal(t *testing.T, path, content string) models.LocalEntry {
	t.Helper()

	require.NoError(t, e.tree.WriteFile(path, []byte(content), time.Time{}))

	info, err := e.tree.Stat(path)
	require.NoError(t, err)

	return models.LocalEntry{
		Path:        path,
		Size:        info.Size(),
		MTime:       info.ModTime().UnixMilli(),
		Fingerprint: localfs.FingerprintBytes([]byte(content)),
	}
}

func uploadOf(l models.LocalEntry, pre reconcile.PreState) reconcile.Instruction {
	pre.LocalExists = true
	pre.LocalSize = l.Size
	pre.LocalMTime = l.MTime
	pre.LocalFingerprint = l.Fingerprint

	return reconcile.Instruction{
		Kind:      reconcile.KindUpload,
		Direction: reconcile.DirectionRemote,
		Path:      l.Path,
		Phase:     reconcile.PhaseTransfer,
		Expected:  pre,
		Local:     &l,
	}
}

func downloadOf(r models.RemoteEntry, pre reconcile.PreState) reconcile.Instruction {
	return reconcile.Instruction{
		Kind:      reconcile.KindDownload,
		Direction: reconcile.DirectionLocal,
		Path:      r.Path,
		Phase:     reconcile.PhaseTransfer,
		Expected:  pre,
		Remote:    &r,
	}
}

// synced commits the journal record a completed transfer of l leaves.
func (e *env) synced(t *testing.T, l models.LocalEntry) {
	t.Helper()

	require.NoError(t, e.journal.Commit(journal.Record{
		Path:        l.Path,
		Fingerprint: l.Fingerprint,
		Size:        l.Size,
		MTime:       l.MTime,
		Parent:      models.Parent(l.Path),
	}, testNow))
}

func (e *env) exists(path string) bool {
	_, err := e.tree.Stat(path)
	return err == nil
}

func planOf(ins ...reconcile.Instruction) *reconcile.Plan {
	return &reconcile.Plan{Instructions: ins}
}

func lookup(t *testing.T, j *journal.Journal, path string) *journal.Record {
	t.Helper()

	rec, err := j.Lookup(path)
	require.NoError(t, err)

	return rec
}

func TestPropagate_UploadCommitsStreamedFingerprint(t *testing.T) {
	e, p := newEnv(t)
	l := e.writeLocal(t, "notes/a.txt", "hello world")

	res := p.Propagate(context.Background(), "run-1", planOf(uploadOf(l, reconcile.PreState{MustNotExist: true})))

	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Outcomes[0].Status)

	data, ok := e.srv.ReadFile("notes/a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))

	remoteEntry, _ := e.srv.Entry("notes/a.txt")

	rec := lookup(t, e.journal, "notes/a.txt")
	require.NotNil(t, rec)
	assert.Equal(t, localfs.FingerprintBytes([]byte("hello world")), rec.Fingerprint)
	assert.Equal(t, remoteEntry.ETag, rec.ETag)
	assert.Equal(t, remoteEntry.FileID, rec.FileID)
	assert.Equal(t, l.MTime, rec.MTime)
	assert.Equal(t, "notes", rec.Parent)
	assert.Equal(t, journal.FlagSynced, rec.Flag)
}

func TestPropagate_UploadKeepsFileID(t *testing.T) {
	e, p := newEnv(t)
	l := e.writeLocal(t, "a.txt", "v2")

	v1 := e.srv.PutFile("a.txt", []byte("v1"))
	require.NoError(t, e.journal.Commit(journal.Record{Path: "a.txt", FileID: v1.FileID, ETag: v1.ETag}, testNow))

	res := p.Propagate(context.Background(), "run-1", planOf(uploadOf(l, reconcile.PreState{RemoteETag: v1.ETag})))
	require.Equal(t, StatusSuccess, res.Outcomes[0].Status)

	rec := lookup(t, e.journal, "a.txt")
	assert.Equal(t, v1.FileID, rec.FileID)
	assert.NotEqual(t, v1.ETag, rec.ETag)
}

func TestPropagate_UploadRefusesChangedLocal(t *testing.T) {
	e, p := newEnv(t)
	l := e.writeLocal(t, "a.txt", "short")
	l.Size = 999

	res := p.Propagate(context.Background(), "run-1", planOf(uploadOf(l, reconcile.PreState{MustNotExist: true})))

	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.ErrorIs(t, res.Outcomes[0].Err, syncerr.ErrChangedDuringSync)
	assert.Equal(t, 1, res.Outcomes[0].Attempts)

	_, ok := e.srv.ReadFile("a.txt")
	assert.False(t, ok)
	assert.Nil(t, lookup(t, e.journal, "a.txt"))
}

func TestPropagate_UploadPreconditionFailureLeavesJournal(t *testing.T) {
	e, p := newEnv(t)
	l := e.writeLocal(t, "a.txt", "mine")
	e.srv.PutFile("a.txt", []byte("theirs"))

	res := p.Propagate(context.Background(), "run-1", planOf(uploadOf(l, reconcile.PreState{MustNotExist: true})))

	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.ErrorIs(t, res.Outcomes[0].Err, syncerr.ErrPrecondition)
	assert.Nil(t, lookup(t, e.journal, "a.txt"))
}

func TestPropagate_DownloadCommitsStreamedFingerprint(t *testing.T) {
	e, p := newEnv(t)
	r := e.srv.PutFile("docs/b.txt", []byte("from server"))

	res := p.Propagate(context.Background(), "run-1", planOf(downloadOf(r, reconcile.PreState{})))
	require.Equal(t, StatusSuccess, res.Outcomes[0].Status)

	data, err := e.tree.ReadFile("docs/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "from server", string(data))

	info, err := e.tree.Stat("docs/b.txt")
	require.NoError(t, err)

	rec := lookup(t, e.journal, "docs/b.txt")
	require.NotNil(t, rec)
	assert.Equal(t, localfs.FingerprintBytes(data), rec.Fingerprint)
	assert.Equal(t, r.ETag, rec.ETag)
	assert.Equal(t, r.FileID, rec.FileID)
	assert.Equal(t, info.ModTime().UnixMilli(), rec.MTime)
}

func TestPropagate_DownloadRefusesChangedLocal(t *testing.T) {
	e, p := newEnv(t)
	r := e.srv.PutFile("a.txt", []byte("server"))
	e.writeLocal(t, "a.txt", "appeared after the scan")

	res := p.Propagate(context.Background(), "run-1", planOf(downloadOf(r, reconcile.PreState{})))

	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.ErrorIs(t, res.Outcomes[0].Err, syncerr.ErrChangedDuringSync)

	data, err := e.tree.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "appeared after the scan", string(data))

	var partials []string
	require.NoError(t, e.tree.Walk(func(rel string, _ os.FileInfo, err error) error {
		if localfs.IsPartial(rel) {
			partials = append(partials, rel)
		}

		return err
	}))
	assert.Empty(t, partials)
	assert.Nil(t, lookup(t, e.journal, "a.txt"))
}

func TestPropagate_FailedDownloadRestoresFlag(t *testing.T) {
	e, p := newEnv(t)
	l := e.writeLocal(t, "a.txt", "old")
	require.NoError(t, e.journal.Commit(journal.Record{Path: "a.txt", Fingerprint: l.Fingerprint, ETag: "e1"}, testNow))

	r := e.srv.PutFile("a.txt", []byte("new"))
	e.srv.FailNext(memory.OpGet, errors.New("corrupt stream"))

	res := p.Propagate(context.Background(), "run-1", planOf(downloadOf(r, reconcile.PreState{
		LocalExists: true, LocalSize: l.Size, LocalMTime: l.MTime,
	})))
	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)

	rec := lookup(t, e.journal, "a.txt")
	assert.Equal(t, journal.FlagSynced, rec.Flag)
	assert.Equal(t, l.Fingerprint, rec.Fingerprint)
	assert.Equal(t, "e1", rec.ETag)
}

func TestPropagate_FailedUploadRestoresFlag(t *testing.T) {
	e, p := newEnv(t)
	l := e.writeLocal(t, "a.txt", "edited")
	require.NoError(t, e.journal.Commit(journal.Record{
		Path: "a.txt", Fingerprint: "old", ETag: "e1", Flag: journal.FlagConflicted,
	}, testNow))

	e.srv.FailNext(memory.OpPut,
		syncerr.Retryable(errors.New("503")),
		syncerr.Retryable(errors.New("503")),
		syncerr.Retryable(errors.New("503")),
	)

	res := p.Propagate(context.Background(), "run-1", planOf(uploadOf(l, reconcile.PreState{RemoteETag: "e1"})))
	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)

	rec := lookup(t, e.journal, "a.txt")
	assert.Equal(t, journal.FlagConflicted, rec.Flag)
	assert.Equal(t, "old", rec.Fingerprint)
}

func TestPropagate_RetryableThenSuccess(t *testing.T) {
	e, p := newEnv(t)
	l := e.writeLocal(t, "a.txt", "data")
	e.srv.FailNext(memory.OpPut, syncerr.Retryable(errors.New("503 service unavailable")))

	res := p.Propagate(context.Background(), "run-1", planOf(uploadOf(l, reconcile.PreState{MustNotExist: true})))

	assert.Equal(t, StatusRetried, res.Outcomes[0].Status)
	assert.Equal(t, 2, res.Outcomes[0].Attempts)
	assert.NotNil(t, lookup(t, e.journal, "a.txt"))
}

func TestPropagate_RetryExhaustedFailsPathOnly(t *testing.T) {
	e, p := newEnv(t)
	a := e.writeLocal(t, "a.txt", "aaa")
	b := e.writeLocal(t, "b.txt", "bbb")

	for range 3 {
		e.srv.FailNext(memory.OpPut, syncerr.Retryable(fmt.Errorf("timeout")))
	}

	res := p.Propagate(context.Background(), "run-1", planOf(
		uploadOf(a, reconcile.PreState{MustNotExist: true}),
		uploadOf(b, reconcile.PreState{MustNotExist: true}),
	))

	require.NoError(t, res.Err)
	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.Equal(t, 3, res.Outcomes[0].Attempts)
	assert.Equal(t, StatusSuccess, res.Outcomes[1].Status)
	assert.Nil(t, lookup(t, e.journal, "a.txt"))
	assert.NotNil(t, lookup(t, e.journal, "b.txt"))
	assert.Len(t, res.Failures(), 1)
}

func TestPropagate_FatalSkipsRemaining(t *testing.T) {
	e, p := newEnv(t)
	a := e.writeLocal(t, "a.txt", "aaa")
	b := e.writeLocal(t, "b.txt", "bbb")
	e.srv.FailNext(memory.OpPut, syncerr.Fatal(syncerr.ErrAuth))

	res := p.Propagate(context.Background(), "run-1", planOf(
		uploadOf(a, reconcile.PreState{MustNotExist: true}),
		uploadOf(b, reconcile.PreState{MustNotExist: true}),
	))

	assert.ErrorIs(t, res.Err, syncerr.ErrAuth)
	assert.False(t, res.Aborted)
	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.Equal(t, StatusSkipped, res.Outcomes[1].Status)
	assert.Equal(t, 1, e.srv.Calls(memory.OpPut))
}

func TestPropagate_CircuitBreakerStopsIdenticalFailures(t *testing.T) {
	e, p := newEnv(t, func(c *Config) { c.BreakerThreshold = 2 })

	var ins []reconcile.Instruction

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		ins = append(ins, uploadOf(e.writeLocal(t, name, name), reconcile.PreState{MustNotExist: true}))
		e.srv.FailNext(memory.OpPut, errors.New("quota exceeded"))
	}

	res := p.Propagate(context.Background(), "run-1", planOf(ins...))

	assert.ErrorIs(t, res.Err, syncerr.ErrCircuitOpen)
	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.Equal(t, StatusFailed, res.Outcomes[1].Status)
	assert.Equal(t, StatusSkipped, res.Outcomes[2].Status)
}

func TestPropagate_BreakerResetsOnDifferentCause(t *testing.T) {
	e, p := newEnv(t, func(c *Config) { c.BreakerThreshold = 2 })

	var ins []reconcile.Instruction

	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		ins = append(ins, uploadOf(e.writeLocal(t, name, name), reconcile.PreState{MustNotExist: true}))
		e.srv.FailNext(memory.OpPut, fmt.Errorf("failure %d", i))
	}

	res := p.Propagate(context.Background(), "run-1", planOf(ins...))

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Count(StatusFailed))
}

func TestPropagate_CancelledContextSkipsEverything(t *testing.T) {
	e, p := newEnv(t)
	l := e.writeLocal(t, "a.txt", "aaa")

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(syncerr.ErrAborted)

	res := p.Propagate(ctx, "run-1", planOf(uploadOf(l, reconcile.PreState{MustNotExist: true})))

	assert.True(t, res.Aborted)
	assert.ErrorIs(t, res.Err, syncerr.ErrAborted)
	assert.Equal(t, StatusSkipped, res.Outcomes[0].Status)
	assert.Equal(t, 0, e.srv.Calls(memory.OpPut))
}

func TestPropagate_ConflictKeepsBothVersions(t *testing.T) {
	e, p := newEnv(t)

	local := e.writeLocal(t, "a.txt", "line one\nlocal edit\n")
	require.NoError(t, e.journal.Commit(journal.Record{Path: "a.txt", FileID: "id-a", Fingerprint: "base", ETag: "e-base"}, testNow))

	r := e.srv.PutFile("a.txt", []byte("line one\nremote edit\n"))
	copyName := reconcile.ConflictName("a.txt", testNow, 1)

	cp := local
	cp.Path = copyName

	plan := planOf(
		reconcile.Instruction{
			Kind: reconcile.KindConflictCopy, Direction: reconcile.DirectionLocal,
			Path: copyName, From: "a.txt", Phase: reconcile.PhaseConflict,
			Expected: reconcile.PreState{LocalExists: true, LocalSize: local.Size, LocalMTime: local.MTime},
			Local:    &cp, Remote: &r,
		},
		downloadOf(r, reconcile.PreState{}),
		func() reconcile.Instruction {
			in := uploadOf(cp, reconcile.PreState{MustNotExist: true})
			in.Flag = journal.FlagConflicted

			return in
		}(),
	)

	res := p.Propagate(context.Background(), "run-1", plan)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Count(StatusSuccess))

	got, err := e.tree.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "line one\nremote edit\n", string(got))

	got, err = e.tree.ReadFile(copyName)
	require.NoError(t, err)
	assert.Equal(t, "line one\nlocal edit\n", string(got))

	remoteCopy, ok := e.srv.ReadFile(copyName)
	require.True(t, ok)
	assert.Equal(t, "line one\nlocal edit\n", string(remoteCopy))

	all, err := e.journal.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, journal.FlagConflicted, all[copyName].Flag)
	assert.Equal(t, r.FileID, all["a.txt"].FileID)

	conflicts, err := e.journal.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "a.txt", conflicts[0].Path)
	assert.Equal(t, copyName, conflicts[0].ConflictPath)
	assert.Equal(t, r.ETag, conflicts[0].RemoteETag)
	assert.Contains(t, conflicts[0].Preview, "local")

	require.Len(t, res.Conflicts, 1)
	assert.NotEmpty(t, res.Conflicts[0].Preview)

	evs := e.eventsOf(events.Conflict)
	require.Len(t, evs, 1)
	assert.Equal(t, copyName, evs[0].Detail)
}

func TestPropagate_DeleteRemoteMissingIsSuccess(t *testing.T) {
	e, p := newEnv(t)
	require.NoError(t, e.journal.Commit(journal.Record{Path: "gone.txt"}, testNow))

	res := p.Propagate(context.Background(), "run-1", planOf(reconcile.Instruction{
		Kind: reconcile.KindDelete, Direction: reconcile.DirectionRemote,
		Path: "gone.txt", Phase: reconcile.PhaseDeleteFiles,
	}))

	assert.Equal(t, StatusSuccess, res.Outcomes[0].Status)
	assert.Nil(t, lookup(t, e.journal, "gone.txt"))
}

func TestPropagate_DeleteRemoteChecksETag(t *testing.T) {
	e, p := newEnv(t)
	e.srv.PutFile("a.txt", []byte("v2"))
	require.NoError(t, e.journal.Commit(journal.Record{Path: "a.txt", ETag: "stale"}, testNow))

	res := p.Propagate(context.Background(), "run-1", planOf(reconcile.Instruction{
		Kind: reconcile.KindDelete, Direction: reconcile.DirectionRemote,
		Path: "a.txt", Phase: reconcile.PhaseDeleteFiles,
		Expected: reconcile.PreState{RemoteETag: "stale"},
	}))

	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.ErrorIs(t, res.Outcomes[0].Err, syncerr.ErrPrecondition)

	_, ok := e.srv.ReadFile("a.txt")
	assert.True(t, ok)
	assert.NotNil(t, lookup(t, e.journal, "a.txt"))
}

func TestPropagate_DeleteLocalRefusesModifiedFile(t *testing.T) {
	e, p := newEnv(t)
	l := e.writeLocal(t, "a.txt", "edited after scan")
	require.NoError(t, e.journal.Commit(journal.Record{Path: "a.txt"}, testNow))

	res := p.Propagate(context.Background(), "run-1", planOf(reconcile.Instruction{
		Kind: reconcile.KindDelete, Direction: reconcile.DirectionLocal,
		Path: "a.txt", Phase: reconcile.PhaseDeleteFiles,
		Expected: reconcile.PreState{LocalExists: true, LocalSize: l.Size - 1, LocalMTime: l.MTime},
	}))

	assert.ErrorIs(t, res.Outcomes[0].Err, syncerr.ErrChangedDuringSync)

	_, err := e.tree.Stat("a.txt")
	assert.NoError(t, err)
}

func exclusionOf(path string) reconcile.Instruction {
	return reconcile.Instruction{
		Kind: reconcile.KindDelete, Direction: reconcile.DirectionLocal,
		Path: path, Folder: true, Exclusion: true, Phase: reconcile.PhaseDeleteFiles,
	}
}

func TestPropagate_ExclusionRemovesSubtreeLocallyOnly(t *testing.T) {
	e, p := newEnv(t)
	e.synced(t, e.writeLocal(t, "docs/a.txt", "a"))
	e.synced(t, e.writeLocal(t, "docs/sub/b.txt", "b"))
	e.srv.PutFile("docs/a.txt", []byte("a"))

	for _, rec := range []journal.Record{
		{Path: "docs", Folder: true}, {Path: "docs/sub", Folder: true}, {Path: "keep.txt"},
	} {
		require.NoError(t, e.journal.Commit(rec, testNow))
	}

	res := p.Propagate(context.Background(), "run-1", planOf(exclusionOf("docs")))
	require.Equal(t, StatusSuccess, res.Outcomes[0].Status)

	assert.False(t, e.exists("docs"))

	_, ok := e.srv.ReadFile("docs/a.txt")
	assert.True(t, ok)

	all, err := e.journal.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "keep.txt")
}

func TestPropagate_ExclusionKeepsEditedAndUnsyncedFiles(t *testing.T) {
	e, p := newEnv(t)
	e.synced(t, e.writeLocal(t, "docs/a.txt", "alpha"))
	e.synced(t, e.writeLocal(t, "docs/sub/b.txt", "bravo"))
	require.NoError(t, e.journal.Commit(journal.Record{Path: "docs", Folder: true}, testNow))

	e.writeLocal(t, "docs/a.txt", "alpha, edited")
	e.writeLocal(t, "docs/new.txt", "never synced")
	e.writeLocal(t, "docs/sub/.DS_Store", "clutter")

	res := p.Propagate(context.Background(), "run-1", planOf(exclusionOf("docs")))
	require.Equal(t, StatusSuccess, res.Outcomes[0].Status)

	data, err := e.tree.ReadFile("docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha, edited", string(data))
	assert.True(t, e.exists("docs/new.txt"))
	assert.False(t, e.exists("docs/sub"), "synced and ignored content goes")

	all, err := e.journal.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPropagate_ExclusionRemovesTouchedButIdenticalFile(t *testing.T) {
	e, p := newEnv(t)
	e.synced(t, e.writeLocal(t, "docs/a.txt", "alpha"))

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(e.tree.Dir(), "docs", "a.txt"), later, later))

	res := p.Propagate(context.Background(), "run-1", planOf(exclusionOf("docs")))
	require.Equal(t, StatusSuccess, res.Outcomes[0].Status)

	assert.False(t, e.exists("docs"))
}

func folderDeleteOf(path string) reconcile.Instruction {
	return reconcile.Instruction{
		Kind: reconcile.KindDelete, Direction: reconcile.DirectionLocal,
		Path: path, Folder: true, Phase: reconcile.PhaseDeleteFolders,
		Expected: reconcile.PreState{LocalExists: true, LocalFolder: true},
	}
}

func TestPropagate_DeleteLocalFolderRemovesIgnoredLeftovers(t *testing.T) {
	e, p := newEnv(t)
	e.writeLocal(t, "docs/.DS_Store", "finder")
	e.writeLocal(t, "docs/cache/Thumbs.db", "explorer")
	e.writeLocal(t, "docs/build.log", "configured pattern")
	require.NoError(t, e.journal.Commit(journal.Record{Path: "docs", Folder: true}, testNow))

	res := p.Propagate(context.Background(), "run-1", planOf(folderDeleteOf("docs")))
	require.Equal(t, StatusSuccess, res.Outcomes[0].Status)

	assert.False(t, e.exists("docs"))
	assert.Nil(t, lookup(t, e.journal, "docs"))
}

func TestPropagate_DeleteLocalFolderRefusesUntrackedContent(t *testing.T) {
	e, p := newEnv(t)
	e.writeLocal(t, "docs/.DS_Store", "finder")
	e.writeLocal(t, "docs/notes.txt", "user data")
	require.NoError(t, e.journal.Commit(journal.Record{Path: "docs", Folder: true}, testNow))

	res := p.Propagate(context.Background(), "run-1", planOf(folderDeleteOf("docs")))
	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.ErrorIs(t, res.Outcomes[0].Err, localfs.ErrNotEmpty)

	assert.True(t, e.exists("docs/notes.txt"))
	assert.True(t, e.exists("docs/.DS_Store"))
	assert.NotNil(t, lookup(t, e.journal, "docs"))
}

func TestPropagate_RenameLocalKeepsIdentity(t *testing.T) {
	e, p := newEnv(t)
	l := e.writeLocal(t, "a.txt", "content")
	require.NoError(t, e.journal.Commit(journal.Record{Path: "a.txt", FileID: "id-1", Fingerprint: l.Fingerprint}, testNow))

	rec := journal.Record{Path: "dir/b.txt", FileID: "id-1", Fingerprint: l.Fingerprint, ETag: "e9"}

	res := p.Propagate(context.Background(), "run-1", planOf(reconcile.Instruction{
		Kind: reconcile.KindRename, Direction: reconcile.DirectionLocal,
		Path: "dir/b.txt", From: "a.txt", Phase: reconcile.PhaseRename,
		Expected: reconcile.PreState{LocalExists: true, LocalSize: l.Size, LocalMTime: l.MTime},
		Record:   &rec,
	}))
	require.Equal(t, StatusSuccess, res.Outcomes[0].Status)

	data, err := e.tree.ReadFile("dir/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	assert.Nil(t, lookup(t, e.journal, "a.txt"))

	got := lookup(t, e.journal, "dir/b.txt")
	require.NotNil(t, got)
	assert.Equal(t, "id-1", got.FileID)
	assert.Equal(t, l.MTime, got.MTime)
}

func TestPropagate_RenameRemote(t *testing.T) {
	e, p := newEnv(t)
	orig := e.srv.PutFile("a.txt", []byte("content"))
	require.NoError(t, e.journal.Commit(journal.Record{Path: "a.txt", FileID: orig.FileID, ETag: orig.ETag}, testNow))

	rec := journal.Record{Path: "b.txt", FileID: orig.FileID, ETag: orig.ETag}

	res := p.Propagate(context.Background(), "run-1", planOf(reconcile.Instruction{
		Kind: reconcile.KindRename, Direction: reconcile.DirectionRemote,
		Path: "b.txt", From: "a.txt", Phase: reconcile.PhaseRename, Record: &rec,
	}))
	require.Equal(t, StatusSuccess, res.Outcomes[0].Status)

	moved, ok := e.srv.Entry("b.txt")
	require.True(t, ok)
	assert.Equal(t, orig.FileID, moved.FileID)
	assert.Equal(t, orig.FileID, lookup(t, e.journal, "b.txt").FileID)
	assert.Nil(t, lookup(t, e.journal, "a.txt"))
}

func TestPropagate_FolderCreation(t *testing.T) {
	e, p := newEnv(t)

	res := p.Propagate(context.Background(), "run-1", planOf(
		reconcile.Instruction{
			Kind: reconcile.KindUpload, Direction: reconcile.DirectionRemote,
			Path: "up", Folder: true, Phase: reconcile.PhaseMkdir,
		},
		reconcile.Instruction{
			Kind: reconcile.KindDownload, Direction: reconcile.DirectionLocal,
			Path: "down", Folder: true, Phase: reconcile.PhaseMkdir,
			Remote: &models.RemoteEntry{Path: "down", FileID: "id-down", Folder: true},
		},
	))
	require.Equal(t, 2, res.Count(StatusSuccess))

	up, ok := e.srv.Entry("up")
	require.True(t, ok)
	assert.True(t, up.Folder)

	info, err := e.tree.Stat("down")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.True(t, lookup(t, e.journal, "up").Folder)
	assert.Equal(t, "id-down", lookup(t, e.journal, "down").FileID)
}

func TestPropagate_JournalOnlyInstructions(t *testing.T) {
	e, p := newEnv(t)
	require.NoError(t, e.journal.Commit(journal.Record{Path: "dropped.txt"}, testNow))
	require.NoError(t, e.journal.Commit(journal.Record{Path: "old.txt", FileID: "id-1"}, testNow))

	renamed := journal.Record{Path: "new.txt", FileID: "id-1"}
	refreshed := journal.Record{Path: "same.txt", FileID: "id-2", Fingerprint: "fp", ETag: "e"}

	res := p.Propagate(context.Background(), "run-1", planOf(
		reconcile.Instruction{Kind: reconcile.KindIgnore, Path: "dropped.txt", Phase: reconcile.PhaseJournal},
		reconcile.Instruction{Kind: reconcile.KindIgnore, Path: "new.txt", From: "old.txt", Phase: reconcile.PhaseJournal, Record: &renamed},
		reconcile.Instruction{Kind: reconcile.KindIgnore, Path: "same.txt", Phase: reconcile.PhaseJournal, Record: &refreshed},
	))
	require.Equal(t, 3, res.Count(StatusSuccess))

	all, err := e.journal.All()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"new.txt", "same.txt"}, keys(all))
}

func TestPropagate_ParallelTransfersAndProgress(t *testing.T) {
	e, p := newEnv(t, func(c *Config) { c.Concurrency = 4 })

	var ins []reconcile.Instruction

	for i := range 20 {
		name := fmt.Sprintf("f%02d.txt", i)
		ins = append(ins, uploadOf(e.writeLocal(t, name, name), reconcile.PreState{MustNotExist: true}))
	}

	res := p.Propagate(context.Background(), "run-7", planOf(ins...))
	require.NoError(t, res.Err)
	assert.Equal(t, 20, res.Count(StatusSuccess))

	all, err := e.journal.All()
	require.NoError(t, err)
	assert.Len(t, all, 20)

	progress := e.eventsOf(events.Progress)
	require.Len(t, progress, 20)

	maxDone := 0
	for _, ev := range progress {
		assert.Equal(t, "run-7", ev.RunID)
		assert.Equal(t, 20, ev.Total)

		maxDone = max(maxDone, ev.Done)
	}

	assert.Equal(t, 20, maxDone)
}

func TestHashingReader_SeekResets(t *testing.T) {
	r := newHashingReader(bytes.NewReader([]byte("abcdef")))

	_, err := io.ReadAll(r)
	require.NoError(t, err)

	_, err = r.Seek(0, io.SeekStart)
	require.NoError(t, err)

	_, err = io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, localfs.FingerprintBytes([]byte("abcdef")), localfs.Sum(r.h))
}

func TestPathLocks_SerialisesSamePath(t *testing.T) {
	l := newPathLocks()

	unlock := l.lock("a", "b")

	acquired := make(chan struct{})
	go func() {
		u := l.lock("b")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("lock on b acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-acquired
}

func keys(m map[string]journal.Record) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	return out
}
