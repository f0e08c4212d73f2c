package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/treesync/internal/filter"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/logging"
	"github.com/alexjbarnes/treesync/internal/models"
)

var planTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type fixture struct {
	in Input
}

func newFixture(t *testing.T, exclusions []string, ignores []string) *fixture {
	t.Helper()

	f, err := filter.New(exclusions, ignores)
	require.NoError(t, err)

	return &fixture{in: Input{
		Local:      models.ChangeSet{},
		Remote:     models.ChangeSet{},
		Journal:    map[string]journal.Record{},
		LocalTree:  map[string]models.LocalEntry{},
		RemoteTree: map[string]models.RemoteEntry{},
		Filter:     f,
	}}
}

// synced records a path that both sides currently agree on.
func (f *fixture) synced(path, fp string) {
	f.in.Journal[path] = journal.Record{
		Path: path, FileID: "id-" + path, Fingerprint: fp, Size: int64(len(fp)),
		MTime: 1000, ETag: "e-" + fp, Flag: journal.FlagSynced, Parent: models.Parent(path),
	}
	f.in.LocalTree[path] = models.LocalEntry{Path: path, Size: int64(len(fp)), MTime: 1000, Fingerprint: fp}
	f.in.RemoteTree[path] = models.RemoteEntry{Path: path, FileID: "id-" + path, ETag: "e-" + fp, Size: int64(len(fp)), Fingerprint: fp}
}

func (f *fixture) syncedFolder(path string) {
	f.in.Journal[path] = journal.Record{Path: path, FileID: "id-" + path, Folder: true, Flag: journal.FlagSynced, Parent: models.Parent(path)}
	f.in.LocalTree[path] = models.LocalEntry{Path: path, Folder: true}
	f.in.RemoteTree[path] = models.RemoteEntry{Path: path, FileID: "id-" + path, Folder: true}
}

func (f *fixture) localFile(kind models.ChangeKind, path, fp string) {
	e := models.LocalEntry{Path: path, Size: int64(len(fp)), MTime: 2000, Fingerprint: fp}
	f.in.LocalTree[path] = e
	f.in.Local.Add(models.Change{Kind: kind, Path: path, Local: &e})
}

func (f *fixture) localFolder(kind models.ChangeKind, path string) {
	e := models.LocalEntry{Path: path, Folder: true}
	f.in.LocalTree[path] = e
	f.in.Local.Add(models.Change{Kind: kind, Path: path, Folder: true, Local: &e})
}

func (f *fixture) localRemoved(path string) {
	delete(f.in.LocalTree, path)
	f.in.Local.Add(models.Change{Kind: models.ChangeRemoved, Path: path, Folder: f.in.Journal[path].Folder})
}

func (f *fixture) localRenamed(from, to string) {
	e := f.in.LocalTree[from]
	e.Path = to
	delete(f.in.LocalTree, from)
	f.in.LocalTree[to] = e
	f.in.Local.Add(models.Change{Kind: models.ChangeRenamed, Path: to, From: from, Local: &e})
}

func (f *fixture) remoteFile(kind models.ChangeKind, path, fp string) {
	e := models.RemoteEntry{Path: path, FileID: "id-" + path, ETag: "e2-" + fp, Size: int64(len(fp)), Fingerprint: fp}
	if rec, ok := f.in.Journal[path]; ok && rec.FileID != "" {
		e.FileID = rec.FileID
	}

	f.in.RemoteTree[path] = e
	f.in.Remote.Add(models.Change{Kind: kind, Path: path, Remote: &e})
}

func (f *fixture) remoteFolder(kind models.ChangeKind, path string) {
	e := models.RemoteEntry{Path: path, FileID: "id2-" + path, Folder: true}
	f.in.RemoteTree[path] = e
	f.in.Remote.Add(models.Change{Kind: kind, Path: path, Folder: true, Remote: &e})
}

func (f *fixture) remoteRemoved(path string) {
	delete(f.in.RemoteTree, path)
	f.in.Remote.Add(models.Change{Kind: models.ChangeRemoved, Path: path, Folder: f.in.Journal[path].Folder})
}

func (f *fixture) remoteRenamed(from, to string) {
	e := f.in.RemoteTree[from]
	e.Path = to
	delete(f.in.RemoteTree, from)
	f.in.RemoteTree[to] = e
	f.in.Remote.Add(models.Change{Kind: models.ChangeRenamed, Path: to, From: from, Remote: &e})
}

func (f *fixture) plan() *Plan {
	p := NewPlanner(clockwork.NewFakeClockAt(planTime), logging.Discard())
	return p.Reconcile(f.in)
}

// steps renders a plan as "phase kind direction path" lines.
func steps(p *Plan) []string {
	out := make([]string, 0, p.Len())

	for _, in := range p.Instructions {
		target := in.Path
		if in.From != "" {
			target = in.From + "->" + in.Path
		}

		out = append(out, fmt.Sprintf("%s %s %s %s", in.Phase, in.Kind, in.Direction, target))
	}

	return out
}

func TestReconcile_NoChangesEmptyPlan(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.syncedFolder("docs")

	assert.True(t, f.plan().Empty())
}

func TestReconcile_LocalAddedUploads(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.localFile(models.ChangeAdded, "a.txt", "aaa")

	plan := f.plan()

	require.Equal(t, []string{"transfer upload remote a.txt"}, steps(plan))

	in := plan.Instructions[0]
	assert.True(t, in.Expected.MustNotExist)
	assert.Equal(t, "aaa", in.Expected.LocalFingerprint)
	assert.Equal(t, int64(2000), in.Expected.LocalMTime)
}

func TestReconcile_LocalModifiedUploadsWithETag(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localFile(models.ChangeModified, "a.txt", "bbb")

	plan := f.plan()

	require.Equal(t, []string{"transfer upload remote a.txt"}, steps(plan))
	assert.Equal(t, "e-aaa", plan.Instructions[0].Expected.RemoteETag)
	assert.False(t, plan.Instructions[0].Expected.MustNotExist)
}

func TestReconcile_RemoteModifiedDownloads(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.remoteFile(models.ChangeModified, "a.txt", "bbb")

	plan := f.plan()

	require.Equal(t, []string{"transfer download local a.txt"}, steps(plan))

	in := plan.Instructions[0]
	assert.True(t, in.Expected.LocalExists)
	assert.Equal(t, int64(3), in.Expected.LocalSize)
	assert.Equal(t, int64(1000), in.Expected.LocalMTime)
	assert.Equal(t, "e2-bbb", in.Remote.ETag)
}

func TestReconcile_RemoteAddedFolderCreatedBeforeChildren(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.remoteFolder(models.ChangeAdded, "docs")
	f.remoteFolder(models.ChangeAdded, "docs/sub")
	f.remoteFile(models.ChangeAdded, "docs/sub/a.txt", "aaa")

	assert.Equal(t, []string{
		"mkdir download local docs",
		"mkdir download local docs/sub",
		"transfer download local docs/sub/a.txt",
	}, steps(f.plan()))
}

func TestReconcile_LocalRemovedDeletesRemoteWithETag(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localRemoved("a.txt")

	plan := f.plan()

	require.Equal(t, []string{"delete_files delete remote a.txt"}, steps(plan))
	assert.Equal(t, "e-aaa", plan.Instructions[0].Expected.RemoteETag)
}

func TestReconcile_RemoteRemovedFolderDeletesDeepFirst(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.syncedFolder("docs")
	f.syncedFolder("docs/sub")
	f.synced("docs/sub/a.txt", "aaa")
	f.remoteRemoved("docs")
	f.remoteRemoved("docs/sub")
	f.remoteRemoved("docs/sub/a.txt")

	plan := f.plan()

	assert.Equal(t, []string{
		"delete_files delete local docs/sub/a.txt",
		"delete_folders delete local docs/sub",
		"delete_folders delete local docs",
	}, steps(plan))
	assert.True(t, plan.Instructions[0].Expected.LocalExists)
}

func TestReconcile_ConvergedEditIsJournalOnly(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localFile(models.ChangeModified, "a.txt", "bbb")
	f.remoteFile(models.ChangeModified, "a.txt", "bbb")

	plan := f.plan()

	require.Equal(t, []string{"journal ignore none a.txt"}, steps(plan))

	rec := plan.Instructions[0].Record
	require.NotNil(t, rec)
	assert.Equal(t, "bbb", rec.Fingerprint)
	assert.Equal(t, "e2-bbb", rec.ETag)
	assert.Equal(t, "id-a.txt", rec.FileID)
	assert.Equal(t, journal.FlagSynced, rec.Flag)
}

func TestReconcile_ConflictKeepsBoth(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("notes/a.txt", "aaa")
	f.localFile(models.ChangeModified, "notes/a.txt", "local")
	f.remoteFile(models.ChangeModified, "notes/a.txt", "remote")

	plan := f.plan()

	copyName := "notes/a_conflict_20260102-030405.txt"
	require.Equal(t, []string{
		"conflict conflict_copy local notes/a.txt->" + copyName,
		"transfer download local notes/a.txt",
		"transfer upload remote " + copyName,
	}, steps(plan))

	download := plan.Instructions[1]
	assert.False(t, download.Expected.LocalExists)

	upload := plan.Instructions[2]
	assert.Equal(t, journal.FlagConflicted, upload.Flag)
	assert.True(t, upload.Expected.MustNotExist)
	assert.Equal(t, "local", upload.Local.Fingerprint)
	assert.Equal(t, copyName, upload.Local.Path)
}

func TestReconcile_ConflictWithoutRemoteFingerprint(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localFile(models.ChangeModified, "a.txt", "bbb")
	f.remoteFile(models.ChangeModified, "a.txt", "")

	assert.Equal(t, 1, f.plan().Counts()["conflict_copy"])
}

func TestReconcile_ConflictNameAvoidsTakenPaths(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a_conflict_20260102-030405.txt", "old")
	f.localFile(models.ChangeAdded, "a.txt", "local")
	f.remoteFile(models.ChangeAdded, "a.txt", "remote")

	in, ok := f.plan().Find("a_conflict_20260102-030405-2.txt")
	require.True(t, ok)
	assert.Equal(t, KindConflictCopy, in.Kind)
	assert.Equal(t, "a.txt", in.From)
}

func TestConflictName(t *testing.T) {
	tests := []struct {
		path string
		n    int
		want string
	}{
		{"a.txt", 1, "a_conflict_20260102-030405.txt"},
		{"docs/report.final.pdf", 1, "docs/report.final_conflict_20260102-030405.pdf"},
		{".bashrc", 1, ".bashrc_conflict_20260102-030405"},
		{"Makefile", 3, "Makefile_conflict_20260102-030405-3"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ConflictName(tt.path, planTime.In(time.FixedZone("x", 3600)), tt.n))
		})
	}
}

func TestReconcile_LocalModifyBeatsRemoteDelete(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localFile(models.ChangeModified, "a.txt", "bbb")
	f.remoteRemoved("a.txt")

	plan := f.plan()

	require.Equal(t, []string{"transfer upload remote a.txt"}, steps(plan))
	assert.True(t, plan.Instructions[0].Expected.MustNotExist)
}

func TestReconcile_RemoteModifyBeatsLocalDelete(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localRemoved("a.txt")
	f.remoteFile(models.ChangeModified, "a.txt", "bbb")

	plan := f.plan()

	require.Equal(t, []string{"transfer download local a.txt"}, steps(plan))
	assert.False(t, plan.Instructions[0].Expected.LocalExists)
}

func TestReconcile_BothRemovedDropsRecord(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localRemoved("a.txt")
	f.remoteRemoved("a.txt")

	plan := f.plan()

	require.Equal(t, []string{"journal ignore none a.txt"}, steps(plan))
	assert.Nil(t, plan.Instructions[0].Record)
}

func TestReconcile_BothAddedFoldersRefresh(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.localFolder(models.ChangeAdded, "docs")
	f.remoteFolder(models.ChangeAdded, "docs")

	plan := f.plan()

	require.Equal(t, []string{"journal ignore none docs"}, steps(plan))
	assert.True(t, plan.Instructions[0].Record.Folder)
	assert.Equal(t, "id2-docs", plan.Instructions[0].Record.FileID)
}

func TestReconcile_LocalRenameAppliedRemotely(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localRenamed("a.txt", "b.txt")

	plan := f.plan()

	require.Equal(t, []string{"rename rename remote a.txt->b.txt"}, steps(plan))

	in := plan.Instructions[0]
	assert.Equal(t, "e-aaa", in.Expected.RemoteETag)
	require.NotNil(t, in.Record)
	assert.Equal(t, "b.txt", in.Record.Path)
	assert.Equal(t, "id-a.txt", in.Record.FileID)
}

func TestReconcile_RemoteRenameAppliedLocally(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.remoteRenamed("a.txt", "dir/b.txt")

	plan := f.plan()

	require.Equal(t, []string{"rename rename local a.txt->dir/b.txt"}, steps(plan))

	in := plan.Instructions[0]
	assert.True(t, in.Expected.LocalExists)
	assert.Equal(t, "dir", in.Record.Parent)
}

func TestReconcile_RenameSplitWhenSourceModifiedRemotely(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localRenamed("a.txt", "b.txt")
	f.remoteFile(models.ChangeModified, "a.txt", "bbb")

	assert.Equal(t, []string{
		"transfer download local a.txt",
		"transfer upload remote b.txt",
	}, steps(f.plan()))
}

func TestReconcile_DivergentRenamesKeepBoth(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localRenamed("a.txt", "b.txt")
	f.remoteRenamed("a.txt", "c.txt")

	assert.Equal(t, []string{
		"transfer upload remote b.txt",
		"transfer download local c.txt",
		"journal ignore none a.txt",
	}, steps(f.plan()))
}

func TestReconcile_IdenticalRenamesConverge(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("a.txt", "aaa")
	f.localRenamed("a.txt", "b.txt")
	f.remoteRenamed("a.txt", "b.txt")

	plan := f.plan()

	require.Equal(t, []string{"journal ignore none a.txt->b.txt"}, steps(plan))
	assert.Equal(t, "b.txt", plan.Instructions[0].Record.Path)
}

func TestReconcile_ChildWinsOverLocalFolderDelete(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.syncedFolder("docs")
	f.synced("docs/a.txt", "aaa")
	f.synced("docs/b.txt", "bbb")
	f.localRemoved("docs")
	f.localRemoved("docs/a.txt")
	f.localRemoved("docs/b.txt")
	f.remoteFile(models.ChangeModified, "docs/a.txt", "new")

	assert.Equal(t, []string{
		"mkdir download local docs",
		"delete_files delete remote docs/b.txt",
		"transfer download local docs/a.txt",
	}, steps(f.plan()))
}

func TestReconcile_ChildWinsOverRemoteFolderDelete(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.syncedFolder("docs")
	f.synced("docs/a.txt", "aaa")
	f.remoteRemoved("docs")
	f.remoteRemoved("docs/a.txt")
	f.localFile(models.ChangeModified, "docs/a.txt", "new")

	plan := f.plan()

	assert.Equal(t, []string{
		"mkdir upload remote docs",
		"transfer upload remote docs/a.txt",
	}, steps(plan))
	assert.True(t, plan.Instructions[1].Expected.MustNotExist)
}

func TestReconcile_ExclusionDeletesSubtreeOnce(t *testing.T) {
	f := newFixture(t, []string{"docs"}, nil)
	f.syncedFolder("docs")
	f.syncedFolder("docs/sub")
	f.synced("docs/a.txt", "aaa")
	f.synced("docs/sub/b.txt", "bbb")
	f.synced("keep.txt", "kkk")

	plan := f.plan()

	require.Equal(t, []string{"delete_files delete local docs"}, steps(plan))
	assert.True(t, plan.Instructions[0].Exclusion)
	assert.True(t, plan.Instructions[0].Folder)
}

func TestReconcile_NestedExclusionsDeleteOnce(t *testing.T) {
	f := newFixture(t, []string{"docs", "docs/sub"}, nil)
	f.syncedFolder("docs")
	f.syncedFolder("docs/sub")

	assert.Equal(t, []string{"delete_files delete local docs"}, steps(f.plan()))
}

func TestReconcile_ExclusionWithoutRecordsIsNoop(t *testing.T) {
	f := newFixture(t, []string{"docs"}, nil)
	f.synced("a.txt", "aaa")

	assert.True(t, f.plan().Empty())
}

func TestReconcile_DropsChangesOnDisallowedPaths(t *testing.T) {
	f := newFixture(t, []string{"private"}, []string{"*.tmp"})
	f.localFile(models.ChangeAdded, "private/a.txt", "aaa")
	f.localFile(models.ChangeAdded, "scratch.tmp", "ttt")
	f.remoteFile(models.ChangeAdded, "private/b.txt", "bbb")

	assert.True(t, f.plan().Empty())
}

func TestReconcile_RenameIntoExcludedBecomesDelete(t *testing.T) {
	f := newFixture(t, []string{"private"}, nil)
	f.synced("a.txt", "aaa")
	f.localRenamed("a.txt", "private/a.txt")

	assert.Equal(t, []string{"delete_files delete remote a.txt"}, steps(f.plan()))
}

func TestReconcile_NewlyIgnoredRecordIsFlagged(t *testing.T) {
	f := newFixture(t, nil, []string{"*.log"})
	f.synced("build.log", "lll")

	plan := f.plan()

	require.Equal(t, []string{"journal ignore none build.log"}, steps(plan))
	assert.Equal(t, journal.FlagIgnored, plan.Instructions[0].Record.Flag)

	// Once flagged, the next plan is empty.
	f.in.Journal["build.log"] = *plan.Instructions[0].Record
	assert.True(t, f.plan().Empty())
}

func TestReconcile_TypeChangeReplacesRemote(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.synced("x", "aaa")
	f.localFolder(models.ChangeModified, "x")

	plan := f.plan()

	require.Equal(t, []string{
		"replace delete remote x",
		"mkdir upload remote x",
	}, steps(plan))
	assert.True(t, plan.Instructions[1].Expected.MustNotExist)
}

func TestReconcile_FolderBecomesFileRemovesChildrenFirst(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.syncedFolder("x")
	f.synced("x/a.txt", "aaa")
	f.remoteRemoved("x/a.txt")
	f.remoteFile(models.ChangeModified, "x", "file")

	assert.Equal(t, []string{
		"replace delete local x/a.txt",
		"replace delete local x",
		"transfer download local x",
	}, steps(f.plan()))
}

func TestReconcile_TypeConflictMovesLocalFileAside(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.localFile(models.ChangeAdded, "x", "local")
	f.remoteFolder(models.ChangeAdded, "x")
	f.remoteFile(models.ChangeAdded, "x/a.txt", "aaa")

	assert.Equal(t, []string{
		"conflict conflict_copy local x->x_conflict_20260102-030405",
		"mkdir download local x",
		"transfer download local x/a.txt",
		"transfer upload remote x_conflict_20260102-030405",
	}, steps(f.plan()))
}

func TestReconcile_TypeConflictMovesLocalFolderAside(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.localFolder(models.ChangeAdded, "x")
	f.localFile(models.ChangeAdded, "x/a.txt", "aaa")
	f.remoteFile(models.ChangeAdded, "x", "remote")

	assert.Equal(t, []string{
		"conflict conflict_copy local x->x_conflict_20260102-030405",
		"transfer download local x",
	}, steps(f.plan()))
}

func TestReconcile_PhaseOrdering(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.syncedFolder("old")
	f.synced("old/a.txt", "aaa")
	f.synced("move.txt", "mmm")
	f.localRemoved("old")
	f.localRemoved("old/a.txt")
	f.localFolder(models.ChangeAdded, "new")
	f.localRenamed("move.txt", "new/move.txt")
	f.localFile(models.ChangeAdded, "new/b.txt", "bbb")

	assert.Equal(t, []string{
		"mkdir upload remote new",
		"rename rename remote move.txt->new/move.txt",
		"delete_files delete remote old/a.txt",
		"transfer upload remote new/b.txt",
		"delete_folders delete remote old",
	}, steps(f.plan()))
}

func TestPlan_Counts(t *testing.T) {
	p := &Plan{Instructions: []Instruction{
		{Kind: KindUpload}, {Kind: KindUpload}, {Kind: KindDelete},
	}}

	assert.Equal(t, map[string]int{"upload": 2, "delete": 1}, p.Counts())
	assert.Len(t, p.Phase(0), 3)
	assert.False(t, p.Empty())
}
