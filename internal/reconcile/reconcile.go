package reconcile

import (
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alexjbarnes/treesync/internal/filter"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/models"
)

// Input is everything the planner needs for one run. LocalTree and
// RemoteTree hold every allowed entry seen by the scan and listing, not
// only the changed ones.
type Input struct {
	Local      models.ChangeSet
	Remote     models.ChangeSet
	Journal    map[string]journal.Record
	LocalTree  map[string]models.LocalEntry
	RemoteTree map[string]models.RemoteEntry
	Filter     *filter.Filter
}

// Planner turns the two change sets and the journal into an ordered
// plan. It performs no I/O; the clock is only used to name conflict
// copies.
type Planner struct {
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(clock clockwork.Clock, logger *slog.Logger) *Planner {
	return &Planner{clock: clock, logger: logger}
}

// Reconcile builds the plan for one run:
//  1. Drop changes on disallowed paths and plan exclusion removals
//  2. Split renames the other side interfered with
//  3. Decide every changed path
//  4. Let surviving children override deletes of their parent folder
//  5. Order the result by phase
func (p *Planner) Reconcile(in Input) *Plan {
	b := &builder{
		in:       in,
		now:      p.clock.Now(),
		reserved: make(map[string]bool),
	}

	local := b.allowed(in.Local)
	remote := b.allowed(in.Remote)

	b.planExclusions()
	b.splitRenames(local, remote)

	for _, path := range unionPaths(local, remote) {
		lc, lok := local[path]
		rc, rok := remote[path]

		b.decide(path, lc, lok, rc, rok)
	}

	b.planIgnoredRecords(local, remote)
	b.childWins()
	b.promoteReplacedChildren()

	sortInstructions(b.out)

	plan := &Plan{Instructions: b.out}

	p.logger.Info("reconcile complete",
		slog.Int("local_changes", len(in.Local)),
		slog.Int("remote_changes", len(in.Remote)),
		slog.Int("instructions", plan.Len()),
		slog.Int("conflicts", plan.Counts()[KindConflictCopy.String()]),
	)

	return plan
}

type builder struct {
	in       Input
	now      time.Time
	out      []Instruction
	reserved map[string]bool

	// movedFolders are local folders moved aside by a type conflict.
	// Local changes below them are left for the next run.
	movedFolders []string
}

func (b *builder) add(in Instruction) {
	b.out = append(b.out, in)
}

func (b *builder) allow(p string) bool {
	return b.in.Filter == nil || b.in.Filter.Allow(p)
}

// allowed copies cs without changes on disallowed paths. A rename out of
// a disallowed path becomes an addition; a rename into one becomes a
// removal.
func (b *builder) allowed(cs models.ChangeSet) models.ChangeSet {
	out := models.ChangeSet{}

	for _, c := range cs {
		to := b.allow(c.Path)

		if c.Kind != models.ChangeRenamed {
			if to {
				out.Add(c)
			}

			continue
		}

		from := b.allow(c.From)

		switch {
		case to && from:
			out.Add(c)
		case to:
			out.Add(asAdded(c))
		case from:
			out.Add(b.asRemoved(c.From))
		}
	}

	return out
}

func asAdded(c models.Change) models.Change {
	return models.Change{Kind: models.ChangeAdded, Path: c.Path, Folder: c.Folder, Local: c.Local, Remote: c.Remote}
}

func (b *builder) asRemoved(p string) models.Change {
	return models.Change{Kind: models.ChangeRemoved, Path: p, Folder: b.in.Journal[p].Folder}
}

// planExclusions removes each excluded subtree that still has journal
// records: one local delete per top-most exclusion.
func (b *builder) planExclusions() {
	if b.in.Filter == nil {
		return
	}

	var done []string

	for _, ex := range b.in.Filter.Exclusions() {
		if underAny(ex, done) {
			continue
		}

		found := false
		folder := true

		for p, rec := range b.in.Journal {
			if !models.IsUnder(p, ex) {
				continue
			}

			found = true

			if p == ex {
				folder = rec.Folder
			}
		}

		if !found {
			continue
		}

		done = append(done, ex)

		b.add(Instruction{
			Kind:      KindDelete,
			Direction: DirectionLocal,
			Path:      ex,
			Folder:    folder,
			Exclusion: true,
			Phase:     PhaseDeleteFiles,
		})
	}
}

// splitRenames turns a rename into a removal plus an addition when the
// other side changed its source or destination. Identical renames on both
// sides become a journal-only update.
func (b *builder) splitRenames(local, remote models.ChangeSet) {
	for _, to := range local.Paths() {
		lc := local[to]
		if lc.Kind != models.ChangeRenamed {
			continue
		}

		if rc, ok := remote[to]; ok && rc.Kind == models.ChangeRenamed && rc.From == lc.From {
			b.convergeRename(lc, rc)
			delete(local, to)
			delete(remote, to)

			continue
		}

		if touched(remote, lc.From, to) {
			b.split(local, lc)
		}
	}

	for _, to := range remote.Paths() {
		rc := remote[to]
		if rc.Kind != models.ChangeRenamed {
			continue
		}

		if touched(local, rc.From, to) {
			b.split(remote, rc)
		}
	}
}

func touched(cs models.ChangeSet, from, to string) bool {
	if _, ok := cs[from]; ok {
		return true
	}

	if _, ok := cs[to]; ok {
		return true
	}

	for _, c := range cs {
		if c.Kind == models.ChangeRenamed && c.From == from {
			return true
		}
	}

	return false
}

func (b *builder) split(cs models.ChangeSet, c models.Change) {
	cs.Add(asAdded(c))
	cs.Add(b.asRemoved(c.From))
}

func (b *builder) convergeRename(lc, rc models.Change) {
	rec := b.in.Journal[lc.From]
	rec.Path = lc.Path
	rec.Parent = models.Parent(lc.Path)
	rec.Flag = journal.FlagSynced

	if l := lc.Local; l != nil {
		rec.Fingerprint, rec.Size, rec.MTime = l.Fingerprint, l.Size, l.MTime
	}

	if r := rc.Remote; r != nil {
		rec.FileID, rec.ETag = r.FileID, r.ETag
	}

	b.add(Instruction{
		Kind:   KindIgnore,
		Path:   lc.Path,
		From:   lc.From,
		Phase:  PhaseJournal,
		Local:  lc.Local,
		Remote: rc.Remote,
		Record: &rec,
	})
}

func (b *builder) decide(path string, lc models.Change, lok bool, rc models.Change, rok bool) {
	if lok && underAny(path, b.movedFolders) {
		lok = false
	}

	rec, hasRec := b.in.Journal[path]

	switch {
	case lok && rok:
		b.both(path, lc, rc)
	case lok:
		b.localOnly(path, lc, rec, hasRec)
	case rok:
		if underAny(path, b.movedFolders) && rc.Kind == models.ChangeRemoved {
			b.add(Instruction{Kind: KindIgnore, Path: path, Folder: rc.Folder, Phase: PhaseJournal})
			return
		}

		b.remoteOnly(path, rc, rec, hasRec)
	}
}

// localOnly propagates a local change to the remote side.
func (b *builder) localOnly(path string, lc models.Change, rec journal.Record, hasRec bool) {
	switch lc.Kind {
	case models.ChangeRenamed:
		b.renameRemote(lc)
	case models.ChangeRemoved:
		b.delete(DirectionRemote, path, lc.Folder, b.remotePre(path), PhaseForDelete(lc.Folder))
	default:
		l := b.localEntry(lc)
		pre := b.remotePre(path)

		if hasRec && rec.Folder != l.Folder {
			b.delete(DirectionRemote, path, rec.Folder, pre, PhaseReplace)
			pre = PreState{MustNotExist: true}
		}

		b.upload(l, pre, "")
	}
}

// remoteOnly propagates a remote change to the local side.
func (b *builder) remoteOnly(path string, rc models.Change, rec journal.Record, hasRec bool) {
	switch rc.Kind {
	case models.ChangeRenamed:
		b.renameLocal(rc)
	case models.ChangeRemoved:
		b.delete(DirectionLocal, path, rc.Folder, b.localPre(path), PhaseForDelete(rc.Folder))
	default:
		r := b.remoteEntry(rc)
		pre := b.localPre(path)

		if hasRec && rec.Folder != r.Folder {
			b.delete(DirectionLocal, path, rec.Folder, pre, PhaseReplace)
			pre = PreState{}
		}

		b.download(r, pre)
	}
}

// both handles a path changed on both sides.
func (b *builder) both(path string, lc, rc models.Change) {
	lDel := lc.Kind == models.ChangeRemoved
	rDel := rc.Kind == models.ChangeRemoved

	switch {
	case lDel && rDel:
		b.add(Instruction{Kind: KindIgnore, Path: path, Folder: lc.Folder, Phase: PhaseJournal})
	case lDel:
		b.download(b.remoteEntry(rc), PreState{})
	case rDel:
		b.upload(b.localEntry(lc), PreState{MustNotExist: true}, "")
	default:
		l := b.localEntry(lc)
		r := b.remoteEntry(rc)

		switch {
		case l.Folder && r.Folder:
			b.refresh(path, l, r)
		case !l.Folder && !r.Folder && r.Fingerprint != "" && r.Fingerprint == l.Fingerprint:
			b.refresh(path, l, r)
		case !l.Folder && !r.Folder:
			b.conflict(path, l, r)
		default:
			b.typeConflict(path, l, r)
		}
	}
}

// refresh records that both sides converged on the same content.
func (b *builder) refresh(path string, l *models.LocalEntry, r *models.RemoteEntry) {
	rec := journal.Record{
		Path:        path,
		FileID:      r.FileID,
		Fingerprint: l.Fingerprint,
		Size:        l.Size,
		MTime:       l.MTime,
		ETag:        r.ETag,
		Folder:      l.Folder,
		Flag:        journal.FlagSynced,
		Parent:      models.Parent(path),
	}

	b.add(Instruction{
		Kind:   KindIgnore,
		Path:   path,
		Folder: l.Folder,
		Phase:  PhaseJournal,
		Local:  l,
		Remote: r,
		Record: &rec,
	})
}

// conflict keeps both versions: the local file moves to a conflict copy
// that is uploaded, and the remote version is downloaded in its place.
func (b *builder) conflict(path string, l *models.LocalEntry, r *models.RemoteEntry) {
	cp := b.conflictCopy(path, l, r)

	b.download(r, PreState{})

	b.upload(cp, PreState{MustNotExist: true}, journal.FlagConflicted)
}

// typeConflict handles a file on one side and a folder on the other. The
// local entry moves aside and the remote one is applied. A moved file is
// uploaded under its new name; a moved folder is picked up by the next
// scan.
func (b *builder) typeConflict(path string, l *models.LocalEntry, r *models.RemoteEntry) {
	cp := b.conflictCopy(path, l, r)

	b.download(r, PreState{})

	if l.Folder {
		b.movedFolders = append(b.movedFolders, path)
		return
	}

	b.upload(cp, PreState{MustNotExist: true}, journal.FlagConflicted)
}

func (b *builder) conflictCopy(path string, l *models.LocalEntry, r *models.RemoteEntry) *models.LocalEntry {
	name := uniqueConflictName(path, b.now, b.taken)
	b.reserved[name] = true

	cp := *l
	cp.Path = name

	b.add(Instruction{
		Kind:      KindConflictCopy,
		Direction: DirectionLocal,
		Path:      name,
		From:      path,
		Folder:    l.Folder,
		Phase:     PhaseConflict,
		Expected:  b.localPre(path),
		Local:     &cp,
		Remote:    r,
	})

	return &cp
}

func (b *builder) taken(p string) bool {
	if b.reserved[p] {
		return true
	}

	if _, ok := b.in.LocalTree[p]; ok {
		return true
	}

	if _, ok := b.in.RemoteTree[p]; ok {
		return true
	}

	_, ok := b.in.Journal[p]

	return ok
}

func (b *builder) upload(l *models.LocalEntry, pre PreState, flag journal.SyncFlag) {
	phase := PhaseTransfer
	if l.Folder {
		phase = PhaseMkdir
	}

	b.add(Instruction{
		Kind:      KindUpload,
		Direction: DirectionRemote,
		Path:      l.Path,
		Folder:    l.Folder,
		Phase:     phase,
		Expected:  withLocal(pre, l),
		Local:     l,
		Flag:      flag,
	})
}

func (b *builder) download(r *models.RemoteEntry, pre PreState) {
	phase := PhaseTransfer
	if r.Folder {
		phase = PhaseMkdir
	}

	b.add(Instruction{
		Kind:      KindDownload,
		Direction: DirectionLocal,
		Path:      r.Path,
		Folder:    r.Folder,
		Phase:     phase,
		Expected:  pre,
		Remote:    r,
	})
}

func (b *builder) delete(dir Direction, path string, folder bool, pre PreState, phase Phase) {
	b.add(Instruction{
		Kind:      KindDelete,
		Direction: dir,
		Path:      path,
		Folder:    folder,
		Phase:     phase,
		Expected:  pre,
	})
}

// renameRemote applies a local rename on the remote side.
func (b *builder) renameRemote(lc models.Change) {
	rec := b.in.Journal[lc.From]
	rec.Path = lc.Path
	rec.Parent = models.Parent(lc.Path)
	rec.Flag = journal.FlagSynced

	if l := lc.Local; l != nil {
		rec.Fingerprint, rec.Size, rec.MTime = l.Fingerprint, l.Size, l.MTime
	}

	b.add(Instruction{
		Kind:      KindRename,
		Direction: DirectionRemote,
		Path:      lc.Path,
		From:      lc.From,
		Phase:     PhaseRename,
		Expected:  b.remotePre(lc.From),
		Local:     lc.Local,
		Record:    &rec,
	})
}

// renameLocal applies a remote rename on the local side.
func (b *builder) renameLocal(rc models.Change) {
	rec := b.in.Journal[rc.From]
	rec.Path = rc.Path
	rec.Parent = models.Parent(rc.Path)
	rec.Flag = journal.FlagSynced

	if r := rc.Remote; r != nil {
		rec.FileID, rec.ETag = r.FileID, r.ETag
	}

	b.add(Instruction{
		Kind:      KindRename,
		Direction: DirectionLocal,
		Path:      rc.Path,
		From:      rc.From,
		Phase:     PhaseRename,
		Expected:  b.localPre(rc.From),
		Remote:    rc.Remote,
		Record:    &rec,
	})
}

// planIgnoredRecords flags records whose path started or stopped
// matching an ignore pattern. Their content is left alone.
func (b *builder) planIgnoredRecords(local, remote models.ChangeSet) {
	if b.in.Filter == nil {
		return
	}

	paths := make([]string, 0, len(b.in.Journal))
	for p := range b.in.Journal {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	for _, p := range paths {
		if b.in.Filter.Excluded(p) {
			continue
		}

		if _, ok := local[p]; ok {
			continue
		}

		if _, ok := remote[p]; ok {
			continue
		}

		rec := b.in.Journal[p]
		ignored := b.in.Filter.Ignored(p)

		switch {
		case ignored && rec.Flag != journal.FlagIgnored:
			rec.Flag = journal.FlagIgnored
		case !ignored && rec.Flag == journal.FlagIgnored:
			rec.Flag = journal.FlagSynced
		default:
			continue
		}

		b.add(Instruction{
			Kind:   KindIgnore,
			Path:   p,
			Folder: rec.Folder,
			Phase:  PhaseJournal,
			Record: &rec,
			Flag:   rec.Flag,
		})
	}
}

// childWins replaces every folder delete that still has work below it
// with a creation of that folder on the side that deleted it.
func (b *builder) childWins() {
	for i := range b.out {
		in := &b.out[i]
		if in.Kind != KindDelete || !in.Folder || in.Exclusion || in.Phase == PhaseReplace {
			continue
		}

		if !b.survivorBelow(in.Path) {
			continue
		}

		switch in.Direction {
		case DirectionRemote:
			r, ok := b.in.RemoteTree[in.Path]
			if !ok {
				r = models.RemoteEntry{Path: in.Path, Folder: true}
			}

			*in = Instruction{
				Kind:      KindDownload,
				Direction: DirectionLocal,
				Path:      in.Path,
				Folder:    true,
				Phase:     PhaseMkdir,
				Remote:    &r,
			}
		case DirectionLocal:
			l, ok := b.in.LocalTree[in.Path]
			if !ok {
				l = models.LocalEntry{Path: in.Path, Folder: true}
			}

			*in = Instruction{
				Kind:      KindUpload,
				Direction: DirectionRemote,
				Path:      in.Path,
				Folder:    true,
				Phase:     PhaseMkdir,
				Local:     &l,
			}
		}
	}
}

func (b *builder) survivorBelow(dir string) bool {
	for _, in := range b.out {
		if in.Kind == KindDelete || in.Kind == KindIgnore {
			continue
		}

		if in.Path != dir && models.IsUnder(in.Path, dir) {
			return true
		}
	}

	return false
}

// promoteReplacedChildren moves deletes below a folder that is being
// replaced into the replace phase so the folder is empty by the time it
// is removed.
func (b *builder) promoteReplacedChildren() {
	for _, r := range b.out {
		if r.Phase != PhaseReplace || r.Kind != KindDelete || !r.Folder {
			continue
		}

		for i := range b.out {
			in := &b.out[i]
			if in.Kind == KindDelete && in.Direction == r.Direction && in.Path != r.Path && models.IsUnder(in.Path, r.Path) {
				in.Phase = PhaseReplace
			}
		}
	}
}

func (b *builder) localPre(path string) PreState {
	l, ok := b.in.LocalTree[path]
	if !ok {
		return PreState{}
	}

	return PreState{
		LocalExists:      true,
		LocalFolder:      l.Folder,
		LocalFingerprint: l.Fingerprint,
		LocalSize:        l.Size,
		LocalMTime:       l.MTime,
	}
}

func (b *builder) remotePre(path string) PreState {
	r, ok := b.in.RemoteTree[path]
	if !ok {
		return PreState{MustNotExist: true}
	}

	if r.Folder {
		return PreState{}
	}

	return PreState{RemoteETag: r.ETag}
}

func withLocal(pre PreState, l *models.LocalEntry) PreState {
	pre.LocalExists = true
	pre.LocalFolder = l.Folder
	pre.LocalFingerprint = l.Fingerprint
	pre.LocalSize = l.Size
	pre.LocalMTime = l.MTime

	return pre
}

func (b *builder) localEntry(c models.Change) *models.LocalEntry {
	if c.Local != nil {
		return c.Local
	}

	if l, ok := b.in.LocalTree[c.Path]; ok {
		return &l
	}

	return &models.LocalEntry{Path: c.Path, Folder: c.Folder}
}

func (b *builder) remoteEntry(c models.Change) *models.RemoteEntry {
	if c.Remote != nil {
		return c.Remote
	}

	if r, ok := b.in.RemoteTree[c.Path]; ok {
		return &r
	}

	return &models.RemoteEntry{Path: c.Path, Folder: c.Folder}
}

// PhaseForDelete returns the phase a delete of a file or folder runs in.
func PhaseForDelete(folder bool) Phase {
	if folder {
		return PhaseDeleteFolders
	}

	return PhaseDeleteFiles
}

func underAny(p string, dirs []string) bool {
	for _, d := range dirs {
		if models.IsUnder(p, d) {
			return true
		}
	}

	return false
}

func unionPaths(a, b models.ChangeSet) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for p := range a {
		seen[p] = struct{}{}
	}

	for p := range b {
		seen[p] = struct{}{}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}
