package reconcile

import (
	"sort"

	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/models"
)

// Kind is the operation an instruction performs.
type Kind int

const (
	KindUpload Kind = iota + 1
	KindDownload
	KindDelete
	KindRename
	KindConflictCopy
	KindIgnore
)

func (k Kind) String() string {
	switch k {
	case KindUpload:
		return "upload"
	case KindDownload:
		return "download"
	case KindDelete:
		return "delete"
	case KindRename:
		return "rename"
	case KindConflictCopy:
		return "conflict_copy"
	case KindIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Direction is the side an instruction mutates.
type Direction int

const (
	// DirectionNone is used by journal-only instructions.
	DirectionNone Direction = iota
	DirectionLocal
	DirectionRemote
)

func (d Direction) String() string {
	switch d {
	case DirectionLocal:
		return "local"
	case DirectionRemote:
		return "remote"
	default:
		return "none"
	}
}

// Phase groups instructions that the propagator runs together. Phases
// run in declaration order.
type Phase int

const (
	PhaseConflict Phase = iota + 1
	PhaseReplace
	PhaseMkdir
	PhaseRename
	PhaseDeleteFiles
	PhaseTransfer
	PhaseDeleteFolders
	PhaseJournal
)

// Phases lists every phase in execution order.
var Phases = []Phase{
	PhaseConflict,
	PhaseReplace,
	PhaseMkdir,
	PhaseRename,
	PhaseDeleteFiles,
	PhaseTransfer,
	PhaseDeleteFolders,
	PhaseJournal,
}

func (p Phase) String() string {
	switch p {
	case PhaseConflict:
		return "conflict"
	case PhaseReplace:
		return "replace"
	case PhaseMkdir:
		return "mkdir"
	case PhaseRename:
		return "rename"
	case PhaseDeleteFiles:
		return "delete_files"
	case PhaseTransfer:
		return "transfer"
	case PhaseDeleteFolders:
		return "delete_folders"
	case PhaseJournal:
		return "journal"
	default:
		return "unknown"
	}
}

// PreState is what the side being mutated looked like when the plan was
// made. The propagator refuses to overwrite or delete anything that no
// longer matches it.
type PreState struct {
	LocalExists      bool
	LocalFolder      bool
	LocalFingerprint string
	LocalSize        int64
	LocalMTime       int64

	// RemoteETag is sent as If-Match when set.
	RemoteETag string
	// MustNotExist is sent as If-None-Match.
	MustNotExist bool
}

// Instruction is one step of a plan.
//
// Path is the entry being created, changed or removed. For renames and
// conflict copies From is the source path and Path the destination.
// Local and Remote carry the entries observed by the scan and listing.
// Record is the journal state to commit for journal-only instructions
// and renames; a journal-only instruction with a nil Record drops the
// path from the journal.
type Instruction struct {
	Kind      Kind
	Direction Direction
	Path      string
	From      string
	Folder    bool
	Exclusion bool
	Phase     Phase
	Expected  PreState
	Local     *models.LocalEntry
	Remote    *models.RemoteEntry
	Record    *journal.Record
	Flag      journal.SyncFlag
}

// Plan is the ordered list of instructions for one run.
type Plan struct {
	Instructions []Instruction
}

// Len returns the number of instructions.
func (p *Plan) Len() int {
	return len(p.Instructions)
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	return len(p.Instructions) == 0
}

// Counts returns the number of instructions per kind name.
func (p *Plan) Counts() map[string]int {
	out := make(map[string]int)
	for _, in := range p.Instructions {
		out[in.Kind.String()]++
	}

	return out
}

// Phase returns the instructions of one phase, in plan order.
func (p *Plan) Phase(ph Phase) []Instruction {
	var out []Instruction

	for _, in := range p.Instructions {
		if in.Phase == ph {
			out = append(out, in)
		}
	}

	return out
}

// Find returns the first instruction for path, if any.
func (p *Plan) Find(path string) (Instruction, bool) {
	for _, in := range p.Instructions {
		if in.Path == path {
			return in, true
		}
	}

	return Instruction{}, false
}

// sortInstructions orders a plan by phase. Within a phase deletes run
// deepest first, folder creations shallowest first, everything else in
// path order.
func sortInstructions(ins []Instruction) {
	sort.SliceStable(ins, func(i, j int) bool {
		a, b := ins[i], ins[j]
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}

		switch a.Phase {
		case PhaseReplace, PhaseDeleteFiles, PhaseDeleteFolders:
			da, db := models.Depth(a.Path), models.Depth(b.Path)
			if da != db {
				return da > db
			}
		case PhaseMkdir:
			da, db := models.Depth(a.Path), models.Depth(b.Path)
			if da != db {
				return da < db
			}
		}

		if a.Path != b.Path {
			return a.Path < b.Path
		}

		return a.Direction < b.Direction
	})
}
