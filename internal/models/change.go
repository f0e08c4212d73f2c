package models

import "sort"

// ChangeKind classifies how an entry differs from the journal.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeModified
	ChangeRemoved
	ChangeRenamed
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	case ChangeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Change is one side's difference for a path. For renames Path is the
// destination and From the source. Exactly one of Local and Remote is
// set, except for removals where neither is.
type Change struct {
	Kind   ChangeKind
	Path   string
	From   string
	Folder bool
	Local  *LocalEntry
	Remote *RemoteEntry
}

// ChangeSet maps a path to its change. Renames are keyed by destination.
type ChangeSet map[string]Change

// Add records c under its path.
func (cs ChangeSet) Add(c Change) {
	cs[c.Path] = c
}

// Paths returns the changed paths in sorted order.
func (cs ChangeSet) Paths() []string {
	paths := make([]string, 0, len(cs))
	for p := range cs {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

// RenameSources returns the From paths of all renames, mapped to the
// rename destination.
func (cs ChangeSet) RenameSources() map[string]string {
	out := make(map[string]string)

	for p, c := range cs {
		if c.Kind == ChangeRenamed {
			out[c.From] = p
		}
	}

	return out
}

// Count returns the number of changes of kind k.
func (cs ChangeSet) Count(k ChangeKind) int {
	n := 0

	for _, c := range cs {
		if c.Kind == k {
			n++
		}
	}

	return n
}
