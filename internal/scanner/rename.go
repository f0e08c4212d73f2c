package scanner

import (
	"path"
	"sort"

	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/models"
)

// Confidence contributions for a removed record and an added file.
const (
	contentMatchScore = 0.8
	sameNameScore     = 0.1
	sameParentScore   = 0.1
)

// RenamePolicy decides when a removed path and an added path are the same
// file moved. Only files whose size and fingerprint both match are
// candidates; matching basename or parent directory raise the confidence.
// A pair is accepted only when it reaches MinConfidence and is the single
// candidate for both paths. Everything else stays Removed + Added, which
// is always safe.
type RenamePolicy struct {
	// MinConfidence is the lowest accepted score in (0, 1].
	MinConfidence float64
	// MinSize excludes small files, where identical content is common.
	MinSize int64
}

// DefaultRenamePolicy accepts any unique exact content match of a
// non-empty file.
func DefaultRenamePolicy() RenamePolicy {
	return RenamePolicy{MinConfidence: contentMatchScore, MinSize: 1}
}

// Pair is an accepted rename.
type Pair struct {
	From string
	To   string
}

// Confidence scores a removed record against an added local file.
func (p RenamePolicy) Confidence(rec journal.Record, added models.LocalEntry) float64 {
	if rec.Folder || added.Folder {
		return 0
	}

	if rec.Size != added.Size || rec.Size < p.MinSize || rec.Size == 0 {
		return 0
	}

	if rec.Fingerprint == "" || rec.Fingerprint != added.Fingerprint {
		return 0
	}

	score := contentMatchScore

	if path.Base(rec.Path) == path.Base(added.Path) {
		score += sameNameScore
	}

	if models.Parent(rec.Path) == models.Parent(added.Path) {
		score += sameParentScore
	}

	return score
}

// Pair finds unambiguous renames between removed records and the Added
// changes in cs.
func (p RenamePolicy) Pair(removed []journal.Record, cs models.ChangeSet) []Pair {
	var added []models.LocalEntry

	for _, c := range cs {
		if c.Kind == models.ChangeAdded && c.Local != nil && !c.Folder {
			added = append(added, *c.Local)
		}
	}

	if len(removed) == 0 || len(added) == 0 {
		return nil
	}

	byRemoved := make(map[string][]string)
	byAdded := make(map[string][]string)

	for _, rec := range removed {
		for _, a := range added {
			if p.Confidence(rec, a) >= p.MinConfidence {
				byRemoved[rec.Path] = append(byRemoved[rec.Path], a.Path)
				byAdded[a.Path] = append(byAdded[a.Path], rec.Path)
			}
		}
	}

	var pairs []Pair

	for from, tos := range byRemoved {
		if len(tos) != 1 || len(byAdded[tos[0]]) != 1 {
			continue
		}

		pairs = append(pairs, Pair{From: from, To: tos[0]})
	}

	sort.Slice(pairs, func(a, b int) bool { return pairs[a].To < pairs[b].To })

	return pairs
}
