package reconcile

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const conflictTimeLayout = "20060102-150405"

// ConflictName returns the conflict copy name for p at time t:
// "<stem>_conflict_<YYYYMMDD-HHMMSS><ext>" in UTC. Dotfiles without a
// further extension keep the whole name as stem.
func ConflictName(p string, t time.Time, n int) string {
	dir, base := path.Split(p)

	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	if stem == "" {
		stem, ext = base, ""
	}

	name := stem + "_conflict_" + t.UTC().Format(conflictTimeLayout)
	if n > 1 {
		name += fmt.Sprintf("-%d", n)
	}

	return dir + name + ext
}

// uniqueConflictName returns the first conflict name for p that is not
// taken.
func uniqueConflictName(p string, t time.Time, taken func(string) bool) string {
	candidate := ConflictName(p, t, 1)

	for n := 2; taken(candidate); n++ {
		candidate = ConflictName(p, t, n)
	}

	return candidate
}
