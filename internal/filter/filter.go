package filter

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/models"
)

// DefaultIgnorePatterns are always applied on top of the configured ones.
var DefaultIgnorePatterns = []string{
	localfs.PartialPrefix + "*",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	".~lock.*",
	"*~",
}

// ignorePattern is a compiled pattern with its matching strategy.
type ignorePattern struct {
	raw       string
	g         glob.Glob
	matchPath bool // true = match against relative path; false = basename only
}

// Filter decides which paths take part in sync. Selective-sync
// exclusions are path prefixes chosen by the operator. Ignore patterns
// are globs: a pattern without '/' matches any basename, a pattern with
// '/' matches the full relative path and may use "**".
//
// A path is filtered out when it or any ancestor is excluded or ignored.
type Filter struct {
	exclusions []string
	patterns   []ignorePattern
}

// New compiles a filter. Exclusions are normalized and deduplicated.
// Blank patterns and lines starting with '#' are skipped.
func New(exclusions, ignorePatterns []string) (*Filter, error) {
	f := &Filter{}

	seen := make(map[string]struct{})

	for _, ex := range exclusions {
		ex = localfs.NormalizePath(ex)
		if ex == "" {
			continue
		}

		if _, dup := seen[ex]; dup {
			continue
		}

		seen[ex] = struct{}{}
		f.exclusions = append(f.exclusions, ex)
	}

	sort.Strings(f.exclusions)

	all := append(append([]string{}, DefaultIgnorePatterns...), ignorePatterns...)
	for _, raw := range all {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		matchPath := strings.Contains(raw, "/")
		pattern := raw

		if matchPath {
			pattern = strings.Trim(raw, "/")
		}

		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling ignore pattern %q: %w", raw, err)
		}

		f.patterns = append(f.patterns, ignorePattern{raw: raw, g: g, matchPath: matchPath})
	}

	return f, nil
}

// Exclusions returns the normalized selective-sync exclusions.
func (f *Filter) Exclusions() []string {
	return append([]string(nil), f.exclusions...)
}

// Excluded reports whether p lies at or below a selective-sync exclusion.
func (f *Filter) Excluded(p string) bool {
	for _, ex := range f.exclusions {
		if models.IsUnder(p, ex) {
			return true
		}
	}

	return false
}

// Ignored reports whether p or any of its ancestors matches an ignore
// pattern.
func (f *Filter) Ignored(p string) bool {
	if len(f.patterns) == 0 || p == "" {
		return false
	}

	prefix := p
	for {
		if f.matchOne(prefix) {
			return true
		}

		parent := models.Parent(prefix)
		if parent == "" {
			return false
		}

		prefix = parent
	}
}

// Allow reports whether p takes part in sync.
func (f *Filter) Allow(p string) bool {
	return !f.Excluded(p) && !f.Ignored(p)
}

func (f *Filter) matchOne(p string) bool {
	base := p
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		base = p[i+1:]
	}

	for _, pat := range f.patterns {
		if pat.matchPath {
			if pat.g.Match(p) {
				return true
			}

			continue
		}

		if pat.g.Match(base) {
			return true
		}
	}

	return false
}

// ParseIgnoreFile reads an ignore file and returns the raw pattern lines.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}

	return patterns, nil
}
