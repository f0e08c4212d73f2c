package localfs

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePath normalizes a root-relative path. It converts OS-native
// path separators to forward slashes, replaces non-breaking spaces with
// regular spaces, collapses repeated slashes, trims leading/trailing
// slashes, and applies Unicode NFC normalization. Every path entering the
// engine goes through here: scanner output, watcher events, remote
// listings and configured exclusions.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, "\u00A0", " ")
	path = strings.ReplaceAll(path, "\u202F", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")
	if path == "." {
		return ""
	}

	return norm.NFC.String(path)
}

// IsPartial reports whether a path names an in-flight download artifact.
func IsPartial(path string) bool {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}

	return strings.HasPrefix(base, PartialPrefix)
}
