package models

import (
	"path"
	"time"
)

// LocalEntry is one file or directory observed under a sync root.
// Fingerprint is empty for directories and for entries that were not
// hashed because the journal proved them unchanged.
type LocalEntry struct {
	Path        string `json:"path"`
	Folder      bool   `json:"folder"`
	Size        int64  `json:"size"`
	MTime       int64  `json:"mtime"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ModTime returns MTime as a time.Time.
func (e LocalEntry) ModTime() time.Time {
	return time.UnixMilli(e.MTime)
}

// RemoteEntry is one file or directory reported by the remote folder.
// FileID is the server-assigned identity that survives moves. Fingerprint
// is only set by backends that can report a content hash in the same
// scheme as local fingerprints.
type RemoteEntry struct {
	Path        string `json:"path"`
	FileID      string `json:"id"`
	ETag        string `json:"etag"`
	Size        int64  `json:"size"`
	MTime       int64  `json:"mtime"`
	Folder      bool   `json:"folder"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ModTime returns MTime as a time.Time. A zero MTime yields the zero time.
func (e RemoteEntry) ModTime() time.Time {
	if e.MTime == 0 {
		return time.Time{}
	}

	return time.UnixMilli(e.MTime)
}

// Parent returns the parent directory of a normalized relative path, or
// "" for top-level entries.
func Parent(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}

	return dir
}

// Depth returns the number of path segments.
func Depth(p string) int {
	if p == "" {
		return 0
	}

	n := 1

	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			n++
		}
	}

	return n
}

// IsUnder reports whether p is dir itself or lies below it.
func IsUnder(p, dir string) bool {
	if dir == "" {
		return true
	}

	return p == dir || (len(p) > len(dir) && p[len(dir)] == '/' && p[:len(dir)] == dir)
}
