package propagate

import (
	"log/slog"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxPreviewBytes caps the size of either side of a conflict preview.
const maxPreviewBytes = 64 * 1024

// diffCleanupThreshold matches the point where semantic cleanup starts to
// pay off for the patch text.
const diffCleanupThreshold = 2

// attachPreview stores a patch from the remote version to the local
// conflict copy when path was conflicted in this run and both sides are
// small UTF-8 text.
func (r *run) attachPreview(path string) {
	r.mu.Lock()
	c, ok := r.conflicts[path]
	r.mu.Unlock()

	if !ok {
		return
	}

	cfg := r.p.cfg

	remoteText, err := cfg.Tree.ReadFile(path)
	if err != nil || !previewable(remoteText) {
		return
	}

	localText, err := cfg.Tree.ReadFile(c.ConflictPath)
	if err != nil || !previewable(localText) {
		return
	}

	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(string(remoteText), string(localText), true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}

	c.Preview = dmp.PatchToText(dmp.PatchMake(string(remoteText), diffs))

	if err := cfg.Journal.SaveConflict(c); err != nil {
		cfg.Logger.Warn("saving conflict preview",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	r.mu.Lock()
	r.conflicts[path] = c
	r.mu.Unlock()
}

func previewable(b []byte) bool {
	return len(b) <= maxPreviewBytes && utf8.Valid(b)
}
