package journal

import (
	"strings"
	"time"
)

// SyncFlag is the per-record sync status.
type SyncFlag string

const (
	// FlagSynced means both sides matched the record when it was written.
	FlagSynced SyncFlag = "synced"

	// FlagPending marks a record whose path has a transfer in flight.
	// Fingerprint and ETag still describe the last synced state.
	FlagPending SyncFlag = "pending"

	// FlagConflicted marks a conflict copy created by the engine.
	FlagConflicted SyncFlag = "conflicted"

	// FlagIgnored marks a record whose path now matches an ignore pattern.
	FlagIgnored SyncFlag = "ignored"
)

// Record is the last agreed state of one path.
type Record struct {
	Path        string   `json:"path"`
	FileID      string   `json:"file_id"`
	Fingerprint string   `json:"fingerprint"`
	Size        int64    `json:"size"`
	MTime       int64    `json:"mtime"`
	ETag        string   `json:"etag"`
	Folder      bool     `json:"folder"`
	Flag        SyncFlag `json:"flag"`
	Parent      string   `json:"parent"`
	SyncedAt    int64    `json:"synced_at"`
}

// Binding identifies the account and remote folder a journal belongs to.
type Binding struct {
	AccountID  string
	FolderPath string
}

// Identity is the persisted binding of a journal.
type Identity struct {
	Token         string
	AccountID     string
	FolderPath    string
	SchemaVersion int
	CreatedAt     time.Time
	BackfilledAt  time.Time
	ReboundAt     time.Time
}

// ConflictRecord describes one conflict the engine resolved by keeping
// both versions.
type ConflictRecord struct {
	ID               string    `json:"id"`
	Path             string    `json:"path"`
	ConflictPath     string    `json:"conflict_path"`
	LocalFingerprint string    `json:"local_fingerprint"`
	RemoteETag       string    `json:"remote_etag"`
	DetectedAt       time.Time `json:"detected_at"`
	Preview          string    `json:"preview,omitempty"`
}

// normalizeFolder gives the remote folder a canonical form for hashing:
// a single leading slash, no trailing slash.
func normalizeFolder(folder string) string {
	folder = strings.ReplaceAll(folder, "\\", "/")
	folder = strings.Trim(folder, "/")

	for strings.Contains(folder, "//") {
		folder = strings.ReplaceAll(folder, "//", "/")
	}

	return "/" + folder
}
