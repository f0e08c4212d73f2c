// Package remote defines the contract with the remote tree and lists it.
// Backends live in subpackages; each is bound to one account and one
// remote folder, and every path it sees is relative to that folder.
package remote

//go:generate mockgen -destination=remotemock/mock_api.go -package=remotemock . API

import (
	"context"
	"io"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/models"
)

// Page is one page of a remote listing.
type Page struct {
	Entries []models.RemoteEntry
	// Next is the cursor for the following page, empty on the last one.
	Next string
}

// Precondition guards a mutation against concurrent remote changes.
// ETag maps to If-Match; MustNotExist maps to If-None-Match: *.
type Precondition struct {
	ETag         string
	MustNotExist bool
}

// API is the remote tree. Implementations classify their failures with
// the internal/errors kinds: transient conditions are Retryable, auth
// and quota failures are Fatal, a missing entry wraps ErrRemoteNotFound
// and a failed precondition wraps ErrPrecondition.
type API interface {
	// ListPage returns one page of the recursive listing, starting at
	// cursor ("" for the first page).
	ListPage(ctx context.Context, cursor string) (Page, error)
	// Get streams the file's content into w and returns its entry.
	Get(ctx context.Context, path string, w io.Writer) (models.RemoteEntry, error)
	// Put uploads size bytes from r to path.
	Put(ctx context.Context, path string, r io.Reader, size int64, pre Precondition) (models.RemoteEntry, error)
	// Mkdir creates a folder. Existing folders are not an error.
	Mkdir(ctx context.Context, path string) (models.RemoteEntry, error)
	// Delete removes a file or an empty folder.
	Delete(ctx context.Context, path string, pre Precondition) error
	// Move renames an entry, keeping its file id where the backend can.
	Move(ctx context.Context, from, to string) (models.RemoteEntry, error)
}

// Errors backends wrap for missing entries and failed preconditions.
var (
	ErrNotFound     = syncerr.ErrRemoteNotFound
	ErrPrecondition = syncerr.ErrPrecondition
)

// AccountReporter is implemented by backends that can tell which account
// their credentials belong to.
type AccountReporter interface {
	Account(ctx context.Context) (string, error)
}
