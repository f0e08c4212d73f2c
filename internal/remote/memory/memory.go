// Package memory is an in-process remote tree. It backs the "memory"
// root backend and stands in for a server in tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/models"
	"github.com/alexjbarnes/treesync/internal/remote"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const defaultPageSize = 1000

// Operation names accepted by FailNext and Calls.
const (
	OpList   = "list"
	OpGet    = "get"
	OpPut    = "put"
	OpMkdir  = "mkdir"
	OpDelete = "delete"
	OpMove   = "move"
)

type object struct {
	entry models.RemoteEntry
	data  []byte
}

// Server is a remote tree held in memory. It is safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	objects  map[string]*object
	seq      uint64
	pageSize int
	failures map[string][]error
	calls    map[string]int
	account  string
}

var (
	_ remote.API             = (*Server)(nil)
	_ remote.AccountReporter = (*Server)(nil)
)

// New creates an empty tree.
func New(clock clockwork.Clock) *Server {
	return &Server{
		clock:    clock,
		objects:  make(map[string]*object),
		pageSize: defaultPageSize,
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// SetPageSize changes how many entries ListPage returns at once.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > 0 {
		s.pageSize = n
	}
}

// SetAccount sets the account Account reports.
func (s *Server) SetAccount(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.account = id
}

// Account returns the account set with SetAccount. An empty result means
// the server accepts any account.
func (s *Server) Account(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.account, nil
}

// FailNext queues errors for the next calls of op, one per call.
func (s *Server) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[op] = append(s.failures[op], errs...)
}

// Calls returns how many times op has been called.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[op]
}

// begin counts a call and pops a queued failure. Callers hold s.mu.
func (s *Server) begin(op string) error {
	s.calls[op]++

	queue := s.failures[op]
	if len(queue) == 0 {
		return nil
	}

	s.failures[op] = queue[1:]

	return queue[0]
}

func (s *Server) nextETag() string {
	s.seq++
	return strconv.FormatUint(s.seq, 10)
}

// ListPage returns entries in path order after cursor.
func (s *Server) ListPage(ctx context.Context, cursor string) (remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return remote.Page{}, syncerr.Retryable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpList); err != nil {
		return remote.Page{}, err
	}

	paths := s.sortedPaths()
	start := sort.SearchStrings(paths, cursor)

	if start < len(paths) && paths[start] == cursor {
		start++
	}

	end := min(start+s.pageSize, len(paths))

	page := remote.Page{Entries: make([]models.RemoteEntry, 0, end-start)}
	for _, p := range paths[start:end] {
		page.Entries = append(page.Entries, s.objects[p].entry)
	}

	if end < len(paths) {
		page.Next = paths[end-1]
	}

	return page, nil
}

// Get writes the file's content to w.
func (s *Server) Get(_ context.Context, path string, w io.Writer) (models.RemoteEntry, error) {
	s.mu.Lock()

	if err := s.begin(OpGet); err != nil {
		s.mu.Unlock()
		return models.RemoteEntry{}, err
	}

	obj, ok := s.objects[path]
	if !ok {
		s.mu.Unlock()
		return models.RemoteEntry{}, syncerr.Op("get", path, remote.ErrNotFound)
	}

	if obj.entry.Folder {
		s.mu.Unlock()
		return models.RemoteEntry{}, syncerr.Op("get", path, fmt.Errorf("%s is a folder", path))
	}

	entry := obj.entry
	data := obj.data
	s.mu.Unlock()

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return models.RemoteEntry{}, syncerr.Op("get", path, err)
	}

	return entry, nil
}

// Put stores the content of r at path, creating missing parents.
func (s *Server) Put(ctx context.Context, path string, r io.Reader, size int64, pre remote.Precondition) (models.RemoteEntry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.RemoteEntry{}, syncerr.Op("put", path, fmt.Errorf("reading upload body: %w", err))
	}

	if int64(len(data)) != size {
		return models.RemoteEntry{}, syncerr.Op("put", path, fmt.Errorf("upload body is %d bytes, expected %d", len(data), size))
	}

	if err := ctx.Err(); err != nil {
		return models.RemoteEntry{}, syncerr.Retryable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpPut); err != nil {
		return models.RemoteEntry{}, err
	}

	existing, exists := s.objects[path]
	if err := checkPrecondition(existing, exists, pre); err != nil {
		return models.RemoteEntry{}, syncerr.Op("put", path, err)
	}

	if exists && existing.entry.Folder {
		return models.RemoteEntry{}, syncerr.Op("put", path, remote.ErrPrecondition)
	}

	if err := s.mkdirParents(path); err != nil {
		return models.RemoteEntry{}, syncerr.Op("put", path, err)
	}

	id := uuid.NewString()
	if exists {
		id = existing.entry.FileID
	}

	obj := &object{
		entry: models.RemoteEntry{
			Path:        path,
			FileID:      id,
			ETag:        s.nextETag(),
			Size:        size,
			MTime:       s.clock.Now().UnixMilli(),
			Fingerprint: localfs.FingerprintBytes(data),
		},
		data: data,
	}
	s.objects[path] = obj

	return obj.entry, nil
}

// Mkdir creates a folder and its parents.
func (s *Server) Mkdir(_ context.Context, path string) (models.RemoteEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpMkdir); err != nil {
		return models.RemoteEntry{}, err
	}

	if err := s.mkdirAll(path); err != nil {
		return models.RemoteEntry{}, syncerr.Op("mkdir", path, err)
	}

	return s.objects[path].entry, nil
}

// Delete removes a file or an empty folder.
func (s *Server) Delete(_ context.Context, path string, pre remote.Precondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpDelete); err != nil {
		return err
	}

	obj, ok := s.objects[path]
	if !ok {
		return syncerr.Op("delete", path, remote.ErrNotFound)
	}

	if err := checkPrecondition(obj, true, pre); err != nil {
		return syncerr.Op("delete", path, err)
	}

	if obj.entry.Folder && s.hasChildren(path) {
		return syncerr.Op("delete", path, fmt.Errorf("folder not empty: %w", remote.ErrPrecondition))
	}

	delete(s.objects, path)

	return nil
}

// Move renames an entry and, for folders, everything below it. File ids
// and etags are kept.
func (s *Server) Move(_ context.Context, from, to string) (models.RemoteEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpMove); err != nil {
		return models.RemoteEntry{}, err
	}

	return s.move(from, to)
}

func (s *Server) move(from, to string) (models.RemoteEntry, error) {
	obj, ok := s.objects[from]
	if !ok {
		return models.RemoteEntry{}, syncerr.Op("move", from, remote.ErrNotFound)
	}

	if _, taken := s.objects[to]; taken {
		return models.RemoteEntry{}, syncerr.Op("move", to, remote.ErrPrecondition)
	}

	if models.IsUnder(to, from) {
		return models.RemoteEntry{}, syncerr.Op("move", to, fmt.Errorf("cannot move %s into itself", from))
	}

	if err := s.mkdirParents(to); err != nil {
		return models.RemoteEntry{}, syncerr.Op("move", to, err)
	}

	if obj.entry.Folder {
		for _, p := range s.sortedPaths() {
			if p == from || !models.IsUnder(p, from) {
				continue
			}

			child := s.objects[p]
			delete(s.objects, p)
			child.entry.Path = to + strings.TrimPrefix(p, from)
			s.objects[child.entry.Path] = child
		}
	}

	delete(s.objects, from)
	obj.entry.Path = to
	s.objects[to] = obj

	return obj.entry, nil
}

// PutFile stores a file directly, bypassing failure injection. It stands
// for a change made by another client.
func (s *Server) PutFile(path string, data []byte) models.RemoteEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.mkdirParents(path)

	id := uuid.NewString()
	if existing, ok := s.objects[path]; ok && !existing.entry.Folder {
		id = existing.entry.FileID
	}

	obj := &object{
		entry: models.RemoteEntry{
			Path:        path,
			FileID:      id,
			ETag:        s.nextETag(),
			Size:        int64(len(data)),
			MTime:       s.clock.Now().UnixMilli(),
			Fingerprint: localfs.FingerprintBytes(data),
		},
		data: data,
	}
	s.objects[path] = obj

	return obj.entry
}

// MkdirDirect creates a folder bypassing failure injection.
func (s *Server) MkdirDirect(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.mkdirAll(path)
}

// Remove deletes path and everything below it, bypassing failure
// injection.
func (s *Server) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := range s.objects {
		if models.IsUnder(p, path) {
			delete(s.objects, p)
		}
	}
}

// Rename moves an entry bypassing failure injection.
func (s *Server) Rename(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.move(from, to)

	return err
}

// ReadFile returns a file's content.
func (s *Server) ReadFile(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[path]
	if !ok || obj.entry.Folder {
		return nil, false
	}

	return append([]byte(nil), obj.data...), true
}

// Entry returns the entry at path.
func (s *Server) Entry(path string) (models.RemoteEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[path]
	if !ok {
		return models.RemoteEntry{}, false
	}

	return obj.entry, true
}

// Paths returns every path in the tree in sorted order.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedPaths()
}

func (s *Server) sortedPaths() []string {
	paths := make([]string, 0, len(s.objects))
	for p := range s.objects {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

func (s *Server) hasChildren(dir string) bool {
	for p := range s.objects {
		if p != dir && models.IsUnder(p, dir) {
			return true
		}
	}

	return false
}

func (s *Server) mkdirParents(path string) error {
	parent := models.Parent(path)
	if parent == "" {
		return nil
	}

	return s.mkdirAll(parent)
}

func (s *Server) mkdirAll(path string) error {
	if path == "" {
		return nil
	}

	if obj, ok := s.objects[path]; ok {
		if !obj.entry.Folder {
			return fmt.Errorf("%s is a file: %w", path, remote.ErrPrecondition)
		}

		return nil
	}

	if err := s.mkdirParents(path); err != nil {
		return err
	}

	s.objects[path] = &object{entry: models.RemoteEntry{
		Path:   path,
		FileID: uuid.NewString(),
		ETag:   s.nextETag(),
		MTime:  s.clock.Now().UnixMilli(),
		Folder: true,
	}}

	return nil
}

func checkPrecondition(obj *object, exists bool, pre remote.Precondition) error {
	if pre.MustNotExist && exists {
		return remote.ErrPrecondition
	}

	if pre.ETag != "" && (!exists || obj.entry.ETag != pre.ETag) {
		return remote.ErrPrecondition
	}

	return nil
}
