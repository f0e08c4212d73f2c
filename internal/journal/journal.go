package journal

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/models"
)

const (
	// stateDirPerm is the permission mode for the journal directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for journal files.
	stateFilePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second

	// CurrentSchema is the schema version written by this build.
	CurrentSchema = 3
)

var (
	metaBucket       = []byte("meta")
	recordsBucket    = []byte("records")
	exclusionsBucket = []byte("exclusions")
	conflictsBucket  = []byte("conflicts")

	allBuckets = [][]byte{metaBucket, recordsBucket, exclusionsBucket, conflictsBucket}
)

var (
	schemaKey       = []byte("schema_version")
	tokenKey        = []byte("identity_token")
	accountKey      = []byte("account_id")
	folderKey       = []byte("folder_path")
	createdKey      = []byte("created_at")
	backfilledKey   = []byte("backfilled_at")
	reboundKey      = []byte("rebound_at")
	legacySelectKey = []byte("selective_sync")
)

// Token derives the identity token for a binding: hex blake2b-256 of the
// account id and the normalized remote folder.
func (b Binding) Token() string {
	folder := norm.NFC.String(normalizeFolder(b.FolderPath))
	sum := blake2b.Sum256([]byte(b.AccountID + "\x00" + folder))

	return hex.EncodeToString(sum[:])
}

// Journal is the durable per-root record of what is in sync. A handle is
// opened for one run and closed when the run ends. It is safe for
// concurrent use; bbolt serializes writers.
type Journal struct {
	db   *bolt.DB
	path string
}

// Create makes a new journal bound to b. It refuses to overwrite an
// existing file.
func Create(path string, b Binding, now time.Time) (*Journal, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("creating journal %s: %w", path, syncerr.ErrJournalExists)
	}

	j, err := open(path)
	if err != nil {
		return nil, err
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		meta := tx.Bucket(metaBucket)

		return putAll(meta, map[string]string{
			string(schemaKey):  strconv.Itoa(CurrentSchema),
			string(tokenKey):   b.Token(),
			string(accountKey): b.AccountID,
			string(folderKey):  normalizeFolder(b.FolderPath),
			string(createdKey): now.UTC().Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		j.db.Close()
		os.Remove(path)

		return nil, fmt.Errorf("initializing journal: %w", err)
	}

	return j, nil
}

// Load opens an existing journal and migrates it to the current schema.
// It never creates a file: a missing journal yields ErrJournalNotFound.
// A journal without an identity token (legacy format) gets one derived
// from b exactly once. An existing token is never rewritten here.
func Load(path string, b Binding, now time.Time) (*Journal, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading journal %s: %w", path, syncerr.ErrJournalNotFound)
		}

		return nil, fmt.Errorf("loading journal %s: %w", path, err)
	}

	j, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := j.migrate(b, now); err != nil {
		j.db.Close()
		return nil, err
	}

	return j, nil
}

// Rebind rewrites the identity token of an existing journal. This is the
// explicit operator resolution for an identity mismatch and is never
// called by the sync engine.
func Rebind(path string, b Binding, now time.Time) error {
	j, err := Load(path, b, now)
	if err != nil {
		return err
	}
	defer j.Close()

	return j.db.Update(func(tx *bolt.Tx) error {
		return putAll(tx.Bucket(metaBucket), map[string]string{
			string(tokenKey):   b.Token(),
			string(accountKey): b.AccountID,
			string(folderKey):  normalizeFolder(b.FolderPath),
			string(reboundKey): now.UTC().Format(time.RFC3339Nano),
		})
	})
}

func open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}

	return &Journal{db: db, path: path}, nil
}

// Close releases the database lock.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

// Identity returns the persisted binding.
func (j *Journal) Identity() (Identity, error) {
	var id Identity

	err := j.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return fmt.Errorf("journal has no meta bucket")
		}

		id.Token = string(meta.Get(tokenKey))
		id.AccountID = string(meta.Get(accountKey))
		id.FolderPath = string(meta.Get(folderKey))
		id.SchemaVersion, _ = strconv.Atoi(string(meta.Get(schemaKey)))
		id.CreatedAt = parseTime(meta.Get(createdKey))
		id.BackfilledAt = parseTime(meta.Get(backfilledKey))
		id.ReboundAt = parseTime(meta.Get(reboundKey))

		return nil
	})

	return id, err
}

// VerifyIdentity compares the stored token byte for byte against the
// token derived from the given account and folder.
func (j *Journal) VerifyIdentity(accountID, folderPath string) (bool, error) {
	want := []byte(Binding{AccountID: accountID, FolderPath: folderPath}.Token())

	var ok bool

	err := j.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(metaBucket).Get(tokenKey)
		ok = len(stored) > 0 && bytes.Equal(stored, want)

		return nil
	})

	return ok, err
}

// Lookup returns the record for path, or nil if there is none.
func (j *Journal) Lookup(path string) (*Record, error) {
	var rec *Record

	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(path))
		if data == nil {
			return nil
		}

		rec = &Record{}

		return json.Unmarshal(data, rec)
	})

	return rec, err
}

// Commit upserts a record in one transaction. Empty flags become
// FlagSynced and the parent is derived from the path.
func (j *Journal) Commit(rec Record, now time.Time) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx.Bucket(recordsBucket), rec, now)
	})
}

// CommitRename removes from and writes rec under its new path in one
// transaction.
func (j *Journal) CommitRename(from string, rec Record, now time.Time) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if err := b.Delete([]byte(from)); err != nil {
			return err
		}

		return putRecord(b, rec, now)
	})
}

// SetFlag changes the flag of an existing record. Missing records are
// left alone.
func (j *Journal) SetFlag(path string, flag SyncFlag) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)

		data := b.Get([]byte(path))
		if data == nil {
			return nil
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}

		rec.Flag = flag

		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(path), out)
	})
}

// Remove deletes the record for path.
func (j *Journal) Remove(path string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(path))
	})
}

// RemoveTree deletes the record for path and every record below it.
func (j *Journal) RemoveTree(path string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if err := b.Delete([]byte(path)); err != nil {
			return err
		}

		prefix := []byte(path + "/")

		var keys [][]byte

		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// All returns every record keyed by path.
func (j *Journal) All() (map[string]Record, error) {
	out := make(map[string]Record)

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record %s: %w", k, err)
			}

			out[string(k)] = rec

			return nil
		})
	})

	return out, err
}

// Exclusions returns the selective-sync list in sorted order.
func (j *Journal) Exclusions() ([]string, error) {
	var out []string

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(exclusionsBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})

	return out, err
}

// SetExclusions replaces the selective-sync list.
func (j *Journal) SetExclusions(paths []string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(exclusionsBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		b, err := tx.CreateBucket(exclusionsBucket)
		if err != nil {
			return err
		}

		for _, p := range paths {
			if p == "" {
				continue
			}

			if err := b.Put([]byte(p), []byte{}); err != nil {
				return err
			}
		}

		return nil
	})
}

// SaveConflict upserts a conflict record by ID.
func (j *Journal) SaveConflict(c ConflictRecord) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).Put([]byte(c.ID), data)
	})
}

// Conflicts returns all conflict records, oldest first.
func (j *Journal) Conflicts() ([]ConflictRecord, error) {
	var out []ConflictRecord

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(_, v []byte) error {
			var c ConflictRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			out = append(out, c)

			return nil
		})
	})

	sort.Slice(out, func(a, b int) bool {
		if out[a].DetectedAt.Equal(out[b].DetectedAt) {
			return out[a].ID < out[b].ID
		}

		return out[a].DetectedAt.Before(out[b].DetectedAt)
	})

	return out, err
}

// DeleteConflict removes a conflict record.
func (j *Journal) DeleteConflict(id string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).Delete([]byte(id))
	})
}

func putRecord(b *bolt.Bucket, rec Record, now time.Time) error {
	if rec.Path == "" {
		return fmt.Errorf("record has empty path")
	}

	if rec.Flag == "" {
		rec.Flag = FlagSynced
	}

	rec.Parent = models.Parent(rec.Path)
	rec.SyncedAt = now.UnixMilli()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return b.Put([]byte(rec.Path), data)
}

func putAll(b *bolt.Bucket, kv map[string]string) error {
	for k, v := range kv {
		if err := b.Put([]byte(k), []byte(v)); err != nil {
			return err
		}
	}

	return nil
}

func parseTime(v []byte) time.Time {
	if len(v) == 0 {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, string(v))
	if err != nil {
		return time.Time{}
	}

	return t
}
