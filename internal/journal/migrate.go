package journal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/models"
)

// Schema history:
//
//	1: meta{schema_version, selective_sync (JSON list)}, records.
//	2: identity token, account and folder in meta.
//	3: exclusions bucket, conflicts bucket, record flag and parent.
type migration func(tx *bolt.Tx, b Binding, now time.Time) error

var migrations = map[int]migration{
	1: migrate1to2,
	2: migrate2to3,
}

// migrate brings the journal to CurrentSchema, one transaction per step.
// An up-to-date journal with a token is not written to at all.
func (j *Journal) migrate(b Binding, now time.Time) error {
	version, hasToken, err := j.schemaState()
	if err != nil {
		return err
	}

	if version > CurrentSchema {
		return syncerr.Config(fmt.Errorf("journal schema %d is newer than supported %d", version, CurrentSchema))
	}

	for version < CurrentSchema {
		step := migrations[version]

		err := j.db.Update(func(tx *bolt.Tx) error {
			if err := step(tx, b, now); err != nil {
				return err
			}

			return tx.Bucket(metaBucket).Put(schemaKey, []byte(strconv.Itoa(version+1)))
		})
		if err != nil {
			return fmt.Errorf("migrating journal from schema %d: %w", version, err)
		}

		version++
		hasToken = true
	}

	if !hasToken {
		return j.db.Update(func(tx *bolt.Tx) error {
			return backfillIdentity(tx.Bucket(metaBucket), b, now)
		})
	}

	return nil
}

func (j *Journal) schemaState() (version int, hasToken bool, err error) {
	err = j.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return fmt.Errorf("journal has no meta bucket")
		}

		raw := meta.Get(schemaKey)
		if len(raw) == 0 {
			version = 1
		} else {
			v, convErr := strconv.Atoi(string(raw))
			if convErr != nil {
				return fmt.Errorf("invalid schema version %q", raw)
			}

			version = v
		}

		hasToken = len(meta.Get(tokenKey)) > 0

		return nil
	})

	return version, hasToken, err
}

// migrate1to2 adds the identity binding. Legacy journals never stored
// one, so it is derived from the current configuration this one time.
func migrate1to2(tx *bolt.Tx, b Binding, now time.Time) error {
	meta := tx.Bucket(metaBucket)
	if len(meta.Get(tokenKey)) > 0 {
		return nil
	}

	return backfillIdentity(meta, b, now)
}

// migrate2to3 moves the selective-sync list out of meta into its own
// bucket and fills in record flags and parents.
func migrate2to3(tx *bolt.Tx, _ Binding, _ time.Time) error {
	for _, name := range [][]byte{recordsBucket, exclusionsBucket, conflictsBucket} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}

	meta := tx.Bucket(metaBucket)
	if raw := meta.Get(legacySelectKey); len(raw) > 0 {
		var paths []string
		if err := json.Unmarshal(raw, &paths); err != nil {
			return fmt.Errorf("decoding legacy selective sync list: %w", err)
		}

		ex := tx.Bucket(exclusionsBucket)
		for _, p := range paths {
			if p == "" {
				continue
			}

			if err := ex.Put([]byte(p), []byte{}); err != nil {
				return err
			}
		}

		if err := meta.Delete(legacySelectKey); err != nil {
			return err
		}
	}

	records := tx.Bucket(recordsBucket)
	updates := make(map[string][]byte)

	err := records.ForEach(func(k, v []byte) error {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decoding record %s: %w", k, err)
		}

		if rec.Flag != "" && rec.Parent == models.Parent(rec.Path) && rec.Path != "" {
			return nil
		}

		if rec.Path == "" {
			rec.Path = string(k)
		}

		if rec.Flag == "" {
			rec.Flag = FlagSynced
		}

		rec.Parent = models.Parent(rec.Path)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		updates[string(k)] = data

		return nil
	})
	if err != nil {
		return err
	}

	for k, v := range updates {
		if err := records.Put([]byte(k), v); err != nil {
			return err
		}
	}

	return nil
}

func backfillIdentity(meta *bolt.Bucket, b Binding, now time.Time) error {
	if b.AccountID == "" || b.FolderPath == "" {
		return syncerr.Config(fmt.Errorf("cannot backfill journal identity without account and folder"))
	}

	return putAll(meta, map[string]string{
		string(tokenKey):      b.Token(),
		string(accountKey):    b.AccountID,
		string(folderKey):     normalizeFolder(b.FolderPath),
		string(backfilledKey): now.UTC().Format(time.RFC3339Nano),
	})
}
