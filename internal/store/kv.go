package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/model"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// Buckets
var (
	BucketRevisions  = []byte("revisions")  // id|branch|version -> zstd(canonical revision)
	BucketTombstones = []byte("tombstones") // id|branch -> detach timestamp
	BucketBranches   = []byte("branches")   // name -> json branch
	BucketClasses    = []byte("classes")    // name -> json class
	BucketMeta       = []byte("meta")       // counter name -> uint64
	BucketAreas      = []byte("areas")      // durable area id -> json area
)

var allBuckets = [][]byte{BucketRevisions, BucketTombstones, BucketBranches, BucketClasses, BucketMeta, BucketAreas}

// ErrNotFound is returned for missing counters.
var ErrNotFound = errors.New("key not found")

type DB struct{ *bbolt.DB }

func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, err
	}
	// Ensure buckets exist
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func (db *DB) Close() error { return db.DB.Close() }

// Writer stages changes inside one bbolt transaction.
type Writer struct{ tx *bbolt.Tx }

// Write runs fn in a single read-write transaction. Nothing is stored when fn fails.
func (db *DB) Write(fn func(w *Writer) error) error {
	return db.Update(func(tx *bbolt.Tx) error { return fn(&Writer{tx: tx}) })
}

func revisionKey(k revision.Key) []byte {
	key := make([]byte, 0, 32)
	key = append(key, k.ID.String()...)
	key = append(key, 0)
	key = append(key, k.Branch...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, uint64(k.Version))
}

func tombstoneKey(id ident.ID, branchName string) []byte {
	key := append([]byte(id.String()), 0)
	return append(key, branchName...)
}

// PutRevision stores r compressed under its key.
func (w *Writer) PutRevision(r *revision.Revision) error {
	return w.tx.Bucket(BucketRevisions).Put(revisionKey(r.Key()), compress(revision.Encode(r)))
}

// PutTombstone records that id was detached on branch at ts.
func (w *Writer) PutTombstone(id ident.ID, branchName string, ts int64) error {
	return w.tx.Bucket(BucketTombstones).Put(tombstoneKey(id, branchName), binary.AppendVarint(nil, ts))
}

func (w *Writer) PutBranch(b branch.Branch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return w.tx.Bucket(BucketBranches).Put([]byte(b.Name), data)
}

func (w *Writer) PutClass(c *model.Class) error {
	data, err := model.MarshalClass(c)
	if err != nil {
		return err
	}
	return w.tx.Bucket(BucketClasses).Put([]byte(c.Name), data)
}

func (w *Writer) PutCounter(name string, v uint64) error {
	return w.tx.Bucket(BucketMeta).Put([]byte(name), binary.BigEndian.AppendUint64(nil, v))
}

// PutArea stores a durable lock area as JSON.
func (w *Writer) PutArea(id string, area any) error {
	data, err := json.Marshal(area)
	if err != nil {
		return err
	}
	return w.tx.Bucket(BucketAreas).Put([]byte(id), data)
}

func (w *Writer) DeleteArea(id string) error {
	return w.tx.Bucket(BucketAreas).Delete([]byte(id))
}

// ForEachRevision decodes every stored revision.
func (db *DB) ForEachRevision(fn func(r *revision.Revision) error) error {
	return db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketRevisions).ForEach(func(k, v []byte) error {
			raw, err := decompress(v)
			if err != nil {
				return fmt.Errorf("revision %q: %w", k, err)
			}
			r, err := revision.Decode(raw)
			if err != nil {
				return fmt.Errorf("revision %q: %w", k, err)
			}
			return fn(r)
		})
	})
}

// ForEachTombstone lists every detach record.
func (db *DB) ForEachTombstone(fn func(id ident.ID, branchName string, ts int64) error) error {
	return db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketTombstones).ForEach(func(k, v []byte) error {
			idText, branchName, ok := cutZero(k)
			if !ok {
				return fmt.Errorf("malformed tombstone key %q", k)
			}
			id, err := ident.Parse(idText)
			if err != nil {
				return err
			}
			ts, n := binary.Varint(v)
			if n <= 0 {
				return fmt.Errorf("malformed tombstone for %s", id)
			}
			return fn(id, branchName, ts)
		})
	})
}

func (db *DB) Branches() ([]branch.Branch, error) {
	var out []branch.Branch
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketBranches).ForEach(func(k, v []byte) error {
			var b branch.Branch
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("branch %q: %w", k, err)
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

func (db *DB) Classes() ([]*model.Class, error) {
	var out []*model.Class
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketClasses).ForEach(func(k, v []byte) error {
			c, err := model.UnmarshalClass(v)
			if err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// Counter returns a stored counter, or ErrNotFound.
func (db *DB) Counter(name string) (uint64, error) {
	var value uint64
	err := db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(BucketMeta).Get([]byte(name))
		if len(v) != 8 {
			return ErrNotFound
		}
		value = binary.BigEndian.Uint64(v)
		return nil
	})
	return value, err
}

// ForEachArea lists the stored durable areas.
func (db *DB) ForEachArea(fn func(id string, data []byte) error) error {
	return db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketAreas).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

func cutZero(b []byte) (string, string, bool) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), string(b[i+1:]), true
		}
	}
	return "", "", false
}
