package cozo

import (
	"github.com/boltdb/bolt"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/silky/cozo/internal/logging"
)

// catalogBucket and triggersBucket are reserved bucket names that can never
// collide with a user relation name, since relation names come from the
// CozoScript identifier grammar and never contain these leading markers.
const (
	catalogBucket  = "\x00system_catalog"
	triggersBucket = "\x00system_triggers"
)

// Storage is the engine's ordered key-value binding: one bolt bucket per
// stored relation, keys encoded order-preservingly (encoding.go), values
// msgpack-encoded. bolt gives us an embedded ordered B+Tree with
// begin/commit/rollback transactions and prefix-scannable cursors.
type Storage struct {
	db   *bolt.DB
	path string
}

// OpenStorage opens (creating if absent) a bolt database file at path.
func OpenStorage(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, wrapErr(KindRuntime, Span{}, err, "opening storage at %s", path)
	}
	logging.StorageDebug("opened bolt file %s", path)
	return &Storage{db: db, path: path}, nil
}

func (s *Storage) Close() error { return s.db.Close() }

// LoadCatalog rebuilds a Catalog from the persisted system-catalog bucket,
// called once when an engine opens an existing database.
func (s *Storage) LoadCatalog() (*Catalog, error) {
	cat := NewCatalog()
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(catalogBucket)); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				var meta RelationMeta
				if err := msgpack.Unmarshal(v, &meta); err != nil {
					return err
				}
				cat.Put(meta)
				return nil
			}); err != nil {
				return err
			}
		}
		if b := tx.Bucket([]byte(triggersBucket)); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				var spec TriggerSpec
				if err := msgpack.Unmarshal(v, &spec); err != nil {
					return err
				}
				cat.SetTriggers(&spec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(KindRuntime, Span{}, err, "loading catalog")
	}
	return cat, nil
}

// Txn wraps one bolt transaction with the engine's scan/get/put/delete/
// create/drop/rename/list operations.
type Txn struct {
	tx       *bolt.Tx
	writable bool
}

// Begin starts a transaction; writable transactions may create/drop
// relations and mutate rows, read-only transactions may only scan/get.
func (s *Storage) Begin(writable bool) (*Txn, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, wrapErr(KindRuntime, Span{}, err, "beginning transaction")
	}
	return &Txn{tx: tx, writable: writable}, nil
}

func (t *Txn) Commit() error {
	// bolt rejects Commit on a read-only transaction; releasing it is the
	// correct way to end one.
	if !t.writable {
		if err := t.tx.Rollback(); err != nil {
			return wrapErr(KindRuntime, Span{}, err, "closing read transaction")
		}
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return wrapErr(KindRuntime, Span{}, err, "committing transaction")
	}
	return nil
}

func (t *Txn) Abort() error {
	if err := t.tx.Rollback(); err != nil {
		return wrapErr(KindRuntime, Span{}, err, "aborting transaction")
	}
	return nil
}

// CreateRelation creates a new bucket for meta.Name and persists its catalog
// entry. Returns an error if the relation already exists.
func (t *Txn) CreateRelation(meta RelationMeta) error {
	if _, err := t.tx.CreateBucket([]byte(meta.Name)); err != nil {
		if err == bolt.ErrBucketExists {
			return wrapErr(KindSchema, Span{}, ErrSchema, "relation %q already exists", meta.Name)
		}
		return wrapErr(KindRuntime, Span{}, err, "creating relation %q", meta.Name)
	}
	return t.putCatalogEntry(meta)
}

// ReplaceRelation drops any existing bucket for meta.Name and recreates it
// with a new schema, used by the `:replace` option verb.
func (t *Txn) ReplaceRelation(meta RelationMeta) error {
	_ = t.tx.DeleteBucket([]byte(meta.Name))
	if _, err := t.tx.CreateBucket([]byte(meta.Name)); err != nil {
		return wrapErr(KindRuntime, Span{}, err, "replacing relation %q", meta.Name)
	}
	return t.putCatalogEntry(meta)
}

func (t *Txn) putCatalogEntry(meta RelationMeta) error {
	cb, err := t.tx.CreateBucketIfNotExists([]byte(catalogBucket))
	if err != nil {
		return wrapErr(KindRuntime, Span{}, err, "updating catalog")
	}
	data, err := msgpack.Marshal(meta)
	if err != nil {
		return wrapErr(KindRuntime, Span{}, err, "encoding catalog entry for %q", meta.Name)
	}
	return cb.Put([]byte(meta.Name), data)
}

// PutTriggerSpec persists spec into the triggers bucket, mirroring
// putCatalogEntry's catalog-bucket write: `::set_triggers` must survive an
// engine restart just as `::create`/`::replace` already do.
func (t *Txn) PutTriggerSpec(spec *TriggerSpec) error {
	tb, err := t.tx.CreateBucketIfNotExists([]byte(triggersBucket))
	if err != nil {
		return wrapErr(KindRuntime, Span{}, err, "updating triggers catalog")
	}
	data, err := msgpack.Marshal(spec)
	if err != nil {
		return wrapErr(KindRuntime, Span{}, err, "encoding trigger spec for %q", spec.Relation)
	}
	return tb.Put([]byte(spec.Relation), data)
}

func (t *Txn) DropRelation(name string) error {
	if err := t.tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
		return wrapErr(KindRuntime, Span{}, err, "dropping relation %q", name)
	}
	if cb := t.tx.Bucket([]byte(catalogBucket)); cb != nil {
		_ = cb.Delete([]byte(name))
	}
	if tb := t.tx.Bucket([]byte(triggersBucket)); tb != nil {
		_ = tb.Delete([]byte(name))
	}
	return nil
}

func (t *Txn) RenameRelation(from, to string) error {
	fromB := t.tx.Bucket([]byte(from))
	if fromB == nil {
		return wrapErr(KindSchema, Span{}, ErrSchema, "relation %q does not exist", from)
	}
	toB, err := t.tx.CreateBucket([]byte(to))
	if err != nil {
		return wrapErr(KindRuntime, Span{}, err, "renaming relation %q to %q", from, to)
	}
	if err := fromB.ForEach(func(k, v []byte) error {
		return toB.Put(append([]byte(nil), k...), append([]byte(nil), v...))
	}); err != nil {
		return wrapErr(KindRuntime, Span{}, err, "copying rows during rename")
	}
	if err := t.tx.DeleteBucket([]byte(from)); err != nil {
		return wrapErr(KindRuntime, Span{}, err, "dropping old bucket %q after rename", from)
	}
	if cb := t.tx.Bucket([]byte(catalogBucket)); cb != nil {
		if data := cb.Get([]byte(from)); data != nil {
			var meta RelationMeta
			if err := msgpack.Unmarshal(data, &meta); err == nil {
				meta.Name = to
				if encoded, err := msgpack.Marshal(meta); err == nil {
					_ = cb.Put([]byte(to), encoded)
				}
			}
			_ = cb.Delete([]byte(from))
		}
	}
	return nil
}

// Put writes one row. The bolt key is the order-preserving encoding of the
// key columns (EncodeKey), used for iteration order and prefix seeks; the
// bolt value is a msgpack encoding of the *entire* row (key columns
// included), so Get/Scan can recover exact Values without attempting to
// invert the lossy-by-design order-preserving key encoding (see encoding.go).
func (t *Txn) Put(relation string, schema Schema, row TupleRow) error {
	b := t.tx.Bucket([]byte(relation))
	if b == nil {
		return wrapErr(KindSchema, Span{}, ErrSchema, "relation %q does not exist", relation)
	}
	if err := schema.Validate(row); err != nil {
		return wrapErr(KindSchema, Span{}, err, "writing to %q", relation)
	}
	key := EncodeKey(schema.KeyOf(row))
	val, err := EncodeValue(row)
	if err != nil {
		return wrapErr(KindRuntime, Span{}, err, "encoding value for %q", relation)
	}
	if err := b.Put(key, val); err != nil {
		return wrapErr(KindRuntime, Span{}, err, "writing to %q", relation)
	}
	return nil
}

// Delete removes the row whose key columns match key.
func (t *Txn) Delete(relation string, schema Schema, key TupleRow) error {
	b := t.tx.Bucket([]byte(relation))
	if b == nil {
		return wrapErr(KindSchema, Span{}, ErrSchema, "relation %q does not exist", relation)
	}
	return b.Delete(EncodeKey(key))
}

// Get looks up one row by its key columns.
func (t *Txn) Get(relation string, schema Schema, key TupleRow) (TupleRow, bool, error) {
	b := t.tx.Bucket([]byte(relation))
	if b == nil {
		return nil, false, wrapErr(KindSchema, Span{}, ErrSchema, "relation %q does not exist", relation)
	}
	data := b.Get(EncodeKey(key))
	if data == nil {
		return nil, false, nil
	}
	row, err := DecodeValue(data)
	if err != nil {
		return nil, false, wrapErr(KindRuntime, Span{}, err, "decoding row from %q", relation)
	}
	return row, true, nil
}

// Scan iterates every row of relation in key order, calling fn with the
// decoded row. Stops early (without error) if fn returns false.
func (t *Txn) Scan(relation string, schema Schema, fn func(row TupleRow) (bool, error)) error {
	b := t.tx.Bucket([]byte(relation))
	if b == nil {
		return wrapErr(KindSchema, Span{}, ErrSchema, "relation %q does not exist", relation)
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		row, err := DecodeValue(v)
		if err != nil {
			return wrapErr(KindRuntime, Span{}, err, "decoding row from %q", relation)
		}
		cont, err := fn(row)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// ScanPrefix iterates rows whose encoded key starts with the encoding of
// keyPrefix, a leading subset of the relation's key columns.
func (t *Txn) ScanPrefix(relation string, keyPrefix TupleRow, fn func(row TupleRow) (bool, error)) error {
	b := t.tx.Bucket([]byte(relation))
	if b == nil {
		return wrapErr(KindSchema, Span{}, ErrSchema, "relation %q does not exist", relation)
	}
	prefix := EncodeKey(keyPrefix)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		row, err := DecodeValue(v)
		if err != nil {
			return wrapErr(KindRuntime, Span{}, err, "decoding row from %q", relation)
		}
		cont, err := fn(row)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ListRelations returns every bucket name that is a user relation (i.e. not
// one of the reserved system buckets).
func (t *Txn) ListRelations() []string {
	var out []string
	_ = t.tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
		s := string(name)
		if s != catalogBucket && s != triggersBucket {
			out = append(out, s)
		}
		return nil
	})
	return out
}
