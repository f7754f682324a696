// Package store is the durable key/value layer of refcache: three logical
// collections (symbols, catalogs, metadata) in one bbolt file, with symbols
// and catalogs indexed by insertion time, last-access time and build ID.
//
// The store never returns errors. When the database cannot be opened every
// operation becomes a no-op returning a zero value; when a single
// transaction fails it is logged and treated as a miss.
package store

import (
	"bytes"
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"github.com/unkn0wn-root/refcache/codec"
	"github.com/unkn0wn-root/refcache/log"
)

const (
	schemaVersion = 1

	defaultMaxRecordBytes = 64 << 20
	defaultOpenTimeout    = time.Second

	// maxBuildID bounds a build ID well under the u16 length in the entry
	// header and bolt's key size limit on the by_build index.
	maxBuildID = 4 << 10
)

var (
	bktInternal = []byte("_internal")
	bktMetadata = []byte("metadata")

	bktEntries    = []byte("entries")
	bktHeaders    = []byte("headers")
	bktByCached   = []byte("by_cached")
	bktByAccessed = []byte("by_accessed")
	bktByBuild    = []byte("by_build")

	keySchema = []byte("schema_version")
)

// Store is the persistent store. It is safe for concurrent use.
type Store struct {
	db    *bolt.DB
	codec codec.Codec[Record]
	sizer codec.JSON[any]
	log   log.Logger
	now   func() time.Time

	// the first few no-ops of an unavailable store warn, then one a minute
	unavail rate.Sometimes
}

// Open opens (creating if needed) the database at path. It never fails: if the
// file cannot be opened the returned store is unavailable and fails open.
func Open(path string, opts Options) *Store {
	s := newStore(opts)
	timeout := opts.OpenTimeout
	if timeout == 0 {
		timeout = defaultOpenTimeout
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		s.log.Warn("persistent storage unavailable; cache disabled", log.Fields{"path": path, "err": err})
		return s
	}
	if err := db.Update(s.migrate); err != nil {
		s.log.Warn("persistent storage init failed; cache disabled", log.Fields{"path": path, "err": err})
		_ = db.Close()
		return s
	}
	s.db = db
	return s
}

// Unavailable returns a store with no backing database.
func Unavailable(opts Options) *Store {
	return newStore(opts)
}

func newStore(opts Options) *Store {
	s := &Store{
		log:     log.OrNop(opts.Logger),
		now:     opts.Now,
		unavail: rate.Sometimes{First: 3, Interval: time.Minute},
	}
	if s.now == nil {
		s.now = time.Now
	}
	var inner codec.Codec[Record] = codec.Msgpack[Record]{}
	if opts.Codec != nil {
		inner = opts.Codec
	}
	limit := opts.MaxRecordBytes
	if limit == 0 {
		limit = defaultMaxRecordBytes
	}
	s.codec = codec.LimitCodec[Record]{Inner: inner, MaxDecode: limit}
	return s
}

// migrate creates the bucket layout and drops collections written by another
// schema version.
func (s *Store) migrate(tx *bolt.Tx) error {
	internal, err := tx.CreateBucketIfNotExists(bktInternal)
	if err != nil {
		return err
	}
	want := sizeValue(schemaVersion)
	if got := internal.Get(keySchema); got != nil && !bytes.Equal(got, want) {
		s.log.Info("schema version changed; dropping cached entries", log.Fields{"from": readSize(got), "to": schemaVersion})
		for _, c := range collections {
			if err := dropBucket(tx, []byte(c)); err != nil {
				return err
			}
		}
		if err := dropBucket(tx, bktMetadata); err != nil {
			return err
		}
	}
	if err := internal.Put(keySchema, want); err != nil {
		return err
	}
	for _, c := range collections {
		if err := createCollection(tx, c); err != nil {
			return err
		}
	}
	_, err = tx.CreateBucketIfNotExists(bktMetadata)
	return err
}

func createCollection(tx *bolt.Tx, c Collection) error {
	b, err := tx.CreateBucketIfNotExists([]byte(c))
	if err != nil {
		return err
	}
	for _, name := range [][]byte{bktEntries, bktHeaders, bktByCached, bktByAccessed, bktByBuild} {
		if _, err := b.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

func dropBucket(tx *bolt.Tx, name []byte) error {
	if tx.Bucket(name) == nil {
		return nil
	}
	return tx.DeleteBucket(name)
}

// Available reports whether a database is backing the store.
func (s *Store) Available() bool { return s.db != nil }

// Close releases the database file. Safe on an unavailable store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// unavailable reports whether the store has no database, warning that op
// was skipped.
func (s *Store) unavailable(op string) bool {
	if s.db != nil {
		return false
	}
	s.unavail.Do(func() {
		s.log.Warn("store unavailable; skipping", log.Fields{"op": op})
	})
	return true
}

func (s *Store) update(op string, fn func(tx *bolt.Tx) error) bool {
	if s.unavailable(op) {
		return false
	}
	if err := s.db.Update(fn); err != nil {
		s.log.Warn("store transaction failed", log.Fields{"op": op, "err": err})
		return false
	}
	return true
}

func (s *Store) view(op string, fn func(tx *bolt.Tx) error) bool {
	if s.unavailable(op) {
		return false
	}
	if err := s.db.View(fn); err != nil {
		s.log.Warn("store transaction failed", log.Fields{"op": op, "err": err})
		return false
	}
	return true
}

// sizeOf is the byte length of the payload's JSON form. A payload that cannot
// be serialized is recorded with size 0 and still written.
func (s *Store) sizeOf(key string, data any) int64 {
	b, err := s.sizer.Encode(data)
	if err != nil {
		s.log.Warn("payload size unknown; recording 0", log.Fields{"key": key, "err": err})
		return 0
	}
	return int64(len(b))
}

// ==============================
// Writes
// ==============================

// Set writes data under key in collection c, replacing any previous entry
// whole. It reports whether the write landed. Build IDs longer than the
// header can record are refused.
func (s *Store) Set(_ context.Context, c Collection, key string, data any, buildID string) bool {
	if s.unavailable("set") {
		return false
	}
	if len(buildID) > maxBuildID {
		s.log.Warn("build id too long; skipping write", log.Fields{"key": key, "len": len(buildID)})
		return false
	}
	now := s.now().UnixNano()
	rec := Record{
		Key:      key,
		Data:     data,
		CachedAt: now,
		BuildID:  buildID,
		Size:     s.sizeOf(key, data),
	}
	raw, err := s.codec.Encode(rec)
	if err != nil {
		s.log.Warn("record encode failed; skipping write", log.Fields{"key": key, "err": err})
		return false
	}
	return s.update("set", func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(bktInternal).NextSequence()
		if err != nil {
			return err
		}
		b := tx.Bucket([]byte(c))
		k := []byte(key)
		if _, err := remove(b, k); err != nil {
			return err
		}
		h := header{cachedAt: now, accessedAt: now, seq: seq, size: rec.Size, buildID: buildID}
		if err := b.Bucket(bktEntries).Put(k, raw); err != nil {
			return err
		}
		if err := b.Bucket(bktHeaders).Put(k, h.marshal()); err != nil {
			return err
		}
		return index(b, key, h)
	})
}

func (s *Store) SetSymbol(ctx context.Context, key string, data any, buildID string) bool {
	return s.Set(ctx, Symbols, key, data, buildID)
}

func (s *Store) SetCatalog(ctx context.Context, key string, data any, buildID string) bool {
	return s.Set(ctx, Catalogs, key, data, buildID)
}

func index(b *bolt.Bucket, key string, h header) error {
	sz := sizeValue(h.size)
	if err := b.Bucket(bktByCached).Put(timeKey(h.cachedAt, h.seq, key), sz); err != nil {
		return err
	}
	if err := b.Bucket(bktByAccessed).Put(timeKey(h.accessedAt, h.seq, key), sz); err != nil {
		return err
	}
	return b.Bucket(bktByBuild).Put(buildKey(h.buildID, key), []byte{})
}

func unindex(b *bolt.Bucket, key string, h header) error {
	if err := b.Bucket(bktByCached).Delete(timeKey(h.cachedAt, h.seq, key)); err != nil {
		return err
	}
	if err := b.Bucket(bktByAccessed).Delete(timeKey(h.accessedAt, h.seq, key)); err != nil {
		return err
	}
	return b.Bucket(bktByBuild).Delete(buildKey(h.buildID, key))
}

// purgeIndex drops every index entry for key by scanning. Only used when the
// header is unreadable, so the exact index keys are unknown.
func purgeIndex(b *bolt.Bucket, key string) error {
	for _, name := range [][]byte{bktByCached, bktByAccessed} {
		ib := b.Bucket(name)
		var dead [][]byte
		_ = ib.ForEach(func(k, _ []byte) error {
			if _, ik, ok := splitTimeKey(k); ok && ik == key {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range dead {
			if err := ib.Delete(k); err != nil {
				return err
			}
		}
	}
	ib := b.Bucket(bktByBuild)
	suffix := append([]byte{0}, key...)
	var dead [][]byte
	_ = ib.ForEach(func(k, _ []byte) error {
		if bytes.HasSuffix(k, suffix) {
			dead = append(dead, append([]byte(nil), k...))
		}
		return nil
	})
	for _, k := range dead {
		if err := ib.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// remove deletes key and its index entries from collection bucket b and
// returns the recorded size. Missing keys are not an error.
func remove(b *bolt.Bucket, k []byte) (int64, error) {
	hb := b.Bucket(bktHeaders)
	raw := hb.Get(k)
	if raw == nil {
		return 0, b.Bucket(bktEntries).Delete(k)
	}
	key := string(k)
	h, err := unmarshalHeader(raw)
	if err != nil {
		err = purgeIndex(b, key)
	} else {
		err = unindex(b, key, h)
	}
	if err != nil {
		return 0, err
	}
	if err := hb.Delete(k); err != nil {
		return 0, err
	}
	if err := b.Bucket(bktEntries).Delete(k); err != nil {
		return 0, err
	}
	return h.size, nil
}

// ==============================
// Reads
// ==============================

// Get returns the entry stored under key, or nil.
//
// Get is a side-effecting read: in the same transaction it bumps the entry's
// AccessedAt and moves it in the recency index. Concurrent Gets of one key
// may both observe the old recency; eviction only needs approximate LRU.
// A record that fails to decode is deleted and reported as a miss.
func (s *Store) Get(_ context.Context, c Collection, key string) *Entry {
	var out *Entry
	s.update("get", func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c))
		k := []byte(key)
		hraw := b.Bucket(bktHeaders).Get(k)
		if hraw == nil {
			return nil
		}
		h, herr := unmarshalHeader(hraw)
		raw := b.Bucket(bktEntries).Get(k)
		if herr != nil || raw == nil {
			s.log.Warn("dropping inconsistent entry", log.Fields{"collection": string(c), "key": key})
			_, err := remove(b, k)
			return err
		}
		rec, err := s.codec.Decode(raw)
		if err != nil {
			s.log.Warn("dropping undecodable entry", log.Fields{"collection": string(c), "key": key, "err": err})
			_, err := remove(b, k)
			return err
		}

		now := s.now().UnixNano()
		acc := b.Bucket(bktByAccessed)
		if err := acc.Delete(timeKey(h.accessedAt, h.seq, key)); err != nil {
			return err
		}
		h.accessedAt = now
		if err := acc.Put(timeKey(h.accessedAt, h.seq, key), sizeValue(h.size)); err != nil {
			return err
		}
		if err := b.Bucket(bktHeaders).Put(k, h.marshal()); err != nil {
			return err
		}
		out = &Entry{
			Collection: c,
			Key:        key,
			Data:       rec.Data,
			CachedAt:   time.Unix(0, h.cachedAt),
			AccessedAt: time.Unix(0, h.accessedAt),
			BuildID:    h.buildID,
			Size:       h.size,
		}
		return nil
	})
	return out
}

func (s *Store) GetSymbol(ctx context.Context, key string) *Entry {
	return s.Get(ctx, Symbols, key)
}

func (s *Store) GetCatalog(ctx context.Context, key string) *Entry {
	return s.Get(ctx, Catalogs, key)
}

// Has reports whether key exists in c. Unlike Get it does not touch recency.
func (s *Store) Has(_ context.Context, c Collection, key string) bool {
	var ok bool
	s.view("has", func(tx *bolt.Tx) error {
		ok = tx.Bucket([]byte(c)).Bucket(bktHeaders).Get([]byte(key)) != nil
		return nil
	})
	return ok
}

func (s *Store) HasSymbol(ctx context.Context, key string) bool {
	return s.Has(ctx, Symbols, key)
}

func (s *Store) HasCatalog(ctx context.Context, key string) bool {
	return s.Has(ctx, Catalogs, key)
}

// Keys lists every key in c in byte order.
func (s *Store) Keys(_ context.Context, c Collection) []string {
	var keys []string
	s.view("keys", func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(c)).Bucket(bktHeaders).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys
}

func (s *Store) SymbolKeys(ctx context.Context) []string {
	return s.Keys(ctx, Symbols)
}

// Stats scans headers only; payloads are never decoded.
func (s *Store) Stats(_ context.Context) Stats {
	var st Stats
	s.view("stats", func(tx *bolt.Tx) error {
		var oldest, newest int64
		for _, c := range collections {
			n := 0
			err := tx.Bucket([]byte(c)).Bucket(bktHeaders).ForEach(func(_, v []byte) error {
				h, err := unmarshalHeader(v)
				if err != nil {
					return nil
				}
				n++
				st.TotalSize += h.size
				if oldest == 0 || h.cachedAt < oldest {
					oldest = h.cachedAt
				}
				if h.cachedAt > newest {
					newest = h.cachedAt
				}
				return nil
			})
			if err != nil {
				return err
			}
			if c == Symbols {
				st.SymbolCount = n
			} else {
				st.CatalogCount = n
			}
		}
		if oldest != 0 {
			st.Oldest = time.Unix(0, oldest)
			st.Newest = time.Unix(0, newest)
		}
		return nil
	})
	return st
}

// ==============================
// Eviction support
// ==============================

// LRUEntries returns up to limit entries with the smallest AccessedAt across
// both collections, oldest first. Ties keep write order.
func (s *Store) LRUEntries(_ context.Context, limit int) []Ref {
	if limit <= 0 {
		return nil
	}
	var out []Ref
	s.view("lru", func(tx *bolt.Tx) error {
		type head struct {
			c   Collection
			cur *bolt.Cursor
			k   []byte
			v   []byte
		}
		heads := make([]*head, 0, len(collections))
		for _, c := range collections {
			cur := tx.Bucket([]byte(c)).Bucket(bktByAccessed).Cursor()
			k, v := cur.First()
			heads = append(heads, &head{c: c, cur: cur, k: k, v: v})
		}
		for len(out) < limit {
			var best *head
			for _, h := range heads {
				if h.k == nil {
					continue
				}
				// the first 16 bytes are accessedAt|seq, big-endian
				if best == nil || bytes.Compare(h.k[:min(16, len(h.k))], best.k[:min(16, len(best.k))]) < 0 {
					best = h
				}
			}
			if best == nil {
				break
			}
			if ts, key, ok := splitTimeKey(best.k); ok {
				out = append(out, Ref{
					Collection: best.c,
					Key:        key,
					Size:       readSize(best.v),
					AccessedAt: time.Unix(0, ts),
				})
			}
			best.k, best.v = best.cur.Next()
		}
		return nil
	})
	return out
}

// DeleteByKeys removes the referenced entries and returns the bytes freed, as
// recorded in their headers at delete time. Refs to entries that no longer
// exist free nothing.
func (s *Store) DeleteByKeys(_ context.Context, refs []Ref) int64 {
	if len(refs) == 0 {
		return 0
	}
	var freed int64
	ok := s.update("delete_by_keys", func(tx *bolt.Tx) error {
		freed = 0
		for _, r := range refs {
			b := tx.Bucket([]byte(r.Collection))
			if b == nil {
				continue
			}
			n, err := remove(b, []byte(r.Key))
			if err != nil {
				return err
			}
			freed += n
		}
		return nil
	})
	if !ok {
		return 0
	}
	return freed
}

// Delete removes one entry and reports whether it existed.
func (s *Store) Delete(_ context.Context, c Collection, key string) bool {
	var existed bool
	s.update("delete", func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c))
		existed = b.Bucket(bktHeaders).Get([]byte(key)) != nil
		_, err := remove(b, []byte(key))
		return err
	})
	return existed
}

// DeleteOlderThan removes every entry, in both collections, whose AccessedAt
// is strictly before t, and returns how many were removed.
func (s *Store) DeleteOlderThan(_ context.Context, t time.Time) int {
	cutoff := t.UnixNano()
	var n int
	ok := s.update("delete_older_than", func(tx *bolt.Tx) error {
		n = 0
		for _, c := range collections {
			b := tx.Bucket([]byte(c))
			var victims []string
			cur := b.Bucket(bktByAccessed).Cursor()
			for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
				ts, key, ok := splitTimeKey(k)
				if !ok {
					continue
				}
				if ts >= cutoff {
					break
				}
				victims = append(victims, key)
			}
			for _, key := range victims {
				if _, err := remove(b, []byte(key)); err != nil {
					return err
				}
			}
			n += len(victims)
		}
		return nil
	})
	if !ok {
		return 0
	}
	return n
}

// DeleteByBuild removes every entry written under buildID.
func (s *Store) DeleteByBuild(_ context.Context, buildID string) int {
	prefix := append([]byte(buildID), 0)
	var n int
	ok := s.update("delete_by_build", func(tx *bolt.Tx) error {
		n = 0
		for _, c := range collections {
			b := tx.Bucket([]byte(c))
			var victims [][]byte
			cur := b.Bucket(bktByBuild).Cursor()
			for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
				victims = append(victims, append([]byte(nil), k[len(prefix):]...))
			}
			for _, key := range victims {
				if _, err := remove(b, key); err != nil {
					return err
				}
			}
			n += len(victims)
		}
		return nil
	})
	if !ok {
		return 0
	}
	return n
}

// Clear empties both collections and the metadata.
func (s *Store) Clear(_ context.Context) bool {
	return s.update("clear", func(tx *bolt.Tx) error {
		for _, c := range collections {
			if err := resetCollection(tx, c); err != nil {
				return err
			}
		}
		if err := dropBucket(tx, bktMetadata); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bktMetadata)
		return err
	})
}

// ClearCollection empties a single collection.
func (s *Store) ClearCollection(_ context.Context, c Collection) bool {
	return s.update("clear_collection", func(tx *bolt.Tx) error {
		return resetCollection(tx, c)
	})
}

func resetCollection(tx *bolt.Tx, c Collection) error {
	if err := dropBucket(tx, []byte(c)); err != nil {
		return err
	}
	return createCollection(tx, c)
}

// ==============================
// Metadata
// ==============================

// SetMetadata stores a bookkeeping scalar under key.
func (s *Store) SetMetadata(_ context.Context, key string, value any) bool {
	if s.unavailable("set_metadata") {
		return false
	}
	raw, err := s.codec.Encode(Record{Key: key, Data: value, CachedAt: s.now().UnixNano()})
	if err != nil {
		s.log.Warn("metadata encode failed", log.Fields{"key": key, "err": err})
		return false
	}
	return s.update("set_metadata", func(tx *bolt.Tx) error {
		return tx.Bucket(bktMetadata).Put([]byte(key), raw)
	})
}

// GetMetadata returns the value stored under key.
func (s *Store) GetMetadata(_ context.Context, key string) (any, bool) {
	var (
		val any
		ok  bool
	)
	s.view("get_metadata", func(tx *bolt.Tx) error {
		raw := tx.Bucket(bktMetadata).Get([]byte(key))
		if raw == nil {
			return nil
		}
		rec, err := s.codec.Decode(raw)
		if err != nil {
			return err
		}
		val, ok = rec.Data, true
		return nil
	})
	return val, ok
}
