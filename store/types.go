package store

import (
	"time"

	"github.com/unkn0wn-root/refcache/codec"
	"github.com/unkn0wn-root/refcache/log"
)

// Collection names one of the two entry collections.
type Collection string

const (
	Symbols  Collection = "symbols"
	Catalogs Collection = "catalogs"
)

var collections = [...]Collection{Symbols, Catalogs}

// Record is the persisted, immutable part of an entry. It is written once per
// Set and never rewritten by reads; recency lives in a separate header.
type Record struct {
	Key      string `msgpack:"key" cbor:"key"`
	Data     any    `msgpack:"data" cbor:"data"`
	CachedAt int64  `msgpack:"cached_at" cbor:"cached_at"` // unix nanos
	BuildID  string `msgpack:"build_id" cbor:"build_id"`
	Size     int64  `msgpack:"size" cbor:"size"`
}

// Entry is a cached symbol document or package catalog as returned by reads.
type Entry struct {
	Collection Collection
	Key        string
	Data       any
	CachedAt   time.Time
	AccessedAt time.Time
	BuildID    string
	Size       int64
}

// Ref identifies an entry for eviction without loading its payload.
type Ref struct {
	Collection Collection
	Key        string
	Size       int64
	AccessedAt time.Time
}

// Stats is a raw snapshot of the store. Zero times mean the store is empty.
type Stats struct {
	SymbolCount  int
	CatalogCount int
	TotalSize    int64
	Oldest       time.Time // smallest CachedAt
	Newest       time.Time // largest CachedAt
}

// Options tune a Store. All fields are optional.
type Options struct {
	Codec          codec.Codec[Record] // nil => msgpack
	MaxRecordBytes int                 // decode guard; 0 => 64 MiB, <0 disables
	Logger         log.Logger
	Now            func() time.Time
	OpenTimeout    time.Duration // wait for the file lock; 0 => 1s
}
