package store

import (
	"encoding/binary"
	"errors"
)

var errCorruptHeader = errors.New("store: corrupt entry header")

// header is the mutable bookkeeping of an entry, kept apart from the record so
// touches and scans never decode payloads.
//
//	cachedAt(u64 be) | accessedAt(u64 be) | seq(u64 be) | size(u64 be) | blen(u16 be) | buildID(blen)
type header struct {
	cachedAt   int64
	accessedAt int64
	seq        uint64
	size       int64
	buildID    string
}

const headerFixed = 8 + 8 + 8 + 8 + 2

func (h header) marshal() []byte {
	b := make([]byte, headerFixed+len(h.buildID))
	binary.BigEndian.PutUint64(b[0:8], uint64(h.cachedAt))
	binary.BigEndian.PutUint64(b[8:16], uint64(h.accessedAt))
	binary.BigEndian.PutUint64(b[16:24], h.seq)
	binary.BigEndian.PutUint64(b[24:32], uint64(h.size))
	binary.BigEndian.PutUint16(b[32:34], uint16(len(h.buildID)))
	copy(b[headerFixed:], h.buildID)
	return b
}

func unmarshalHeader(b []byte) (header, error) {
	if len(b) < headerFixed {
		return header{}, errCorruptHeader
	}
	blen := int(binary.BigEndian.Uint16(b[32:34]))
	if len(b) != headerFixed+blen {
		return header{}, errCorruptHeader
	}
	return header{
		cachedAt:   int64(binary.BigEndian.Uint64(b[0:8])),
		accessedAt: int64(binary.BigEndian.Uint64(b[8:16])),
		seq:        binary.BigEndian.Uint64(b[16:24]),
		size:       int64(binary.BigEndian.Uint64(b[24:32])),
		buildID:    string(b[headerFixed:]),
	}, nil
}

// timeKey orders index entries by timestamp, then by write sequence.
// Timestamps before the epoch clamp to 0.
func timeKey(ts int64, seq uint64, key string) []byte {
	if ts < 0 {
		ts = 0
	}
	b := make([]byte, 16+len(key))
	binary.BigEndian.PutUint64(b[0:8], uint64(ts))
	binary.BigEndian.PutUint64(b[8:16], seq)
	copy(b[16:], key)
	return b
}

func splitTimeKey(b []byte) (ts int64, key string, ok bool) {
	if len(b) < 16 {
		return 0, "", false
	}
	return int64(binary.BigEndian.Uint64(b[0:8])), string(b[16:]), true
}

func buildKey(buildID, key string) []byte {
	b := make([]byte, 0, len(buildID)+1+len(key))
	b = append(b, buildID...)
	b = append(b, 0)
	return append(b, key...)
}

func sizeValue(size int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(size))
	return b[:]
}

func readSize(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
