package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version      byte = 1
	kindResponse byte = 1
)

var (
	ErrCorrupt  = errors.New("refcache: corrupt response frame")
	ErrTooLarge = errors.New("refcache: response field too large")
	magic4      = [...]byte{'R', 'F', 'R', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Response is a cached HTTP response as the worker stores it.
type Response struct {
	URL         string
	StoredAt    time.Time
	Status      int
	ContentType string
	BuildID     string
	Body        []byte
}

// Response:
//
//	magic(4) | ver(1) | kind(1=response) | storedAt(i64 be, unix nanos) | status(u16 be)
//	urlLen(u16 be) | url | ctLen(u16 be) | contentType | bidLen(u16 be) | buildID
//	blen(u32 be) | body(blen)
func EncodeResponse(r Response) ([]byte, error) {
	if len(r.URL) > 0xFFFF || len(r.ContentType) > 0xFFFF || len(r.BuildID) > 0xFFFF ||
		uint64(len(r.Body)) > 0xFFFFFFFF || r.Status < 0 || r.Status > 0xFFFF {
		return nil, ErrTooLarge
	}

	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 2 + 3*2 + len(r.URL) + len(r.ContentType) + len(r.BuildID) + 4 + len(r.Body))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindResponse)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(r.StoredAt.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(r.Status))
	buf.Write(u2[:])

	for _, s := range [...]string{r.URL, r.ContentType, r.BuildID} {
		binary.BigEndian.PutUint16(u2[:], uint16(len(s)))
		buf.Write(u2[:])
		buf.WriteString(s)
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(r.Body)))
	buf.Write(u4[:])
	buf.Write(r.Body)
	return buf.Bytes(), nil
}

// DecodeResponse parses a frame produced by EncodeResponse. Body aliases b.
// Trailing bytes are rejected.
func DecodeResponse(b []byte) (Response, error) {
	const hdr = 4 + 1 + 1 + 8 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindResponse {
		return Response{}, ErrCorrupt
	}

	off := 6
	var r Response

	// storedAt
	r.StoredAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[off:off+8])))
	off += 8

	// status
	r.Status = int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2

	// url, content type, build id
	var fields [3]string
	for i := range fields {
		if off+2 > len(b) {
			return Response{}, ErrCorrupt
		}
		l := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if l > len(b)-off {
			return Response{}, ErrCorrupt
		}
		fields[i] = string(b[off : off+l])
		off += l
	}
	r.URL, r.ContentType, r.BuildID = fields[0], fields[1], fields[2]

	// blen
	if off+4 > len(b) {
		return Response{}, ErrCorrupt
	}
	blen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if blen < 0 || blen != len(b)-off { // exact: no trailing bytes
		return Response{}, ErrCorrupt
	}
	r.Body = b[off : off+blen]
	return r, nil
}
