package worker

import (
	"encoding/json"
	"fmt"
)

// Type tags a Message on the wire.
type Type string

const (
	TypeSkipWaiting   Type = "SKIP_WAITING"
	TypeGetCacheStats Type = "GET_CACHE_STATS"
	TypeClearCache    Type = "CLEAR_CACHE"
	TypePrefetch      Type = "PREFETCH"
	TypeCacheUpdated  Type = "CACHE_UPDATED"
	TypeCacheStats    Type = "CACHE_STATS"
	TypeCacheCleared  Type = "CACHE_CLEARED"
)

// Message is one of the protocol messages below. On the wire each is a flat
// JSON object with a "type" field.
type Message interface {
	Type() Type
}

// Page -> worker.
type (
	// SkipWaiting asks a waiting worker to activate now.
	SkipWaiting struct{}
	// GetCacheStats asks for a CacheStats reply.
	GetCacheStats struct{}
	// ClearCache drops cached responses of one type, or all when CacheType is "".
	ClearCache struct {
		CacheType string `json:"cacheType,omitempty"`
	}
	// Prefetch asks the worker to fetch and cache URLs in the background.
	Prefetch struct {
		URLs []string `json:"urls"`
	}
)

// Worker -> page.
type (
	// CacheUpdated reports a response refreshed from the network.
	CacheUpdated struct {
		URL string `json:"url"`
	}
	CacheStats struct {
		Payload Stats `json:"payload"`
	}
	CacheCleared struct {
		CacheType string `json:"cacheType,omitempty"`
	}
)

func (SkipWaiting) Type() Type   { return TypeSkipWaiting }
func (GetCacheStats) Type() Type { return TypeGetCacheStats }
func (ClearCache) Type() Type    { return TypeClearCache }
func (Prefetch) Type() Type      { return TypePrefetch }
func (CacheUpdated) Type() Type  { return TypeCacheUpdated }
func (CacheStats) Type() Type    { return TypeCacheStats }
func (CacheCleared) Type() Type  { return TypeCacheCleared }

// Stats is the worker's view of its response cache. Entry counts and bytes
// are approximate: the provider may evict without telling the worker.
type Stats struct {
	Symbols     TypeStats `json:"symbols"`
	Catalogs    TypeStats `json:"catalogs"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	StaleServed int64     `json:"staleServed"`
	Errors      int64     `json:"errors"`

	// Generations is the clear generation of each cache type. It moves on
	// every CLEAR_CACHE, from any process sharing the generation store.
	Generations map[string]uint64 `json:"generations,omitempty"`
}

type TypeStats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Encode renders m as {"type": ..., <fields>}.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(m.Type())
	out := make([]byte, 0, len(tag)+len(body)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 { // not "{}"
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses a message produced by Encode.
func Decode(b []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("worker: decode message: %w", err)
	}

	switch env.Type {
	case TypeSkipWaiting:
		return SkipWaiting{}, nil
	case TypeGetCacheStats:
		return GetCacheStats{}, nil
	case TypeClearCache:
		return decodeAs[ClearCache](b)
	case TypePrefetch:
		return decodeAs[Prefetch](b)
	case TypeCacheUpdated:
		return decodeAs[CacheUpdated](b)
	case TypeCacheStats:
		return decodeAs[CacheStats](b)
	case TypeCacheCleared:
		return decodeAs[CacheCleared](b)
	default:
		return nil, fmt.Errorf("worker: unknown message type %q", env.Type)
	}
}

func decodeAs[M Message](b []byte) (Message, error) {
	var v M
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("worker: decode %s: %w", v.Type(), err)
	}
	return v, nil
}
