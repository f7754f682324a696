package genstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis shares generations across processes and survives restarts. Pair it
// with the redis response provider so every process sees the same clears.
type Redis struct {
	rdb         redis.UniversalClient
	ns          string
	closeClient bool
}

var _ GenStore = (*Redis)(nil)

// NewRedis creates a Redis-backed generation store. Keys live under
// "gen:<namespace>:<scope>".
func NewRedis(client redis.UniversalClient, namespace string, closeClient bool) *Redis {
	return &Redis{rdb: client, ns: namespace, closeClient: closeClient}
}

func (s *Redis) key(scope string) string { return "gen:" + s.ns + ":" + scope }

// Current returns the generation. Missing keys are generation 0.
func (s *Redis) Current(ctx context.Context, scope string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(scope)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis gen parse: %w", err)
	}
	return u, nil
}

// Snapshot returns generations for multiple scopes in one MGET.
// Missing keys map to 0.
func (s *Redis) Snapshot(ctx context.Context, scopes []string) (map[string]uint64, error) {
	if len(scopes) == 0 {
		return map[string]uint64{}, nil
	}
	keys := make([]string, len(scopes))
	for i, sc := range scopes {
		keys[i] = s.key(sc)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]uint64, len(scopes))
	for i, v := range vals {
		if v == nil {
			out[scopes[i]] = 0
			continue
		}
		u, err := strconv.ParseUint(fmt.Sprint(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis gen parse at %s: %w", scopes[i], err)
		}
		out[scopes[i]] = u
	}
	return out, nil
}

// Bump atomically increments the generation.
func (s *Redis) Bump(ctx context.Context, scope string) (uint64, error) {
	v, err := s.rdb.Incr(ctx, s.key(scope)).Result()
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// Close closes the client only when this store owns it.
func (s *Redis) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	return s.rdb.Close()
}
