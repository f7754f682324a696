package refcache

import "errors"

var (
	ErrNoBackend     = errors.New("refcache: backend is required")
	ErrInvalidConfig = errors.New("refcache: invalid config")
)
