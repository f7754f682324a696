package refcache

import "github.com/unkn0wn-root/refcache/log"

// Fields and Logger are re-exported so callers configuring a Cache need only
// this package. Adapters live under log/.
type (
	Fields = log.Fields
	Logger = log.Logger
)

type NopLogger = log.Nop
