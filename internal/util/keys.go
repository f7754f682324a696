package util

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// SymbolKey returns the deterministic store key of a symbol document.
func SymbolKey(language, pkg, path string) string {
	return language + "/" + pkg + "/" + path
}

// CatalogKey returns the deterministic store key of a package catalog.
func CatalogKey(language, pkg string) string {
	return language + "/" + pkg
}

// HashKey returns prefix + ":" + 16 hex chars of xxhash64(parts joined by NUL).
// Used where raw keys (full URLs) are too long or too irregular for a provider.
func HashKey(prefix string, parts ...string) string {
	return fmt.Sprintf("%s:%016x", prefix, xxhash.Sum64String(strings.Join(parts, "\x00")))
}
