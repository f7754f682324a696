package prefetch

import (
	"strings"

	"github.com/unkn0wn-root/refcache/codec"
)

// document is the part of a symbol payload related symbols are derived from.
type document struct {
	Members []struct {
		Name string `json:"name"`
	} `json:"members"`
	Relations struct {
		Extends []string `json:"extends"`
	} `json:"relations"`
	TypeRefs []struct {
		Name          string `json:"name"`
		QualifiedName string `json:"qualifiedName"`
	} `json:"typeRefs"`
}

var (
	anyJSON codec.JSON[any]
	docJSON codec.JSON[document]
)

// Candidates lists symbol paths related to the symbol at path: its members
// (path.member), the simple names of its base types and the types it
// references. The result is deduplicated, keeps first-seen order and never
// contains path itself. Payloads of any other shape yield nothing.
func Candidates(path string, data any) []string {
	raw, err := anyJSON.Encode(data)
	if err != nil {
		return nil
	}
	doc, err := docJSON.Decode(raw)
	if err != nil {
		return nil
	}

	seen := map[string]struct{}{path: {}}
	var out []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, m := range doc.Members {
		if m.Name != "" {
			add(path + "." + m.Name)
		}
	}
	for _, b := range doc.Relations.Extends {
		add(simpleName(b))
	}
	for _, r := range doc.TypeRefs {
		name := r.Name
		if name == "" {
			name = simpleName(r.QualifiedName)
		}
		add(name)
	}
	return out
}

// simpleName strips type arguments and qualification:
// "pkg.mod.Base[T, U]" and "java.util.List<String>" become "Base" and "List".
func simpleName(s string) string {
	if i := strings.IndexAny(s, "[<("); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return s
}
