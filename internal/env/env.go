package env

import (
	"os"
	"sort"
	"strings"
)

// Vars is an environment keyed by variable name.
type Vars map[string]string

// Parse turns "K=V" entries into Vars. Entries without '=' or with an empty
// key are skipped; later entries win.
func Parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// List returns the sorted "K=V" form.
func (v Vars) List() []string {
	out := make([]string, 0, len(v))
	for k, val := range v {
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}

// Merge overlays extra on base. ${VAR} and $VAR references in extra values are
// expanded once against base plus the extra entries before them; unknown
// references expand to "".
func Merge(base, extra []string) []string {
	m := Parse(base)
	for _, kv := range extra {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = os.Expand(kv[i+1:], func(name string) string { return m[name] })
	}
	return m.List()
}
