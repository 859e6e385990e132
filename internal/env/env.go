// Package env composes the environment of engine processes.
package env

import (
	"sort"
	"strings"

	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

type Var map[string]string

// Stream returns the variables describing rec that every engine process sees.
func Stream(rec stream.Record) []string {
	return []string{
		"OZANGLIVE_STREAM_ID=" + rec.ID,
		"OZANGLIVE_USER_ID=" + rec.UserID,
		"OZANGLIVE_STREAM_TITLE=" + rec.Title,
	}
}

// Merge composes base with layers, later entries winning, then expands
// ${VAR} references against the composed map (one pass, no recursion).
// Entries without '=' or with an empty key are dropped. The result is sorted
// by key.
func Merge(base []string, layers ...[]string) []string {
	m := make(Var, len(base))
	apply := func(kvs []string) {
		for _, kv := range kvs {
			if i := strings.IndexByte(kv, '='); i > 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	apply(base)
	for _, l := range layers {
		apply(l)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		end := i + 3 + j
		b.WriteString(s[:i])
		if v, ok := m[s[i+2:end-1]]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i:end])
		}
		s = s[end:]
	}
	b.WriteString(s)
	return b.String()
}
