package env

import (
	"sort"
	"strings"
	"testing"

	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

// FuzzMerge checks that Merge never panics, emits well-formed sorted pairs
// and always carries the stream identity layer last.
func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y", "s1")
	f.Add("FOO=bar", "FOO=${FOO}", "a.b")
	f.Add("X=$Y", "Y=${X}", "")
	f.Add("OZANGLIVE_STREAM_ID=spoofed", "=x\n${", "real")

	f.Fuzz(func(t *testing.T, base, layer, id string) {
		out := Merge(lines(base, 20), lines(layer, 20), Stream(stream.Record{ID: id}))

		keys := make([]string, 0, len(out))
		for _, kv := range out {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("bad pair: %q", kv)
			}
			keys = append(keys, kv[:i])
		}
		if !sort.StringsAreSorted(keys) {
			t.Fatalf("keys not sorted: %v", keys)
		}
		want := "OZANGLIVE_STREAM_ID=" + id
		if strings.Contains(id, "${") || strings.ContainsAny(id, "\n") {
			return
		}
		found := false
		for _, kv := range out {
			if kv == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing %q in %v", want, out)
		}
	})
}

func lines(s string, max int) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
		if len(out) == max {
			break
		}
	}
	return out
}
