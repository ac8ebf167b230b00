package stream

import (
	"fmt"
	"sort"
	"strings"
)

const recentWindow = 8

// recent keeps metadata (never content) about the last few raw events for
// diagnostics when a stream fails unrecoverably.
type recent struct {
	items [recentWindow]string
	next  int
	n     int
}

func (r *recent) add(meta string) {
	r.items[r.next] = meta
	r.next = (r.next + 1) % recentWindow
	if r.n < recentWindow {
		r.n++
	}
}

// list returns entries oldest first.
func (r *recent) list() []string {
	out := make([]string, 0, r.n)
	start := (r.next - r.n + recentWindow) % recentWindow
	for i := 0; i < r.n; i++ {
		out = append(out, r.items[(start+i)%recentWindow])
	}
	return out
}

// describe summarises an event as "type/subtype{keys}".
func describe(ev map[string]any) string {
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	typ, _ := ev["type"].(string)
	sub, _ := ev["subtype"].(string)
	if sub != "" {
		typ += "/" + sub
	}
	return fmt.Sprintf("%s{%s}", typ, strings.Join(keys, ","))
}
