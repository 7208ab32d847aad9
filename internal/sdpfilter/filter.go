// Package sdpfilter rewrites the bandwidth limit of session
// descriptions. The transform is pure: every byte a rule does not match
// passes through untouched, so applying a filter twice equals applying
// it once.
package sdpfilter

import (
	"strconv"
	"strings"

	"github.com/avolkov/parley/internal/domain"
)

// Filter is an immutable rule set applied to one description.
type Filter struct {
	rules []domain.FilterRule
}

func New(rules ...domain.FilterRule) Filter {
	f := Filter{rules: make([]domain.FilterRule, len(rules))}
	copy(f.rules, rules)
	return f
}

func (f Filter) Empty() bool { return len(f.rules) == 0 }

// Apply rewrites the b=AS line of each media section a rule matches for
// the given direction. The limit line is replaced, never appended; a
// section without one gets it inserted at a valid position (after c=/b=
// slots, before the attribute lines).
func (f Filter) Apply(desc string, dir domain.FilterDirection) string {
	if len(f.rules) == 0 {
		return desc
	}

	lines := strings.Split(desc, "\n")
	out := make([]string, 0, len(lines)+2)
	var target int // 0 = leave the current section alone
	var eol string // line ending style of the current section
	done := true   // bandwidth line handled for the current section

	limit := func() string { return "b=AS:" + strconv.Itoa(target) + eol }

	for _, line := range lines {
		body := strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(body, "m="):
			if !done {
				// Previous section ended with no b= or a= line.
				out = append(out, limit())
			}
			target = f.sectionTarget(body, dir)
			done = target == 0
			if strings.HasSuffix(line, "\r") {
				eol = "\r"
			} else {
				eol = ""
			}
			out = append(out, line)
		case !done && strings.HasPrefix(body, "b=AS:"):
			out = append(out, limit())
			done = true
		case !done && (strings.HasPrefix(body, "a=") || body == ""):
			out = append(out, limit(), line)
			done = true
		default:
			out = append(out, line)
		}
	}
	if !done {
		out = append(out, limit())
	}
	return strings.Join(out, "\n")
}

func (f Filter) sectionTarget(mline string, dir domain.FilterDirection) int {
	kind := mline[len("m="):]
	if i := strings.IndexByte(kind, ' '); i >= 0 {
		kind = kind[:i]
	}
	for _, r := range f.rules {
		if r.BitrateKbps <= 0 {
			continue
		}
		if r.Direction == dir && string(r.Kind) == kind {
			return r.BitrateKbps
		}
	}
	return 0
}
