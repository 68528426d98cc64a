package rewrite

import (
	"bytes"
	"net/url"
	"slices"
	"strings"
)

// Rewrite inserts prefix into every root-relative reference that a rule for
// kind matches and returns the new content with the number of references
// changed. Content is returned as-is when nothing matched, when kind is
// KindNone, or for a root prefix.
//
// All rules run against the original bytes and insertions are merged in one
// pass, so a reference matched by several rules is prefixed once.
func (rs *RuleSet) Rewrite(kind Kind, content []byte, prefix string) ([]byte, int) {
	if kind == KindNone || isRoot(prefix) || len(content) == 0 {
		return content, 0
	}

	var offsets []int
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.appliesTo(kind) {
			continue
		}
		for _, m := range r.re.FindAllSubmatchIndex(content, -1) {
			start, end := m[2*r.group], m[2*r.group+1]
			if start < 0 || !rootRelative(content[start:end], prefix) {
				continue
			}
			// Insert after the leading slash.
			offsets = append(offsets, start+1)
		}
	}
	if len(offsets) == 0 {
		return content, 0
	}
	slices.Sort(offsets)
	offsets = slices.Compact(offsets)

	insert := prefix[1:]
	out := make([]byte, 0, len(content)+len(offsets)*len(insert))
	last := 0
	for _, off := range offsets {
		out = append(out, content[last:off]...)
		out = append(out, insert...)
		last = off
	}
	out = append(out, content[last:]...)
	return out, len(offsets)
}

// Body rewrites a document with the default rule set, treating it as HTML
// so that inline script and style references are covered too.
func Body(content []byte, prefix string) []byte {
	out, _ := Default().Rewrite(KindHTML, content, prefix)
	return out
}

// Location rewrites a redirect target. Root-relative targets get the prefix;
// absolute URLs that point at the upstream itself become prefixed paths,
// since the loopback address is never reachable by the browser. Relative,
// protocol-relative, and third-party targets are returned unchanged.
func Location(loc, prefix, upstreamHost string) string {
	if loc == "" {
		return loc
	}
	if loc[0] == '/' {
		if !rootRelative([]byte(loc), prefix) {
			return loc
		}
		return join(prefix, loc)
	}

	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() || upstreamHost == "" || !strings.EqualFold(u.Host, upstreamHost) {
		return loc
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if rootRelative([]byte(p), prefix) {
		p = join(prefix, p)
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		p += "#" + u.EscapedFragment()
	}
	return p
}

// rootRelative reports whether ref is a same-origin absolute path that does
// not already carry prefix. Protocol-relative references ("//host/...") and
// their backslash variants point at other hosts and are excluded.
func rootRelative(ref []byte, prefix string) bool {
	if len(ref) == 0 || ref[0] != '/' {
		return false
	}
	if len(ref) > 1 && (ref[1] == '/' || ref[1] == '\\') {
		return false
	}
	if isRoot(prefix) {
		return true
	}
	if bytes.HasPrefix(ref, []byte(prefix)) {
		return false
	}
	return string(ref) != strings.TrimSuffix(prefix, "/")
}

func join(prefix, path string) string {
	if isRoot(prefix) {
		return path
	}
	return prefix + strings.TrimPrefix(path, "/")
}

func isRoot(prefix string) bool {
	return prefix == "" || prefix == "/"
}
