package rewrite

import (
	"bytes"
	"regexp"

	"golang.org/x/net/html"
)

// urlAttributes are the HTML attributes that carry a navigable or
// fetchable URL.
var urlAttributes = map[string]bool{
	"src":        true,
	"href":       true,
	"action":     true,
	"poster":     true,
	"formaction": true,
}

// quotedPath finds any quoted string that looks like an absolute path. It is
// far broader than the rules and only feeds diagnostics.
var quotedPath = regexp.MustCompile("[\"'`](/[A-Za-z0-9_@.~-][^\"'`\\s]*)[\"'`]")

// Leftovers lists root-relative references still present in content after a
// rewrite for prefix. HTML is tokenized and only URL attributes are
// inspected; scripts and stylesheets are scanned for quoted absolute paths.
// JSON is data and is never audited. The result is diagnostic: rules are
// conservative, so a non-empty list hints at a reference form the rule set
// does not know yet.
func Leftovers(kind Kind, content []byte, prefix string) []string {
	if isRoot(prefix) {
		return nil
	}
	switch kind {
	case KindHTML:
		return htmlLeftovers(content, prefix)
	case KindJavaScript, KindCSS:
		var out []string
		for _, m := range quotedPath.FindAllSubmatch(content, -1) {
			if rootRelative(m[1], prefix) {
				out = append(out, string(m[1]))
			}
		}
		return out
	default:
		return nil
	}
}

func htmlLeftovers(content []byte, prefix string) []string {
	var out []string
	z := html.NewTokenizer(bytes.NewReader(content))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			_, more := z.TagName()
			for more {
				var key, val []byte
				key, val, more = z.TagAttr()
				if urlAttributes[string(key)] && rootRelative(val, prefix) {
					out = append(out, string(val))
				}
			}
		}
	}
}
