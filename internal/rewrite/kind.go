package rewrite

import (
	"errors"
	"fmt"
	"mime"
	"strings"
)

// Kind is the textual media family of a response body.
type Kind string

// Media kinds the rewriter understands. KindNone bodies are never touched.
const (
	KindNone       Kind = ""
	KindHTML       Kind = "html"
	KindJavaScript Kind = "javascript"
	KindCSS        Kind = "css"
	KindJSON       Kind = "json"
)

func (k Kind) valid() bool {
	switch k {
	case KindHTML, KindJavaScript, KindCSS, KindJSON:
		return true
	}
	return false
}

// String returns the metric label for k.
func (k Kind) String() string {
	if k == KindNone {
		return "none"
	}
	return string(k)
}

// ErrCharset is returned by Classify for text declared in a charset other
// than UTF-8 or ASCII; the byte patterns cannot be matched safely.
var ErrCharset = errors.New("unsupported charset")

var mediaKinds = map[string]Kind{
	"text/html":                KindHTML,
	"application/xhtml+xml":    KindHTML,
	"text/javascript":          KindJavaScript,
	"application/javascript":   KindJavaScript,
	"application/x-javascript": KindJavaScript,
	"text/ecmascript":          KindJavaScript,
	"application/ecmascript":   KindJavaScript,
	"text/css":                 KindCSS,
	"application/json":         KindJSON,
}

// Classify maps a Content-Type header value to a Kind. Unknown or
// unparseable types are KindNone.
func Classify(contentType string) (Kind, error) {
	if contentType == "" {
		return KindNone, nil
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return KindNone, nil
	}

	kind, ok := mediaKinds[mt]
	if !ok && strings.HasSuffix(mt, "+json") {
		kind, ok = KindJSON, true
	}
	if !ok {
		return KindNone, nil
	}

	switch cs := strings.ToLower(params["charset"]); cs {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return kind, nil
	default:
		return kind, fmt.Errorf("%w: %s", ErrCharset, cs)
	}
}
