// Package prefix resolves the external path prefix assigned by the hosting
// gateway and translates paths between prefixed and root-relative form.
package prefix

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode"
)

// Root is the prefix of a deployment served from the domain root.
const Root = "/"

// ErrMalformed is returned by Normalize for values that cannot be used as a prefix.
var ErrMalformed = errors.New("malformed prefix")

// Normalize turns a raw prefix value into canonical form: exactly one
// leading and one trailing slash, no empty segments. A full URL is reduced
// to its path; query string and fragment are dropped. An empty value is Root.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Root, nil
	}
	for _, r := range raw {
		if unicode.IsControl(r) {
			return Root, fmt.Errorf("%w: control character in %q", ErrMalformed, raw)
		}
	}

	p := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Root, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	var segs []string
	for _, s := range strings.Split(p, "/") {
		switch s {
		case "":
			continue
		case ".", "..":
			return Root, fmt.Errorf("%w: dot segment in %q", ErrMalformed, raw)
		}
		segs = append(segs, s)
	}
	if len(segs) == 0 {
		return Root, nil
	}
	return "/" + strings.Join(segs, "/") + "/", nil
}

// Strip removes prefix from the front of path exactly once. The bare prefix
// without its trailing slash maps to "/". A path outside the prefix is
// returned unchanged with ok == false.
func Strip(prefix, path string) (string, bool) {
	if prefix == Root || prefix == "" {
		if path == "" {
			return "/", true
		}
		return path, true
	}
	if strings.HasPrefix(path, prefix) {
		return "/" + path[len(prefix):], true
	}
	if path == strings.TrimSuffix(prefix, "/") {
		return "/", true
	}
	return path, false
}

// Join re-adds prefix to a root-relative path. Join(p, Strip(p, x)) == x
// for every x that begins with p.
func Join(prefix, path string) string {
	if prefix == Root || prefix == "" {
		return path
	}
	return prefix + strings.TrimPrefix(path, "/")
}

// IsBare reports whether path is the prefix without its trailing slash.
func IsBare(prefix, path string) bool {
	return prefix != Root && path == strings.TrimSuffix(prefix, "/")
}

// Resolver produces the prefix for an inbound request. It is immutable
// after construction and safe for concurrent use.
type Resolver struct {
	static string
	header string
	logger *slog.Logger
}

// NewResolver creates a Resolver from the deployment-time prefix and an
// optional request header that overrides it per request. A malformed static
// value degrades to Root with a warning.
func NewResolver(static, header string, logger *slog.Logger) *Resolver {
	logger = logger.With("component", "prefix_resolver")
	p, err := Normalize(static)
	if err != nil {
		logger.Warn("invalid prefix, serving from root", "value", static, "err", err)
		p = Root
	}
	return &Resolver{
		static: p,
		header: http.CanonicalHeaderKey(strings.TrimSpace(header)),
		logger: logger,
	}
}

// Resolve returns the prefix for r. The configured header wins when present;
// a malformed header value falls back to the static prefix.
func (r *Resolver) Resolve(req *http.Request) string {
	if r.header == "" || req == nil {
		return r.static
	}
	v := req.Header.Get(r.header)
	if v == "" {
		return r.static
	}
	p, err := Normalize(v)
	if err != nil {
		r.logger.Warn("invalid prefix header, using static prefix",
			"header", r.header,
			"value", v,
			"err", err,
		)
		return r.static
	}
	return p
}

// Static returns the deployment-time prefix.
func (r *Resolver) Static() string { return r.static }

// HeaderName returns the per-request prefix header, or "" when disabled.
func (r *Resolver) HeaderName() string { return r.header }
