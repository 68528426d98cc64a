// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
// Path is the escaped inbound path, still carrying the external prefix.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawQuery      string
	Prefix        string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
// ContentLength is -1 when unknown.
type ProxyResponse struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}
