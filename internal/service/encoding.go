package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var (
	errUnsupportedEncoding = errors.New("unsupported content encoding")
	errDecodedTooLarge     = errors.New("decoded body exceeds limit")
)

// decodeBody returns data decoded according to the Content-Encoding value.
// Identity bodies are returned as-is. At most limit decoded bytes are
// produced; larger bodies fail with errDecodedTooLarge.
func decodeBody(encoding string, data []byte, limit int64) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(encoding))

	var r io.Reader
	switch enc {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	case "deflate":
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(bytes.NewReader(data))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		// Stacked encodings ("gzip, br") land here too.
		return nil, fmt.Errorf("%w: %q", errUnsupportedEncoding, encoding)
	}

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", enc, err)
	}
	if int64(len(out)) > limit {
		return nil, errDecodedTooLarge
	}
	return out, nil
}
