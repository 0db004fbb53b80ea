// Package transport provides the byte-stream layer used to fetch playlists,
// keys and segments.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Options controls how a URL is opened.
type Options struct {
	// Seekable allows Seek to re-request the resource from an offset
	Seekable bool

	// Timeout bounds connection setup and response headers
	Timeout time.Duration

	// Headers is a raw header block ("Key: Value\r\n...") sent with the request
	Headers string

	// Cookies is sent verbatim as the Cookie header
	Cookies string

	// UserAgent overrides the default user agent
	UserAgent string
}

// Stream is an open resource.
type Stream interface {
	io.ReadCloser
	io.Seeker

	// Size returns the total size in bytes, or -1 if unknown.
	Size() int64
}

// Transport opens byte streams by URL.
type Transport interface {
	Open(ctx context.Context, url string, opts Options) (Stream, error)
}

// StatusError is returned when the server answers with a non-success status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.Code, e.URL)
}

// IsTimeout reports whether err is a timeout that may succeed on retry.
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ReadAll opens url and returns its whole body.
func ReadAll(ctx context.Context, t Transport, url string, opts Options) ([]byte, error) {
	s, err := t.Open(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	data, err := io.ReadAll(s)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return data, nil
}

// ReadKey fetches a 16 byte AES-128 key.
func ReadKey(ctx context.Context, t Transport, url string, opts Options) ([]byte, error) {
	s, err := t.Open(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open key: %w", err)
	}
	defer s.Close()

	key := make([]byte, 16)
	if _, err := io.ReadFull(s, key); err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", url, err)
	}
	return key, nil
}

// parseHeaders splits a raw header block into a header map.
// Malformed lines are ignored.
func parseHeaders(raw string) http.Header {
	h := http.Header{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h
}
