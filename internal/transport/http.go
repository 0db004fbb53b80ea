package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotSeekable is returned by Seek on streams opened without Options.Seekable.
var ErrNotSeekable = errors.New("stream is not seekable")

// timeoutError marks a request that did not get response headers, or a
// body read that did not return, within Options.Timeout.
type timeoutError struct {
	op  string
	url string
}

func (e *timeoutError) Error() string   { return "timeout " + e.op + " " + e.url }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// HTTP opens http and https URLs.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP transport. A nil client uses a client without an
// overall timeout, since segment bodies are streamed.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{client: client}
}

// Open issues a GET for url.
func (h *HTTP) Open(ctx context.Context, url string, opts Options) (Stream, error) {
	s := &httpStream{
		client: h.client,
		ctx:    ctx,
		url:    url,
		opts:   opts,
		size:   -1,
	}
	if err := s.request(0); err != nil {
		return nil, err
	}
	return s, nil
}

type httpStream struct {
	client *http.Client
	ctx    context.Context
	url    string
	opts   Options

	body   io.ReadCloser
	cancel context.CancelFunc
	offset int64
	size   int64

	// stalled is set when a body read timed out; the next Read reopens
	// the request at offset.
	stalled bool
}

func (s *httpStream) request(offset int64) error {
	ctx, cancel := context.WithCancel(s.ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}

	for name, values := range parseHeaders(s.opts.Headers) {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if s.opts.Cookies != "" {
		req.Header.Set("Cookie", s.opts.Cookies)
	}
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	var timer *time.Timer
	if s.opts.Timeout > 0 {
		timer = time.AfterFunc(s.opts.Timeout, cancel)
	}

	resp, err := s.client.Do(req)
	if timer != nil && !timer.Stop() && s.ctx.Err() == nil {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return &timeoutError{op: "opening", url: s.url}
	}
	if err != nil {
		cancel()
		return fmt.Errorf("failed to fetch %s: %w", s.url, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		cancel()
		return &StatusError{URL: s.url, Code: resp.StatusCode}
	}

	// A server ignoring Range restarts the body at 0.
	if offset > 0 && resp.StatusCode == http.StatusOK {
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			resp.Body.Close()
			cancel()
			return fmt.Errorf("failed to skip to offset %d of %s: %w", offset, s.url, err)
		}
	}

	s.body = resp.Body
	s.cancel = cancel
	s.offset = offset
	if resp.ContentLength >= 0 {
		s.size = offset + resp.ContentLength
	}
	return nil
}

// Read reads the body. With Options.Timeout set, a read that returns
// nothing in time cancels the request and reports a timeout; the
// following Read resumes at the same offset with a Range request.
func (s *httpStream) Read(p []byte) (int, error) {
	if s.stalled {
		if err := s.request(s.offset); err != nil {
			return 0, err
		}
		s.stalled = false
	}
	if s.body == nil {
		return 0, io.ErrClosedPipe
	}

	var timer *time.Timer
	if s.opts.Timeout > 0 {
		timer = time.AfterFunc(s.opts.Timeout, s.cancel)
	}

	n, err := s.body.Read(p)
	s.offset += int64(n)

	if timer != nil && !timer.Stop() && s.ctx.Err() == nil && err != io.EOF {
		s.body.Close()
		s.body = nil
		s.stalled = true
		if n > 0 {
			return n, nil
		}
		return 0, &timeoutError{op: "reading", url: s.url}
	}
	return n, err
}

func (s *httpStream) Seek(offset int64, whence int) (int64, error) {
	if !s.opts.Seekable {
		return 0, ErrNotSeekable
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.offset + offset
	case io.SeekEnd:
		if s.size < 0 {
			return 0, fmt.Errorf("seek from end: size of %s unknown", s.url)
		}
		target = s.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("negative seek position %d", target)
	}
	if target == s.offset {
		return target, nil
	}

	s.Close()
	if err := s.request(target); err != nil {
		return 0, err
	}
	return target, nil
}

func (s *httpStream) Size() int64 {
	return s.size
}

func (s *httpStream) Close() error {
	s.stalled = false
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.cancel()
	s.body = nil
	return err
}
