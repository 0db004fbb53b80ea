package reader

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/hlsreader/internal/bandwidth"
	"github.com/agleyzer/hlsreader/internal/config"
	"github.com/agleyzer/hlsreader/internal/segment"
	"github.com/agleyzer/hlsreader/internal/transport"
	"github.com/agleyzer/hlsreader/internal/variant"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type readResult struct {
	data []byte
	err  error
}

// scriptedStream replays a fixed sequence of read results, then io.EOF.
type scriptedStream struct {
	reads  []readResult
	closed bool
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		return 0, io.EOF
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	return copy(p, r.data), r.err
}

func (s *scriptedStream) Seek(offset int64, whence int) (int64, error) { return 0, nil }
func (s *scriptedStream) Size() int64                                  { return -1 }
func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	bodies   map[string][]byte
	streams  map[string]*scriptedStream
	failures map[string]int
	opened   []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		bodies:   map[string][]byte{},
		streams:  map[string]*scriptedStream{},
		failures: map[string]int{},
	}
}

func (f *fakeTransport) Open(ctx context.Context, url string, opts transport.Options) (transport.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opened = append(f.opened, url)
	if f.failures[url] != 0 {
		if f.failures[url] > 0 {
			f.failures[url]--
		}
		return nil, errors.New("connection refused")
	}
	if s, ok := f.streams[url]; ok {
		return s, nil
	}
	if b, ok := f.bodies[url]; ok {
		return &scriptedStream{reads: []readResult{{data: b}}}, nil
	}
	return nil, &transport.StatusError{URL: url, Code: 404}
}

func (f *fakeTransport) opens(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, u := range f.opened {
		if u == url {
			n++
		}
	}
	return n
}

type fakeLoader struct {
	mu    sync.Mutex
	urls  []string
	load  func(url string, call int) (*variant.Media, error)
	calls int
}

func (l *fakeLoader) LoadMedia(ctx context.Context, url string) (*variant.Media, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	l.urls = append(l.urls, url)
	if l.load == nil {
		return nil, errors.New("unexpected reload")
	}
	return l.load(url, l.calls)
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

// media builds a playlist of equal segments named base/<seq>.ts.
func media(base string, start, count, target int, finished bool) *variant.Media {
	m := &variant.Media{TargetDuration: target, StartSequence: start, Finished: finished}
	for i := 0; i < count; i++ {
		seq := start + i
		m.Segments = append(m.Segments, segment.Segment{
			URL:      fmt.Sprintf("http://test/%s/%d.ts", base, seq),
			Duration: float64(target),
			Sequence: seq,
		})
	}
	return m
}

type harness struct {
	clock     *fakeClock
	transport *fakeTransport
	loader    *fakeLoader
	variant   *variant.Variant
	cfg       config.Config
}

func newHarness(t *testing.T, m *variant.Media) *harness {
	t.Helper()

	cfg := config.Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	h := &harness{
		clock:     newFakeClock(),
		transport: newFakeTransport(),
		loader:    &fakeLoader{},
		variant:   variant.New(variant.Rendition{Bandwidth: 100000, PlaylistURL: "http://test/low.m3u8"}),
		cfg:       cfg,
	}
	h.variant.Replace(m, h.clock.Now())
	return h
}

func (h *harness) serve(m *variant.Media) {
	for _, seg := range m.Segments {
		h.transport.bodies[seg.URL] = []byte(fmt.Sprintf("[%d]", seg.Sequence))
	}
}

func (h *harness) reader(ctx context.Context, mutate func(*Options)) *Reader {
	opts := Options{
		Variant:   h.variant,
		Transport: h.transport,
		Loader:    h.loader,
		Config:    h.cfg,
		Clock:     h.clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(ctx, opts)
}

func TestRead_VODToEOF(t *testing.T) {
	m := media("low", 0, 3, 10, true)
	h := newHarness(t, m)
	h.serve(m)

	r := h.reader(context.Background(), nil)

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if string(data) != "[0][1][2]" {
		t.Errorf("Expected concatenated segments, got %q", data)
	}
	if r.SegmentsRead() != 3 {
		t.Errorf("Expected 3 segments read, got %d", r.SegmentsRead())
	}
	if r.Sequence() != 3 {
		t.Errorf("Expected sequence 3, got %d", r.Sequence())
	}
	if h.loader.calls != 0 {
		t.Errorf("Expected no reloads for a finished playlist, got %d", h.loader.calls)
	}
	if r.State() != StateNoInput {
		t.Errorf("Expected state %v, got %v", StateNoInput, r.State())
	}
}

func TestRead_SegmentStart(t *testing.T) {
	m := media("low", 5, 3, 10, true)
	h := newHarness(t, m)
	h.serve(m)

	r := h.reader(context.Background(), nil)
	buf := make([]byte, 64)

	for i, want := range []time.Duration{0, 10 * time.Second, 20 * time.Second} {
		if _, err := r.Read(buf); err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if got := r.SegmentStart(); got != want {
			t.Errorf("Segment %d: expected start %v, got %v", i, want, got)
		}
	}

	r.Reposition(5)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("Read after reposition failed: %v", err)
	}
	if got := r.SegmentStart(); got != 0 {
		t.Errorf("Expected start 0 after reposition, got %v", got)
	}
	if got := r.SegmentEnd(); got != 10*time.Second {
		t.Errorf("Expected end 10s after reposition, got %v", got)
	}
}

func TestRead_SkipsExpiredSegments(t *testing.T) {
	tests := []struct {
		name     string
		reloaded *variant.Media
		expected string
		sequence int
	}{
		{
			name:     "window moved past position",
			reloaded: media("low", 13, 2, 10, true),
			expected: "[13]",
			sequence: 13,
		},
		{
			name:     "position still in window",
			reloaded: media("low", 11, 2, 10, true),
			expected: "[11]",
			sequence: 11,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, media("low", 10, 2, 10, false))
			h.serve(tt.reloaded)
			h.loader.load = func(string, int) (*variant.Media, error) {
				return tt.reloaded, nil
			}

			r := h.reader(context.Background(), nil)
			r.Reposition(11)
			h.clock.Advance(10 * time.Second)

			buf := make([]byte, 64)
			n, err := r.Read(buf)
			if err != nil {
				t.Fatalf("Read() failed: %v", err)
			}
			if string(buf[:n]) != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, buf[:n])
			}
			if r.Sequence() != tt.sequence {
				t.Errorf("Expected sequence %d, got %d", tt.sequence, r.Sequence())
			}
			if h.loader.calls != 1 {
				t.Errorf("Expected 1 reload, got %d", h.loader.calls)
			}
		})
	}
}

func TestRead_TimeoutsKeepBudget(t *testing.T) {
	m := media("low", 0, 1, 10, true)
	h := newHarness(t, m)

	reads := make([]readResult, 0, 6)
	for i := 0; i < 5; i++ {
		reads = append(reads, readResult{err: timeoutErr{}})
	}
	reads = append(reads, readResult{data: []byte("payload")})
	h.transport.streams[m.Segments[0].URL] = &scriptedStream{reads: reads}

	r := h.reader(context.Background(), nil)

	buf := make([]byte, 64)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Errorf("Expected payload, got %q", buf[:n])
	}

	// 1 + 10/2, untouched by the timeouts
	if r.RetryBudget() != 6 {
		t.Errorf("Expected retry budget 6, got %d", r.RetryBudget())
	}
	if r.State() != StateStreaming {
		t.Errorf("Expected state %v, got %v", StateStreaming, r.State())
	}
}

func TestRead_StalledSegmentAbandoned(t *testing.T) {
	m := media("low", 0, 2, 10, true)
	h := newHarness(t, m)
	h.serve(m)
	h.cfg.StallTimeout = 3 * time.Second

	stalled := &scriptedStream{}
	for i := 0; i < 100; i++ {
		stalled.reads = append(stalled.reads, readResult{err: timeoutErr{}})
	}
	h.transport.streams[m.Segments[0].URL] = stalled

	// Every read costs a second of wall time.
	r := h.reader(context.Background(), nil)
	r.clock = &tickingClock{fakeClock: h.clock, tick: time.Second}

	buf := make([]byte, 64)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if string(buf[:n]) != "[1]" {
		t.Errorf("Expected next segment, got %q", buf[:n])
	}
	if !stalled.closed {
		t.Error("Expected stalled segment to be closed")
	}
}

func TestRead_StalledHTTPBodyAbandoned(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0.ts":
			if r.Header.Get("Range") == "" {
				w.Write([]byte("[0]"))
				w.(http.Flusher).Flush()
			}
			select {
			case <-release:
			case <-r.Context().Done():
			}
		case "/1.ts":
			w.Write([]byte("[1]"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	defer close(release)

	m := &variant.Media{TargetDuration: 2, Finished: true}
	for i := 0; i < 2; i++ {
		m.Segments = append(m.Segments, segment.Segment{
			URL:      fmt.Sprintf("%s/%d.ts", server.URL, i),
			Duration: 2,
			Sequence: i,
		})
	}

	cfg := config.Config{RequestTimeout: 100 * time.Millisecond, StallTimeout: 300 * time.Millisecond}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	v := variant.New(variant.Rendition{Bandwidth: 100000, PlaylistURL: server.URL + "/index.m3u8"})
	v.Replace(m, time.Now())

	r := New(context.Background(), Options{
		Variant:   v,
		Transport: transport.NewHTTP(nil),
		Request:   transport.Options{Timeout: cfg.RequestTimeout},
		Loader:    &fakeLoader{},
		Config:    cfg,
	})

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r)
		done <- result{data, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("ReadAll() failed: %v", res.err)
		}
		if string(res.data) != "[0][1]" {
			t.Errorf("Expected partial first segment then the second, got %q", res.data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Reader still blocked on a stalled segment body")
	}
}

type tickingClock struct {
	*fakeClock
	tick time.Duration
}

func (c *tickingClock) Now() time.Time {
	c.Advance(c.tick)
	return c.fakeClock.Now()
}

func TestRead_ZeroReadsExhaustBudget(t *testing.T) {
	m := media("low", 0, 2, 2, true)
	h := newHarness(t, m)
	h.serve(m)
	h.transport.streams[m.Segments[0].URL] = &scriptedStream{reads: []readResult{
		{}, {}, {data: []byte("never")},
	}}

	r := h.reader(context.Background(), nil)

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if string(data) != "[1]" {
		t.Errorf("Expected only the second segment, got %q", data)
	}
}

func TestRead_FailedReadRecordsSample(t *testing.T) {
	m := media("low", 0, 2, 10, true)
	h := newHarness(t, m)
	h.serve(m)
	h.transport.streams[m.Segments[0].URL] = &scriptedStream{reads: []readResult{
		{err: errors.New("connection reset by peer")},
	}}

	est := bandwidth.NewEstimator(10)
	r := h.reader(context.Background(), func(o *Options) { o.Estimator = est })
	r.clock = &tickingClock{fakeClock: h.clock, tick: time.Second}

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if string(data) != "[1]" {
		t.Errorf("Expected only the second segment, got %q", data)
	}

	// One empty sample for the failure, one for the good read.
	if est.Len() != 2 {
		t.Fatalf("Expected 2 samples, got %d", est.Len())
	}
	total, elapsed := est.Totals()
	if total != 3 {
		t.Errorf("Expected 3 bytes recorded, got %d", total)
	}
	if elapsed != 2*time.Second {
		t.Errorf("Expected the failed read's time to count, got %v", elapsed)
	}
}

func TestRead_SkipsUnopenableSegment(t *testing.T) {
	m := media("low", 0, 2, 10, true)
	h := newHarness(t, m)
	h.serve(m)
	h.transport.failures[m.Segments[0].URL] = -1
	h.cfg.SegmentExpiry = 2 * time.Second

	r := h.reader(context.Background(), nil)
	start := h.clock.Now()
	buf := make([]byte, 64)

	_, err := r.Read(buf)
	var segErr *SegmentError
	if !errors.As(err, &segErr) {
		t.Fatalf("Expected SegmentError, got %v", err)
	}
	if segErr.Sequence != 0 {
		t.Errorf("Expected sequence 0 skipped, got %d", segErr.Sequence)
	}

	// max(expiry, target) + 1s
	if elapsed := h.clock.Now().Sub(start); elapsed < 11*time.Second {
		t.Errorf("Expected at least 11s of retries, got %v", elapsed)
	}
	if opens := h.transport.opens(m.Segments[0].URL); opens < 2 {
		t.Errorf("Expected repeated open attempts, got %d", opens)
	}
	if !r.TakeSegmentEnd() {
		t.Error("Expected skip to mark a segment boundary")
	}

	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read() after skip failed: %v", err)
	}
	if string(buf[:n]) != "[1]" {
		t.Errorf("Expected next segment, got %q", buf[:n])
	}
}

func TestRead_OpenRetriedUntilSuccess(t *testing.T) {
	m := media("low", 0, 1, 10, true)
	h := newHarness(t, m)
	h.serve(m)
	h.transport.failures[m.Segments[0].URL] = 3

	r := h.reader(context.Background(), nil)

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if string(data) != "[0]" {
		t.Errorf("Expected segment data, got %q", data)
	}
	if opens := h.transport.opens(m.Segments[0].URL); opens != 4 {
		t.Errorf("Expected 4 open attempts, got %d", opens)
	}
}

func encrypt(t *testing.T, key, iv, plain []byte) []byte {
	t.Helper()

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher() failed: %v", err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestRead_DecryptsSegments(t *testing.T) {
	key := []byte("0123456789abcdef")
	keyURL := "http://test/key.bin"

	m := media("low", 7, 2, 10, true)
	for i := range m.Segments {
		m.Segments[i].KeyMethod = segment.KeyAES128
		m.Segments[i].KeyURL = keyURL
		m.Segments[i].IV = segment.DefaultIV(m.Segments[i].Sequence)
	}

	h := newHarness(t, m)
	h.transport.bodies[keyURL] = key
	for _, seg := range m.Segments {
		plain := []byte(fmt.Sprintf("clear segment %d", seg.Sequence))
		h.transport.bodies[seg.URL] = encrypt(t, key, seg.IV[:], plain)
	}

	r := h.reader(context.Background(), nil)

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if string(data) != "clear segment 7clear segment 8" {
		t.Errorf("Unexpected plaintext %q", data)
	}
	if opens := h.transport.opens(keyURL); opens != 1 {
		t.Errorf("Expected key fetched once, got %d", opens)
	}
}

func TestRead_Abort(t *testing.T) {
	m := media("low", 0, 2, 10, true)

	t.Run("abort flag", func(t *testing.T) {
		h := newHarness(t, m)
		h.serve(m)
		r := h.reader(context.Background(), func(o *Options) {
			o.Abort = func() bool { return true }
		})

		if _, err := r.Read(make([]byte, 64)); err != io.EOF {
			t.Errorf("Expected io.EOF, got %v", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		h := newHarness(t, m)
		h.serve(m)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r := h.reader(ctx, nil)

		if _, err := r.Read(make([]byte, 64)); err != io.EOF {
			t.Errorf("Expected io.EOF, got %v", err)
		}
		if len(h.transport.opened) != 0 {
			t.Errorf("Expected no requests after cancel, got %v", h.transport.opened)
		}
	})
}

func TestRead_WaitsForLiveSegments(t *testing.T) {
	h := newHarness(t, media("low", 0, 1, 4, false))
	grown := media("low", 0, 2, 4, false)
	h.serve(grown)
	h.loader.load = func(string, int) (*variant.Media, error) {
		return grown, nil
	}

	r := h.reader(context.Background(), nil)
	start := h.clock.Now()
	buf := make([]byte, 64)

	n, err := r.Read(buf)
	if err != nil || string(buf[:n]) != "[0]" {
		t.Fatalf("First Read() = %q, %v", buf[:n], err)
	}
	if h.loader.calls != 0 {
		t.Errorf("Expected no reload before the interval, got %d", h.loader.calls)
	}

	n, err = r.Read(buf)
	if err != nil || string(buf[:n]) != "[1]" {
		t.Fatalf("Second Read() = %q, %v", buf[:n], err)
	}
	if h.loader.calls != 1 {
		t.Errorf("Expected 1 reload, got %d", h.loader.calls)
	}
	if waited := h.clock.Now().Sub(start); waited < 4*time.Second {
		t.Errorf("Expected to wait one segment duration, waited %v", waited)
	}
	if r.Reloads() != 1 {
		t.Errorf("Expected Reloads() = 1, got %d", r.Reloads())
	}
}

func TestRead_ReloadFailureTimesOut(t *testing.T) {
	m := media("low", 0, 1, 4, false)
	h := newHarness(t, m)
	h.serve(m)
	h.cfg.MaxReloadRetries = 3
	h.loader.load = func(string, int) (*variant.Media, error) {
		return nil, errors.New("HTTP 503")
	}

	r := h.reader(context.Background(), nil)
	buf := make([]byte, 64)

	if _, err := r.Read(buf); err != nil {
		t.Fatalf("First Read() failed: %v", err)
	}

	_, err := r.Read(buf)
	if !errors.Is(err, ErrReloadTimeout) {
		t.Fatalf("Expected ErrReloadTimeout, got %v", err)
	}
	if h.loader.calls != 4 {
		t.Errorf("Expected 4 reload attempts, got %d", h.loader.calls)
	}
}

func TestRead_ReloadRecoversAfterFailure(t *testing.T) {
	h := newHarness(t, media("low", 0, 1, 4, false))
	grown := media("low", 0, 2, 4, true)
	h.serve(grown)
	h.loader.load = func(_ string, call int) (*variant.Media, error) {
		if call < 3 {
			return nil, errors.New("HTTP 503")
		}
		return grown, nil
	}

	r := h.reader(context.Background(), nil)

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if string(data) != "[0][1]" {
		t.Errorf("Expected both segments, got %q", data)
	}
}

func TestRead_SwitchesVariantOnBandwidth(t *testing.T) {
	low := variant.Rendition{Bandwidth: 100000, PlaylistURL: "http://test/low.m3u8"}
	high := variant.Rendition{Bandwidth: 5000000, PlaylistURL: "http://test/high.m3u8"}

	lowMedia := media("low", 0, 3, 10, true)
	highMedia := media("high", 0, 3, 10, true)

	h := newHarness(t, lowMedia)
	h.serve(lowMedia)
	h.serve(highMedia)
	h.loader.load = func(url string, _ int) (*variant.Media, error) {
		if url != high.PlaylistURL {
			return nil, fmt.Errorf("unexpected playlist %s", url)
		}
		return highMedia, nil
	}

	// 8 Mbit/s
	est := bandwidth.NewEstimator(0)
	est.Observe(1_000_000, time.Second)
	est.Observe(1_000_000, time.Second)

	r := h.reader(context.Background(), func(o *Options) {
		o.Renditions = []variant.Rendition{low, high}
		o.Estimator = est
	})

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if string(data) != "[0][1][2]" {
		t.Errorf("Unexpected data %q", data)
	}
	if h.transport.opens("http://test/low/0.ts") != 1 || h.transport.opens("http://test/high/1.ts") != 1 {
		t.Errorf("Expected switch after the first segment, opened %v", h.transport.opened)
	}
	if r.Switches() != 1 {
		t.Errorf("Expected 1 switch, got %d", r.Switches())
	}
	if h.variant.Bandwidth() != high.Bandwidth {
		t.Errorf("Expected variant bandwidth %d, got %d", high.Bandwidth, h.variant.Bandwidth())
	}
}

func TestRead_StopsWhenNotNeeded(t *testing.T) {
	m := media("low", 0, 3, 10, true)
	h := newHarness(t, m)
	h.serve(m)

	r := h.reader(context.Background(), func(o *Options) {
		o.Needed = func() bool { return false }
	})
	buf := make([]byte, 64)

	if _, err := r.Read(buf); err != nil {
		t.Fatalf("First Read() failed: %v", err)
	}
	if _, err := r.Read(buf); err != io.EOF {
		t.Fatalf("Expected io.EOF once not needed, got %v", err)
	}
	if r.Sequence() != 1 {
		t.Errorf("Expected sequence 1, got %d", r.Sequence())
	}
	if !r.TakeSegmentEnd() {
		t.Error("Expected segment end to be reported")
	}
	if r.TakeSegmentEnd() {
		t.Error("Expected segment end to be cleared after Take")
	}

	// A resync resumes where the reader stopped.
	r.Reposition(r.Sequence())
	r.needed = nil
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() after resync failed: %v", err)
	}
	if string(data) != "[1][2]" {
		t.Errorf("Expected remaining segments, got %q", data)
	}
}
