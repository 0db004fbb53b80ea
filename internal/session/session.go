// Package session ties playlist loading, segment reading and demuxing into
// one pull-based packet stream with a continuous timeline.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agleyzer/hlsreader/internal/bandwidth"
	"github.com/agleyzer/hlsreader/internal/clock"
	"github.com/agleyzer/hlsreader/internal/config"
	"github.com/agleyzer/hlsreader/internal/demux"
	"github.com/agleyzer/hlsreader/internal/metrics"
	"github.com/agleyzer/hlsreader/internal/parser"
	"github.com/agleyzer/hlsreader/internal/reader"
	"github.com/agleyzer/hlsreader/internal/transport"
	"github.com/agleyzer/hlsreader/internal/variant"
	"github.com/google/uuid"
)

var (
	// ErrUnsupported is returned for seeks the session cannot perform.
	ErrUnsupported = errors.New("operation not supported")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// maxNesting bounds master playlists that point at other master playlists.
const maxNesting = 3

// Options configures a session. Zero values select the defaults.
type Options struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Transport transport.Transport
	Source    demux.PacketSource
	Clock     clock.Clock
}

// StreamInfo describes one entry of the output stream table.
type StreamInfo struct {
	// Index is the position in the output table and the Stream of delivered packets
	Index int `json:"index"`

	// Variant and Local locate the stream in the demuxer that produces it
	Variant int `json:"variant"`
	Local   int `json:"local"`

	Kind  demux.MediaKind `json:"-"`
	Codec string          `json:"codec"`

	// VariantBitrate is the declared bandwidth of the variant the stream came from
	VariantBitrate int `json:"variant_bitrate"`
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ID                 string  `json:"id"`
	URL                string  `json:"url"`
	Live               bool    `json:"live"`
	DurationSeconds    float64 `json:"duration_seconds"`
	VariantBandwidth   int     `json:"variant_bandwidth"`
	EstimatedBandwidth int64   `json:"estimated_bandwidth"`
	Sequence           int     `json:"sequence"`
	SegmentsRead       int64   `json:"segments_read"`
	BytesRead          int64   `json:"bytes_read"`
	PlaylistReloads    int64   `json:"playlist_reloads"`
	VariantSwitches    int64   `json:"variant_switches"`
	PacketsDelivered   int64   `json:"packets_delivered"`
	PacketsDropped     int64   `json:"packets_dropped"`
	Seeks              int64   `json:"seeks"`
}

// Session is an open HLS presentation. ReadPacket is the reader role and is
// serialized internally; Seek, SetDiscard, Migrate, Abort, Stats and Close
// may be called from other goroutines.
type Session struct {
	id        string
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	transport transport.Transport
	source    demux.PacketSource
	clock     clock.Clock
	loader    *parser.Loader
	estimator *bandwidth.Estimator

	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool
	closed  atomic.Bool

	// readMu serializes the reader role.
	readMu    sync.Mutex
	tracks    []*track
	streams   []StreamInfo
	started   bool
	discarded []bool // discard flags as seen by the reader role
	seek      *seekFilter

	// lastDTS is the timestamp of the last delivered packet
	lastDTS   time.Duration
	delivered bool

	// mu guards the requests posted by the control role and the
	// presentation metadata reported by Stats.
	mu             sync.Mutex
	discard        []bool
	discardDirty   bool
	pendingSeek    *seekRequest
	pendingMigrate string
	url            string
	live           bool
	tiers          int
	duration       time.Duration

	packets atomic.Int64
	dropped atomic.Int64
	seeks   atomic.Int64
}

// Open loads the playlist at url, starts reading the lowest bandwidth
// variant and builds the output stream table from its first segment.
func Open(ctx context.Context, url string, opts Options) (*Session, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", id)

	s := &Session{
		id:        id,
		cfg:       cfg,
		logger:    logger,
		metrics:   opts.Metrics,
		transport: opts.Transport,
		source:    opts.Source,
		clock:     opts.Clock,
		estimator: bandwidth.NewEstimator(cfg.EstimatorWindow),
		url:       url,
	}
	if s.transport == nil {
		s.transport = transport.NewHTTP(nil)
	}
	if s.source == nil {
		s.source = demux.TS{}
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}

	request := transport.Options{
		Timeout:   cfg.RequestTimeout,
		Headers:   cfg.Headers,
		Cookies:   cfg.Cookies,
		UserAgent: cfg.UserAgent,
	}
	s.loader = &parser.Loader{
		Transport:   s.transport,
		Options:     request,
		MaxSegments: cfg.MaxSegments,
		Logger:      logger,
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	renditions, media, err := s.bootstrap(s.ctx, url)
	if err != nil {
		s.cancel()
		return nil, err
	}

	v := variant.New(renditions[0])
	v.Replace(media, s.clock.Now())

	t := &track{
		index:  0,
		source: s.source,
		logger: logger,
		needed: true,
	}
	t.reader = reader.New(s.ctx, reader.Options{
		Variant:    v,
		Renditions: renditions,
		Transport:  s.transport,
		Request:    request,
		Loader:     s.loader,
		Estimator:  s.estimator,
		Config:     cfg,
		Clock:      s.clock,
		Logger:     logger,
		Metrics:    s.metrics,
		Needed:     func() bool { return t.needed },
		Abort:      s.aborted.Load,
	})
	t.br = bufio.NewReaderSize(t.reader, readBufferSize)

	if err := t.openDemuxer(); err != nil {
		t.close()
		s.cancel()
		return nil, fmt.Errorf("failed to open %s: %w", url, err)
	}
	s.tracks = []*track{t}

	for i, info := range t.streams {
		s.streams = append(s.streams, StreamInfo{
			Index:          len(s.streams),
			Variant:        t.index,
			Local:          i,
			Kind:           info.Kind,
			Codec:          info.Codec,
			VariantBitrate: v.Bandwidth(),
		})
	}
	s.discard = make([]bool, len(s.streams))
	s.discarded = make([]bool, len(s.streams))

	s.live = !media.Finished
	s.tiers = len(renditions)
	s.duration = presentationDuration(media)

	s.metrics.AddActiveSessions(1)
	logger.Info("session opened",
		"url", url,
		"renditions", len(renditions),
		"bandwidth", v.Bandwidth(),
		"live", s.live,
		"duration", s.duration,
		"streams", len(s.streams),
	)

	return s, nil
}

// bootstrap loads url, retrying failures, and returns the renditions in
// ascending bandwidth order with the media playlist of the first one.
func (s *Session) bootstrap(ctx context.Context, url string) ([]variant.Rendition, *variant.Media, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.OpenRetries; attempt++ {
		if attempt > 0 {
			if err := s.clock.Sleep(ctx, s.cfg.OpenRetryWait); err != nil {
				return nil, nil, err
			}
		}

		renditions, media, err := s.resolve(ctx, url)
		if err == nil {
			return renditions, media, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		s.logger.Warn("failed to load playlist",
			"url", url,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, nil, fmt.Errorf("failed to load playlist %s: %w", url, lastErr)
}

// resolve follows master playlists down to the media playlist of the
// lowest bandwidth rendition.
func (s *Session) resolve(ctx context.Context, url string) ([]variant.Rendition, *variant.Media, error) {
	current := variant.Rendition{PlaylistURL: url}
	var renditions []variant.Rendition

	for depth := 0; depth < maxNesting; depth++ {
		info, err := s.loader.Load(ctx, current.PlaylistURL)
		if err != nil {
			return nil, nil, err
		}

		if !info.IsMaster {
			if len(info.Media.Segments) == 0 {
				return nil, nil, fmt.Errorf("%w: no segments in %s", parser.ErrEmptyPlaylist, current.PlaylistURL)
			}
			if renditions == nil {
				renditions = []variant.Rendition{current}
			}
			return renditions, info.Media, nil
		}

		renditions = slices.Clone(info.Renditions)
		variant.SortRenditions(renditions)
		current = renditions[0]
	}

	return nil, nil, fmt.Errorf("%w: master playlists nested deeper than %d levels", parser.ErrInvalidData, maxNesting)
}

func presentationDuration(m *variant.Media) time.Duration {
	if !m.Finished {
		return 0
	}
	var d time.Duration
	for _, seg := range m.Segments {
		d += seg.Length()
	}
	return d
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Streams returns the output stream table.
func (s *Session) Streams() []StreamInfo {
	return slices.Clone(s.streams)
}

// Duration returns the total duration of a finished presentation, or 0
// for a live one.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Live reports whether the playlist is still being extended.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Abort interrupts every blocking wait. Reads in progress and all later
// reads return io.EOF.
func (s *Session) Abort() {
	if !s.aborted.Swap(true) {
		s.logger.Info("session aborted")
	}
	s.cancel()
}

// Close aborts the session, waits for a read in progress to return and
// releases every open segment and demuxer.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.Abort()

	s.readMu.Lock()
	defer s.readMu.Unlock()

	for _, t := range s.tracks {
		t.close()
	}
	s.metrics.AddActiveSessions(-1)

	s.logger.Info("session closed",
		"packets", s.packets.Load(),
		"dropped", s.dropped.Load(),
	)
	return nil
}

// Stats returns counters and the current position of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ID:              s.id,
		URL:             s.url,
		Live:            s.live,
		DurationSeconds: s.duration.Seconds(),
	}
	s.mu.Unlock()

	st.PacketsDelivered = s.packets.Load()
	st.PacketsDropped = s.dropped.Load()
	st.Seeks = s.seeks.Load()
	if bps, ok := s.estimator.Estimate(); ok {
		st.EstimatedBandwidth = bps
	}

	for _, t := range s.tracks {
		r := t.reader
		st.VariantBandwidth = max(st.VariantBandwidth, r.Variant().Bandwidth())
		st.Sequence = max(st.Sequence, r.Sequence())
		st.SegmentsRead += r.SegmentsRead()
		st.BytesRead += r.BytesRead()
		st.PlaylistReloads += r.Reloads()
		st.VariantSwitches += r.Switches()
	}

	return st
}
