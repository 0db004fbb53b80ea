// Package reader implements the segment fetching state machine of one
// variant. A Reader is an io.Reader over the concatenated segments of a
// media playlist; it reloads live playlists, retries failed opens, skips
// expired or broken segments and switches renditions on measured bandwidth.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agleyzer/hlsreader/internal/bandwidth"
	"github.com/agleyzer/hlsreader/internal/clock"
	"github.com/agleyzer/hlsreader/internal/config"
	"github.com/agleyzer/hlsreader/internal/metrics"
	"github.com/agleyzer/hlsreader/internal/segment"
	"github.com/agleyzer/hlsreader/internal/transport"
	"github.com/agleyzer/hlsreader/internal/variant"
)

// ErrReloadTimeout is returned when a live playlist cannot be reloaded
// within the configured budget and no segment is left to read.
var ErrReloadTimeout = errors.New("playlist reload budget exhausted")

var errAborted = errors.New("aborted")

// State is the position of the reader in its open/stream cycle.
type State int

const (
	StateNoInput State = iota
	StateOpenPending
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateOpenPending:
		return "open-pending"
	case StateStreaming:
		return "streaming"
	default:
		return "no-input"
	}
}

// SegmentError reports a segment that was skipped because it could not be
// opened. It is returned from a single Read; the next Read continues with
// the following segment.
type SegmentError struct {
	Sequence int
	URL      string
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d (%s) skipped: %v", e.Sequence, e.URL, e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// Loader reloads media playlists.
type Loader interface {
	LoadMedia(ctx context.Context, playlistURL string) (*variant.Media, error)
}

// Options configures a Reader.
type Options struct {
	Variant *variant.Variant

	// Renditions are the bandwidth tiers in ascending order
	Renditions []variant.Rendition

	Transport transport.Transport
	Request   transport.Options
	Loader    Loader
	Estimator *bandwidth.Estimator

	// Config must have been validated
	Config config.Config

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Needed is consulted at segment boundaries; returning false stops the reader
	Needed func() bool

	// Abort is an external interrupt check polled at every wait
	Abort func() bool
}

// Reader is not safe for concurrent reads. The accessors backed by atomics
// may be called from any goroutine.
type Reader struct {
	ctx        context.Context
	variant    *variant.Variant
	renditions []variant.Rendition
	transport  transport.Transport
	request    transport.Options
	loader     Loader
	estimator  *bandwidth.Estimator
	cfg        config.Config
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	needed     func() bool
	abort      func() bool

	state   State
	seq     int
	input   transport.Stream
	current segment.Segment
	budget  int

	segStart    time.Duration
	anchorSeq   int
	anchorStart time.Duration

	lastOpen           time.Time
	stallSince         time.Time
	reloadFailures     int
	reloadFailingSince time.Time

	keyURL string
	key    []byte

	segmentEnded bool

	sequence atomic.Int64
	segments atomic.Int64
	bytes    atomic.Int64
	reloads  atomic.Int64
	switches atomic.Int64
}

// New creates a reader positioned at the first segment of the variant.
func New(ctx context.Context, opts Options) *Reader {
	r := &Reader{
		ctx:        ctx,
		variant:    opts.Variant,
		renditions: opts.Renditions,
		transport:  opts.Transport,
		request:    opts.Request,
		loader:     opts.Loader,
		estimator:  opts.Estimator,
		cfg:        opts.Config,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		needed:     opts.Needed,
		abort:      opts.Abort,
	}
	if r.clock == nil {
		r.clock = clock.Real{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.estimator == nil {
		r.estimator = bandwidth.NewEstimator(r.cfg.EstimatorWindow)
	}

	snap := r.variant.Snapshot()
	r.setSequence(snap.StartSequence)
	r.anchorSeq = snap.StartSequence
	r.lastOpen = r.clock.Now()
	r.metrics.SetVariantBandwidth(snap.Bandwidth)

	return r
}

// Read implements io.Reader over the segments of the variant. It returns
// io.EOF at the end of a finished playlist, when the reader is no longer
// needed, and on cancellation. A *SegmentError is returned once for every
// segment that had to be skipped.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		if r.aborted() {
			r.closeInput()
			return 0, io.EOF
		}

		if r.input == nil {
			if err := r.openNext(); err != nil {
				if errors.Is(err, errAborted) {
					return 0, io.EOF
				}
				return 0, err
			}
		}

		n, err := r.readSegment(p)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			r.closeInput()
			return 0, io.EOF
		}

		if !r.finishSegment() {
			return 0, io.EOF
		}
	}
}

// readSegment reads from the open segment. It returns 0, nil when the
// segment is done, whether complete or abandoned.
func (r *Reader) readSegment(p []byte) (int, error) {
	for r.budget > 0 {
		if r.aborted() {
			return 0, errAborted
		}

		start := r.clock.Now()
		n, err := r.input.Read(p)
		if n > 0 {
			r.stallSince = time.Time{}
			r.estimator.Observe(n, r.clock.Now().Sub(start))
			r.bytes.Add(int64(n))
			r.metrics.AddBytesRead(n)
			return n, nil
		}

		switch {
		case err == nil:
			r.budget--
		case errors.Is(err, io.EOF):
			return 0, nil
		case transport.IsTimeout(err):
			// Timeouts don't count against the budget; the stall timer bounds them.
			r.metrics.IncReadTimeouts()
			now := r.clock.Now()
			if r.stallSince.IsZero() {
				r.stallSince = now
			} else if now.Sub(r.stallSince) >= r.cfg.StallTimeout {
				r.logger.Warn("segment stalled, abandoning",
					"sequence", r.seq,
					"url", r.current.URL,
					"stalled", now.Sub(r.stallSince),
				)
				return 0, nil
			}
		default:
			if r.aborted() {
				return 0, errAborted
			}
			r.estimator.Observe(0, r.clock.Now().Sub(start))
			r.logger.Warn("segment read failed",
				"sequence", r.seq,
				"url", r.current.URL,
				"error", err,
			)
			return 0, nil
		}
	}

	r.logger.Warn("segment returned no data, moving on",
		"sequence", r.seq,
		"url", r.current.URL,
	)
	return 0, nil
}

// finishSegment closes the current segment and advances. It returns false
// when the variant is no longer needed.
func (r *Reader) finishSegment() bool {
	r.closeInput()
	r.setSequence(r.seq + 1)
	r.segmentEnded = true
	r.segments.Add(1)
	r.metrics.IncSegmentsFetched()

	r.evaluateBandwidth()

	if r.needed != nil && !r.needed() {
		r.logger.Info("variant no longer needed, stopping reads", "sequence", r.seq)
		return false
	}
	return true
}

// openNext runs the no-input part of the state machine until a segment is
// open, the playlist ends, or an error must be surfaced.
func (r *Reader) openNext() error {
	snap := r.variant.Snapshot()
	interval := snap.ReloadInterval()

	for {
		if r.aborted() {
			return errAborted
		}

		if !snap.Finished && r.clock.Now().Sub(snap.LastReload) >= interval {
			if err := r.reload(); errors.Is(err, errAborted) {
				return err
			}
			snap = r.variant.Snapshot()
			interval = snap.Target() / 2
		}

		if snap.Expired(r.seq) {
			skipped := snap.StartSequence - r.seq
			r.logger.Warn("position expired from playlist window, skipping forward",
				"from", r.seq,
				"to", snap.StartSequence,
				"skipped", skipped,
			)
			r.metrics.AddSegmentsExpired(skipped)
			r.setSequence(snap.StartSequence)
		}

		if r.seq >= snap.EndSequence() {
			if snap.Finished {
				return io.EOF
			}

			if r.reloadFailures > 0 {
				if r.reloadExhausted() {
					return fmt.Errorf("%w: %d failed attempts for %s",
						ErrReloadTimeout, r.reloadFailures, snap.PlaylistURL)
				}
				if err := r.sleep(r.cfg.ReloadRetryDelay); err != nil {
					return err
				}
				continue
			}

			if err := r.waitUntil(snap.LastReload.Add(interval)); err != nil {
				return err
			}
			continue
		}

		seg, _ := snap.Segment(r.seq)
		r.state = StateOpenPending

		err := r.open(seg)
		if err == nil {
			r.started(snap, seg)
			return nil
		}

		r.state = StateNoInput
		if r.aborted() {
			return errAborted
		}

		expiry := max(r.cfg.SegmentExpiry, snap.Target()) + time.Second
		if r.clock.Now().Sub(r.lastOpen) >= expiry {
			r.logger.Warn("skipping segment after repeated open failures",
				"sequence", seg.Sequence,
				"url", seg.URL,
				"error", err,
			)
			r.metrics.IncSegmentsSkipped()
			r.lastOpen = r.clock.Now()
			r.setSequence(r.seq + 1)
			r.segmentEnded = true
			r.evaluateBandwidth()
			return &SegmentError{Sequence: seg.Sequence, URL: seg.URL, Err: err}
		}

		r.logger.Debug("segment open failed, retrying",
			"sequence", seg.Sequence,
			"url", seg.URL,
			"error", err,
		)
		if err := r.sleep(r.cfg.OpenRetryDelay); err != nil {
			return err
		}
		snap = r.variant.Snapshot()
	}
}

func (r *Reader) started(snap variant.Snapshot, seg segment.Segment) {
	r.state = StateStreaming
	r.current = seg
	r.lastOpen = r.clock.Now()
	r.budget = 1 + int(seg.Duration/2)
	r.stallSince = time.Time{}

	r.segStart = r.anchorStart + snap.Offset(r.anchorSeq, r.seq)
	r.anchorSeq, r.anchorStart = r.seq, r.segStart

	r.logger.Debug("opened segment",
		"sequence", seg.Sequence,
		"url", seg.URL,
		"duration", seg.Duration,
		"encrypted", seg.Encrypted(),
		"start", r.segStart,
	)
}

func (r *Reader) open(seg segment.Segment) error {
	var key []byte
	if seg.Encrypted() {
		k, err := r.segmentKey(seg.KeyURL)
		if err != nil {
			return err
		}
		key = k
	}

	in, err := r.transport.Open(r.ctx, seg.URL, r.request)
	if err != nil {
		return err
	}

	if key != nil {
		dec, err := transport.NewDecrypter(in, key, seg.IV[:])
		if err != nil {
			in.Close()
			return err
		}
		in = dec
	}

	r.input = in
	return nil
}

// segmentKey returns the key for url, fetching it when it differs from the
// last one used.
func (r *Reader) segmentKey(url string) ([]byte, error) {
	if r.key != nil && url == r.keyURL {
		return r.key, nil
	}

	key, err := transport.ReadKey(r.ctx, r.transport, url, r.request)
	if err != nil {
		r.logger.Warn("failed to fetch decryption key", "url", url, "error", err)
		return nil, err
	}

	r.keyURL, r.key = url, key
	return key, nil
}

func (r *Reader) reload() error {
	url := r.variant.PlaylistURL()

	media, err := r.loader.LoadMedia(r.ctx, url)
	if err != nil {
		if r.aborted() {
			return errAborted
		}
		r.reloadFailures++
		if r.reloadFailingSince.IsZero() {
			r.reloadFailingSince = r.clock.Now()
		}
		r.metrics.IncReloadFailures()
		r.logger.Warn("failed to reload playlist",
			"url", url,
			"attempt", r.reloadFailures,
			"error", err,
		)
		return err
	}

	r.variant.Replace(media, r.clock.Now())
	r.reloadFailures = 0
	r.reloadFailingSince = time.Time{}
	r.reloads.Add(1)
	r.metrics.IncPlaylistReloads()

	r.logger.Debug("reloaded playlist",
		"url", url,
		"start", media.StartSequence,
		"segments", len(media.Segments),
		"finished", media.Finished,
	)
	return nil
}

func (r *Reader) reloadExhausted() bool {
	return r.reloadFailures > r.cfg.MaxReloadRetries ||
		r.clock.Now().Sub(r.reloadFailingSince) >= r.cfg.ReloadTimeout
}

// evaluateBandwidth moves the variant to the best rendition for the
// current estimate. The new playlist is loaded before the next open.
func (r *Reader) evaluateBandwidth() {
	if len(r.renditions) < 2 {
		return
	}

	bps, ok := r.estimator.Estimate()
	if !ok {
		return
	}
	r.metrics.SetBandwidth(bps)

	tiers := make([]int, len(r.renditions))
	for i, rd := range r.renditions {
		tiers[i] = rd.Bandwidth
	}
	next := r.renditions[bandwidth.Select(tiers, bps, r.cfg.SwitchMargin)]

	current := r.variant.Bandwidth()
	if next.Bandwidth == current {
		return
	}

	r.logger.Info("switching variant",
		"from", current,
		"to", next.Bandwidth,
		"estimate", bps,
		"url", next.PlaylistURL,
	)
	r.variant.SwitchTo(next)
	r.switches.Add(1)
	r.metrics.IncVariantSwitches()
	r.metrics.SetVariantBandwidth(next.Bandwidth)
}

func (r *Reader) sleep(d time.Duration) error {
	for d > 0 {
		if r.aborted() {
			return errAborted
		}
		step := min(d, r.cfg.PollInterval)
		if err := r.clock.Sleep(r.ctx, step); err != nil {
			return errAborted
		}
		d -= step
	}
	if r.aborted() {
		return errAborted
	}
	return nil
}

func (r *Reader) waitUntil(deadline time.Time) error {
	for {
		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			return nil
		}
		if err := r.sleep(min(remaining, r.cfg.PollInterval)); err != nil {
			return err
		}
	}
}

func (r *Reader) aborted() bool {
	if r.ctx.Err() != nil {
		return true
	}
	return r.abort != nil && r.abort()
}

func (r *Reader) closeInput() {
	if r.input != nil {
		r.input.Close()
		r.input = nil
	}
	r.state = StateNoInput
}

func (r *Reader) setSequence(seq int) {
	r.seq = seq
	r.sequence.Store(int64(seq))
}

// Reposition closes the open segment and continues at seq.
func (r *Reader) Reposition(seq int) {
	r.closeInput()
	r.setSequence(seq)
	r.segmentEnded = false
	r.lastOpen = r.clock.Now()
	r.stallSince = time.Time{}
}

// Resync moves a reader that stopped because it was not needed to seq,
// the position the rest of the session has reached.
func (r *Reader) Resync(seq int) {
	r.logger.Debug("resyncing reader", "from", r.seq, "to", seq)
	r.Reposition(seq)
}

// Restart repositions at seq and anchors the timeline so that seq starts
// at the given position. It is used when the playlist is replaced by an
// unrelated one.
func (r *Reader) Restart(seq int, at time.Duration) {
	r.Reposition(seq)
	r.anchorSeq, r.anchorStart = seq, at
}

// SetRenditions replaces the bandwidth tiers.
func (r *Reader) SetRenditions(renditions []variant.Rendition) {
	r.renditions = renditions
}

// TakeSegmentEnd reports whether a segment boundary was crossed since the
// last call.
func (r *Reader) TakeSegmentEnd() bool {
	ended := r.segmentEnded
	r.segmentEnded = false
	return ended
}

// SegmentStart returns the timeline position of the most recently opened segment.
func (r *Reader) SegmentStart() time.Duration {
	return r.segStart
}

// SegmentEnd returns the timeline position where the most recently opened
// segment ends.
func (r *Reader) SegmentEnd() time.Duration {
	return r.segStart + r.current.Length()
}

// PositionOf returns the timeline position where segment seq starts.
func (r *Reader) PositionOf(snap variant.Snapshot, seq int) time.Duration {
	return r.anchorStart + snap.Offset(r.anchorSeq, seq)
}

// TimelineStart returns the timeline position of the first segment in the
// current playlist window.
func (r *Reader) TimelineStart(snap variant.Snapshot) time.Duration {
	return r.PositionOf(snap, snap.StartSequence)
}

// State returns the state of the open/stream cycle.
func (r *Reader) State() State {
	return r.state
}

// RetryBudget returns the remaining empty-read budget of the open segment.
func (r *Reader) RetryBudget() int {
	return r.budget
}

// Variant returns the variant being read.
func (r *Reader) Variant() *variant.Variant {
	return r.variant
}

// Close releases the open segment.
func (r *Reader) Close() error {
	r.closeInput()
	return nil
}

// Sequence returns the sequence number of the segment being read or next
// to be read.
func (r *Reader) Sequence() int {
	return int(r.sequence.Load())
}

// SegmentsRead returns the number of segments read to the end.
func (r *Reader) SegmentsRead() int64 {
	return r.segments.Load()
}

// BytesRead returns the number of bytes returned by Read.
func (r *Reader) BytesRead() int64 {
	return r.bytes.Load()
}

// Reloads returns the number of successful playlist reloads.
func (r *Reader) Reloads() int64 {
	return r.reloads.Load()
}

// Switches returns the number of bandwidth driven variant switches.
func (r *Reader) Switches() int64 {
	return r.switches.Load()
}
