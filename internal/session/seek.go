package session

import (
	"fmt"
	"time"

	"github.com/agleyzer/hlsreader/internal/demux"
)

// SeekFlags modify Seek.
type SeekFlags int

const (
	// SeekByte requests a byte position, which HLS cannot honor.
	SeekByte SeekFlags = 1 << iota

	// SeekKeyframe delays delivery until a keyframe at or after the target.
	SeekKeyframe
)

type seekRequest struct {
	stream   int
	target   time.Duration
	keyframe bool
}

// seekFilter discards packets until the seek target is reached. With
// after set, delivery resumes at the first DTS past target.
type seekFilter struct {
	target   time.Duration
	keyframe bool
	after    bool
}

func (f *seekFilter) reached(p demux.Packet) bool {
	if f.after {
		return p.DTS > f.target
	}
	ts := p.PTS
	if ts == demux.NoTimestamp {
		ts = p.DTS
	}
	return ts >= f.target && (!f.keyframe || p.Keyframe)
}

// Seek moves every stream to ts on the session timeline. Stream -1 means
// the timeline itself; any other index must exist in the stream table.
// The request is applied by the next ReadPacket, which discards packets
// until the target is reached.
func (s *Session) Seek(stream int, ts time.Duration, flags SeekFlags) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if flags&SeekByte != 0 {
		return fmt.Errorf("%w: byte seek", ErrUnsupported)
	}
	if stream < -1 || stream >= len(s.streams) {
		return fmt.Errorf("invalid stream index %d", stream)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live && s.tiers > 1 {
		return fmt.Errorf("%w: seek in live stream with %d variants", ErrUnsupported, s.tiers)
	}

	s.pendingSeek = &seekRequest{
		stream:   stream,
		target:   ts,
		keyframe: flags&SeekKeyframe != 0,
	}
	s.seeks.Add(1)
	s.metrics.IncSeeks()

	s.logger.Info("seek requested", "stream", stream, "target", ts, "keyframe", flags&SeekKeyframe != 0)
	return nil
}

// applySeek positions every track on the segment nearest to the target
// and arms the seek filter.
func (s *Session) applySeek(req seekRequest) {
	target := req.target

	for _, t := range s.tracks {
		snap := t.reader.Variant().Snapshot()

		windowStart := t.reader.TimelineStart(snap)
		target = min(max(target, windowStart), windowStart+snap.Duration())

		seq := snap.Locate(target - windowStart)
		at := t.reader.PositionOf(snap, seq)
		t.reader.Reposition(seq)
		t.reanchor(at, true)

		s.logger.Debug("repositioned for seek",
			"variant", t.index,
			"target", target,
			"sequence", seq,
			"segment_start", at,
		)
	}

	s.seek = &seekFilter{target: target, keyframe: req.keyframe}
}

// Migrate switches the session to another playlist URL, such as a new
// server for the same presentation. The output stream table is kept. A
// finished playlist resumes after the last delivered packet; a live one
// resumes at its window start with the timeline continuing.
func (s *Session) Migrate(url string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if url == "" {
		return fmt.Errorf("empty playlist URL")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingMigrate = url
	s.logger.Info("migration requested", "url", url)
	return nil
}

func (s *Session) applyMigrate(url string) error {
	renditions, media, err := s.bootstrap(s.ctx, url)
	if err != nil {
		return fmt.Errorf("failed to migrate to %s: %w", url, err)
	}

	s.estimator.Reset()

	for _, t := range s.tracks {
		r := t.reader
		v := r.Variant()
		origin := r.TimelineStart(v.Snapshot())
		at := r.SegmentEnd()

		v.SwitchTo(renditions[0])
		v.Replace(media, s.clock.Now())
		r.SetRenditions(renditions)

		if !media.Finished {
			// A live window has no common origin with the old one.
			r.Restart(media.StartSequence, at)
			t.reanchor(at, false)
			continue
		}

		// The same presentation served elsewhere: keep the origin and
		// continue inside the segment that was playing.
		snap := v.Snapshot()
		pos := origin
		if s.delivered {
			pos = s.lastDTS
		}
		seq := snap.Containing(pos - origin)
		r.Restart(snap.StartSequence, origin)
		r.Reposition(seq)
		t.reanchor(r.PositionOf(snap, seq), false)

		s.logger.Debug("repositioned for migration",
			"variant", t.index,
			"position", pos,
			"sequence", seq,
		)
	}

	if media.Finished && s.delivered {
		s.seek = &seekFilter{target: s.lastDTS, after: true}
	}

	s.mu.Lock()
	s.url = url
	s.live = !media.Finished
	s.tiers = len(renditions)
	s.duration = presentationDuration(media)
	s.mu.Unlock()

	s.metrics.SetVariantBandwidth(renditions[0].Bandwidth)
	s.logger.Info("migrated",
		"url", url,
		"renditions", len(renditions),
		"live", !media.Finished,
	)
	return nil
}
