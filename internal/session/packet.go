package session

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/agleyzer/hlsreader/internal/demux"
	"github.com/agleyzer/hlsreader/internal/reader"
)

// Reasons reported with dropped packets.
const (
	dropNoTimestamp   = "no_timestamp"
	dropSeek          = "seek"
	dropDiscarded     = "discarded"
	dropUnknownStream = "unknown_stream"
)

// ReadPacket returns the next packet across all needed streams in
// ascending DTS order, with timestamps on the session timeline. It
// returns io.EOF at the end of the presentation, when every stream is
// discarded, and after Abort.
func (s *Session) ReadPacket() (demux.Packet, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.closed.Load() {
		return demux.Packet{}, ErrClosed
	}
	if s.aborted.Load() {
		return demux.Packet{}, io.EOF
	}

	if err := s.applyPending(); err != nil {
		return demux.Packet{}, err
	}

	if !s.started {
		s.started = true
		s.recheckNeeded(false)
	}

	for {
		var next *track
		for _, t := range s.tracks {
			if !t.needed {
				continue
			}
			if err := s.fill(t); err != nil {
				return demux.Packet{}, err
			}
			if t.pkt != nil && (next == nil || t.pkt.DTS < next.pkt.DTS) {
				next = t
			}
		}
		if next == nil {
			return demux.Packet{}, io.EOF
		}

		pkt := *next.pkt
		next.pkt = nil

		if s.discarded[pkt.Stream] {
			s.drop(dropDiscarded)
			continue
		}

		s.lastDTS, s.delivered = pkt.DTS, true
		s.packets.Add(1)
		s.metrics.IncPacketsDelivered()
		return pkt, nil
	}
}

// fill buffers the next deliverable packet of t unless one is buffered
// already or the track is exhausted.
func (s *Session) fill(t *track) error {
	for t.pkt == nil && !t.eof {
		if s.aborted.Load() {
			t.eof = true
			return nil
		}

		if t.dmx == nil {
			if err := t.openDemuxer(); err != nil {
				if errors.Is(err, io.EOF) {
					t.eof = true
					return nil
				}
				return err
			}
		}

		pkt, err := t.dmx.ReadPacket()
		if t.reader.TakeSegmentEnd() {
			s.recheckNeeded(false)
		}
		if err != nil {
			var segErr *reader.SegmentError
			switch {
			case errors.Is(err, io.EOF):
				t.eof = true
			case errors.As(err, &segErr):
				s.logger.Warn("segment skipped",
					"sequence", segErr.Sequence,
					"url", segErr.URL,
					"error", segErr.Err,
				)
			default:
				return fmt.Errorf("failed to read packet: %w", err)
			}
			continue
		}

		if pkt.Stream < 0 || pkt.Stream >= len(t.timelines) {
			s.drop(dropUnknownStream)
			continue
		}

		out, ok := t.rebase(pkt)
		if !ok {
			s.drop(dropNoTimestamp)
			continue
		}
		out.Stream = s.outputIndex(t, pkt.Stream)

		if s.seek != nil {
			if !s.seek.reached(out) {
				s.drop(dropSeek)
				continue
			}
			s.logger.Debug("seek target reached", "target", s.seek.target, "dts", out.DTS)
			s.seek = nil
		}

		t.pkt = &out
	}
	return nil
}

func (s *Session) outputIndex(t *track, local int) int {
	for _, st := range s.streams {
		if st.Variant == t.index && st.Local == local {
			return st.Index
		}
	}
	return local
}

func (s *Session) drop(reason string) {
	s.dropped.Add(1)
	s.metrics.IncPacketsDropped(reason)
}

// recheckNeeded recomputes which tracks have a stream that is not
// discarded. A track that stops being needed is let run to the end of its
// segment; one that becomes needed again resumes at the session's current
// sequence number. With enableOnly, tracks are only switched on.
func (s *Session) recheckNeeded(enableOnly bool) {
	for _, t := range s.tracks {
		needed := false
		for _, st := range s.streams {
			if st.Variant == t.index && !s.discarded[st.Index] {
				needed = true
				break
			}
		}

		if needed == t.needed || (enableOnly && !needed) {
			continue
		}

		if !needed {
			s.logger.Info("variant no longer needed", "variant", t.index)
			t.needed = false
			continue
		}

		seq := s.sequence(t)
		s.logger.Info("variant needed again, resyncing", "variant", t.index, "sequence", seq)
		t.needed = true
		t.reader.Resync(seq)
		snap := t.reader.Variant().Snapshot()
		t.reanchor(t.reader.PositionOf(snap, seq), false)
	}
}

// sequence returns the furthest sequence number among the needed tracks,
// or the sequence of fallback when none is needed.
func (s *Session) sequence(fallback *track) int {
	seq, found := 0, false
	for _, t := range s.tracks {
		if t.needed && (!found || t.reader.Sequence() > seq) {
			seq, found = t.reader.Sequence(), true
		}
	}
	if !found {
		return fallback.reader.Sequence()
	}
	return seq
}

// SetDiscard marks an output stream as unwanted by the caller. Packets of
// discarded streams are not delivered, and a variant whose streams are all
// discarded stops fetching segments.
func (s *Session) SetDiscard(stream int, discard bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if stream < 0 || stream >= len(s.streams) {
		return fmt.Errorf("invalid stream index %d", stream)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.discard[stream] != discard {
		s.discard[stream] = discard
		s.discardDirty = true
	}
	return nil
}

// applyPending takes over the requests posted by the control role.
func (s *Session) applyPending() error {
	s.mu.Lock()
	seek := s.pendingSeek
	migrate := s.pendingMigrate
	dirty := s.discardDirty
	discard := slices.Clone(s.discard)
	s.pendingSeek = nil
	s.pendingMigrate = ""
	s.discardDirty = false
	s.mu.Unlock()

	if migrate != "" {
		if err := s.applyMigrate(migrate); err != nil {
			return err
		}
	}

	if seek != nil {
		s.applySeek(*seek)
	}

	if dirty {
		s.discarded = discard
		s.recheckNeeded(true)
	}
	return nil
}
