// Package variant defines data structures for HLS variant streams.
package variant

import (
	"sort"
	"sync"
	"time"

	"github.com/agleyzer/hlsreader/internal/segment"
)

// Rendition is one entry of a master playlist.
type Rendition struct {
	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080")
	// Empty string if not specified in master playlist
	Resolution string

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	// Empty string if not specified in master playlist
	Codecs string

	// PlaylistURL is the absolute URL of the media playlist
	PlaylistURL string
}

// SortRenditions orders renditions by ascending bandwidth, keeping the
// declared order for equal bandwidths.
func SortRenditions(r []Rendition) {
	sort.SliceStable(r, func(i, j int) bool {
		return r[i].Bandwidth < r[j].Bandwidth
	})
}

// Media is the content of one parsed media playlist.
type Media struct {
	// TargetDuration is the maximum segment duration in seconds
	TargetDuration int

	// StartSequence is the media sequence number of Segments[0]
	StartSequence int

	// Segments in playlist order
	Segments []segment.Segment

	// Finished is set by EXT-X-ENDLIST
	Finished bool
}

// Variant is the live state of the media playlist a reader is consuming.
// Reloads replace the segment list as a unit; readers work on Snapshots.
type Variant struct {
	mu          sync.RWMutex
	bandwidth   int
	playlistURL string
	media       Media
	lastReload  time.Time
}

// New creates a variant for the given rendition with no segments loaded.
func New(r Rendition) *Variant {
	return &Variant{
		bandwidth:   r.Bandwidth,
		playlistURL: r.PlaylistURL,
	}
}

// Replace installs a freshly parsed media playlist.
func (v *Variant) Replace(m *Media, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.media = *m
	v.lastReload = now
}

// SwitchTo points the variant at another rendition and forces a reload
// before the next segment is opened.
func (v *Variant) SwitchTo(r Rendition) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.bandwidth = r.Bandwidth
	v.playlistURL = r.PlaylistURL
	v.media.Finished = false
	v.lastReload = time.Time{}
}

// Bandwidth returns the declared bandwidth of the current rendition.
func (v *Variant) Bandwidth() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.bandwidth
}

// PlaylistURL returns the media playlist URL of the current rendition.
func (v *Variant) PlaylistURL() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.playlistURL
}

// Snapshot returns an immutable view of the current state.
func (v *Variant) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return Snapshot{
		Bandwidth:      v.bandwidth,
		PlaylistURL:    v.playlistURL,
		TargetDuration: v.media.TargetDuration,
		StartSequence:  v.media.StartSequence,
		Segments:       v.media.Segments,
		Finished:       v.media.Finished,
		LastReload:     v.lastReload,
	}
}

// Snapshot is a point-in-time copy of a Variant. The segment slice is
// shared with the variant but never mutated after a reload.
type Snapshot struct {
	Bandwidth      int
	PlaylistURL    string
	TargetDuration int
	StartSequence  int
	Segments       []segment.Segment
	Finished       bool
	LastReload     time.Time
}

// EndSequence returns the sequence number one past the last segment.
func (s Snapshot) EndSequence() int {
	return s.StartSequence + len(s.Segments)
}

// Segment returns the segment with the given sequence number.
func (s Snapshot) Segment(seq int) (segment.Segment, bool) {
	i := seq - s.StartSequence
	if i < 0 || i >= len(s.Segments) {
		return segment.Segment{}, false
	}
	return s.Segments[i], true
}

// Expired reports whether seq has slid out of the playlist window.
func (s Snapshot) Expired(seq int) bool {
	return seq < s.StartSequence
}

// Duration returns the sum of all segment durations in the window.
func (s Snapshot) Duration() time.Duration {
	var d time.Duration
	for _, seg := range s.Segments {
		d += seg.Length()
	}
	return d
}

// Target returns the target duration as a time.Duration.
func (s Snapshot) Target() time.Duration {
	return time.Duration(s.TargetDuration) * time.Second
}

// ReloadInterval is the minimum time between playlist reloads: the last
// segment's duration, or the target duration for an empty playlist.
func (s Snapshot) ReloadInterval() time.Duration {
	if n := len(s.Segments); n > 0 {
		return s.Segments[n-1].Length()
	}
	return s.Target()
}

// Offset returns the timeline distance from sequence from to sequence to.
// Sequences outside the window count as one target duration each.
func (s Snapshot) Offset(from, to int) time.Duration {
	if to < from {
		return -s.Offset(to, from)
	}

	var d time.Duration
	for seq := from; seq < to; seq++ {
		if seg, ok := s.Segment(seq); ok {
			d += seg.Length()
		} else {
			d += s.Target()
		}
	}
	return d
}

// Locate maps a position relative to the window start onto a sequence
// number. A position in the first half of a segment selects that segment,
// a position in the second half selects the one after it. Positions at or
// beyond the end select EndSequence.
func (s Snapshot) Locate(pos time.Duration) int {
	var start time.Duration
	for i, seg := range s.Segments {
		d := seg.Length()
		if pos >= start && pos <= start+d/2 {
			return s.StartSequence + i
		}
		if pos > start+d/2 && pos < start+d {
			if i < len(s.Segments)-1 {
				return s.StartSequence + i + 1
			}
			return s.StartSequence + i
		}
		start += d
	}
	return s.EndSequence()
}

// Containing returns the sequence number of the segment playing at pos,
// relative to the window start. Positions at or beyond the end select
// EndSequence.
func (s Snapshot) Containing(pos time.Duration) int {
	var start time.Duration
	for i, seg := range s.Segments {
		start += seg.Length()
		if pos < start {
			return s.StartSequence + i
		}
	}
	return s.EndSequence()
}
