package session

import (
	"time"

	"github.com/agleyzer/hlsreader/internal/demux"
)

const (
	// jumpThreshold is the raw timestamp gap treated as a discontinuity.
	jumpThreshold = 5 * time.Second

	// jumpConfirm is the number of consecutive jumped packets needed
	// before the stream is re-based.
	jumpConfirm = 5

	// maxMissingTimestamps is the run of untimed packets after which the
	// next timed packet re-bases its stream.
	maxMissingTimestamps = 10
)

// timeline maps raw demuxer timestamps of one elementary stream onto the
// session timeline.
type timeline struct {
	started bool
	base    time.Duration
	lastRaw time.Duration

	force   bool
	missing int

	jumpCount int
	jumpRaw   time.Duration
	jumpStart time.Duration

	hasLast bool
	lastDTS time.Duration
}

func (tl *timeline) restart() {
	tl.started = false
	tl.force = false
	tl.missing = 0
	tl.jumpCount = 0
}

// rebase shifts p onto the session timeline. It returns false for packets
// without any timestamp, which are not delivered.
func (t *track) rebase(p demux.Packet) (demux.Packet, bool) {
	tl := t.timelines[p.Stream]

	if !p.HasTimestamp() {
		tl.missing++
		if tl.missing > maxMissingTimestamps {
			tl.force = true
		}
		return p, false
	}
	tl.missing = 0

	raw := p.DTS
	if raw == demux.NoTimestamp {
		raw = p.PTS
	}

	if !t.anchored {
		t.anchored = true
		t.base = t.anchorAt - raw
		for _, other := range t.timelines {
			other.restart()
		}
	}

	shift := t.shift(tl, raw)

	out := p
	if out.DTS != demux.NoTimestamp {
		out.DTS += shift
	}
	if out.PTS != demux.NoTimestamp {
		out.PTS += shift
	}
	if out.DTS == demux.NoTimestamp {
		out.DTS = out.PTS
	}

	if tl.hasLast && out.DTS < tl.lastDTS {
		delta := tl.lastDTS - out.DTS
		out.DTS += delta
		if out.PTS != demux.NoTimestamp {
			out.PTS += delta
		}
	}
	tl.hasLast = true
	tl.lastDTS = out.DTS

	return out, true
}

// shift returns the offset for a packet with the given raw timestamp,
// updating the stream's base when a discontinuity is confirmed.
func (t *track) shift(tl *timeline, raw time.Duration) time.Duration {
	segStart := t.reader.SegmentStart()

	switch {
	case !tl.started:
		tl.started = true
		tl.base = t.base

	case tl.force:
		tl.force = false
		tl.jumpCount = 0
		tl.base = segStart - raw
		t.base = tl.base
		t.logger.Debug("re-based stream after missing timestamps", "start", segStart)

	case raw-tl.lastRaw > jumpThreshold || tl.lastRaw-raw > jumpThreshold:
		if tl.jumpCount == 0 {
			tl.jumpRaw, tl.jumpStart = raw, segStart
		}
		tl.jumpCount++

		// Until confirmed the jump may be an outlier; place it at the
		// segment start without moving the base.
		base := tl.jumpStart - tl.jumpRaw
		if tl.jumpCount < jumpConfirm {
			return base
		}
		tl.base = base
		t.base = base
		tl.jumpCount = 0
		t.logger.Debug("re-based stream after timestamp jump",
			"start", tl.jumpStart,
			"gap", raw-tl.lastRaw,
		)

	default:
		tl.jumpCount = 0
	}

	tl.lastRaw = raw
	return tl.base
}
