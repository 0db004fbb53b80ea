package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/agleyzer/hlsreader/internal/demux"
	"github.com/agleyzer/hlsreader/internal/reader"
)

const (
	readBufferSize = 32 * 1024

	// probeSize covers two transport stream packets
	probeSize = 2*188 + 1
)

// track is one variant reader with the demuxer consuming it. All fields
// belong to the reader role.
type track struct {
	index  int
	reader *reader.Reader
	br     *bufio.Reader
	dmx    demux.Demuxer
	source demux.PacketSource
	logger *slog.Logger

	// streams is the stream table of the first demuxer opened
	streams   []demux.StreamInfo
	timelines []*timeline

	pkt    *demux.Packet
	eof    bool
	needed bool

	// anchored is cleared when the next packet must start the timeline at anchorAt
	anchored bool
	anchorAt time.Duration
	base     time.Duration
}

// openDemuxer probes the upcoming bytes and opens a demuxer on them.
func (t *track) openDemuxer() error {
	var head []byte
	for {
		h, err := t.br.Peek(probeSize)
		if len(h) > 0 {
			head = h
			break
		}

		var segErr *reader.SegmentError
		if errors.As(err, &segErr) {
			t.logger.Warn("segment skipped before demuxing",
				"sequence", segErr.Sequence,
				"error", segErr.Err,
			)
			continue
		}
		if err == nil {
			err = io.ErrNoProgress
		}
		return err
	}

	format := t.source.Probe(head)
	dmx, err := t.source.Open(t.br, format)
	if err != nil {
		return fmt.Errorf("failed to open %q demuxer: %w", format, err)
	}
	t.dmx = dmx

	streams := dmx.Streams()
	if t.streams == nil {
		t.streams = streams
		t.timelines = make([]*timeline, len(streams))
		for i := range t.timelines {
			t.timelines[i] = &timeline{}
		}
	} else if len(streams) != len(t.streams) {
		t.logger.Warn("stream layout changed, packets of extra streams are dropped",
			"streams", len(streams),
			"expected", len(t.streams),
		)
	}

	t.logger.Debug("opened demuxer",
		"format", string(format),
		"streams", len(streams),
		"sequence", t.reader.Sequence(),
	)
	return nil
}

// reanchor drops buffered state so that reading resumes at the reader's
// new position with the timeline starting at at. A seek also forgets the
// last delivered timestamps, allowing output to move backwards.
func (t *track) reanchor(at time.Duration, seek bool) {
	t.pkt = nil
	t.eof = false
	t.closeDemuxer()
	t.br.Reset(t.reader)

	t.anchored = false
	t.anchorAt = at
	for _, tl := range t.timelines {
		tl.restart()
		if seek {
			tl.hasLast = false
		}
	}
}

func (t *track) closeDemuxer() {
	if t.dmx != nil {
		t.dmx.Close()
		t.dmx = nil
	}
}

func (t *track) close() {
	t.closeDemuxer()
	t.reader.Close()
}
