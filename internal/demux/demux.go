// Package demux defines the packet source interface the session reads
// elementary stream packets from.
package demux

import (
	"bytes"
	"errors"
	"io"
	"math"
	"time"
)

// NoTimestamp marks a missing PTS or DTS.
const NoTimestamp = time.Duration(math.MinInt64)

// ErrUnsupportedFormat is returned when no demuxer handles the probed format.
var ErrUnsupportedFormat = errors.New("unsupported container format")

// Format is the container detected by Probe.
type Format string

const (
	FormatUnknown Format = ""
	FormatMPEGTS  Format = "mpegts"
	FormatFMP4    Format = "fmp4"
	FormatID3     Format = "id3"
)

// MediaKind classifies an elementary stream.
type MediaKind int

const (
	KindUnknown MediaKind = iota
	KindVideo
	KindAudio
)

func (k MediaKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// StreamInfo describes one elementary stream of a demuxer.
type StreamInfo struct {
	Kind  MediaKind
	Codec string
}

// Packet is one demuxed access unit.
type Packet struct {
	// Stream is the index into the stream table
	Stream int

	PTS time.Duration
	DTS time.Duration

	Keyframe bool
	Data     []byte
}

// HasTimestamp reports whether the packet carries a PTS or a DTS.
func (p Packet) HasTimestamp() bool {
	return p.PTS != NoTimestamp || p.DTS != NoTimestamp
}

// Demuxer yields packets from a byte stream.
type Demuxer interface {
	Streams() []StreamInfo

	// ReadPacket returns the next packet, or io.EOF at the end of input.
	ReadPacket() (Packet, error)

	Close() error
}

// PacketSource opens demuxers.
type PacketSource interface {
	Probe(head []byte) Format
	Open(r io.Reader, f Format) (Demuxer, error)
}

const tsPacketSize = 188

// Probe guesses the container format from the first bytes of a segment.
func Probe(head []byte) Format {
	switch {
	case len(head) > 0 && head[0] == 0x47 && (len(head) <= tsPacketSize || head[tsPacketSize] == 0x47):
		return FormatMPEGTS
	case len(head) >= 8 && isBox(head[4:8]):
		return FormatFMP4
	case bytes.HasPrefix(head, []byte("ID3")):
		return FormatID3
	}
	return FormatUnknown
}

func isBox(name []byte) bool {
	switch string(name) {
	case "ftyp", "styp", "moof", "sidx":
		return true
	}
	return false
}
