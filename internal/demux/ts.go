package demux

import (
	"errors"
	"fmt"
	"io"

	"github.com/livepeer/joy4/av"
	"github.com/livepeer/joy4/format/ts"
)

// TS demuxes MPEG transport streams.
type TS struct{}

// Probe implements PacketSource.
func (TS) Probe(head []byte) Format {
	return Probe(head)
}

// Open reads the program tables from r and returns a demuxer positioned at
// the first packet.
func (TS) Open(r io.Reader, f Format) (Demuxer, error) {
	if f != FormatMPEGTS {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}

	dmx := ts.NewDemuxer(r)
	codecs, err := dmx.Streams()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream tables: %w", normalizeEOF(err))
	}

	streams := make([]StreamInfo, len(codecs))
	for i, c := range codecs {
		streams[i] = streamInfo(c)
	}

	return &tsDemuxer{dmx: dmx, streams: streams}, nil
}

func streamInfo(c av.CodecData) StreamInfo {
	t := c.Type()
	info := StreamInfo{Codec: t.String()}
	switch {
	case t.IsVideo():
		info.Kind = KindVideo
	case t.IsAudio():
		info.Kind = KindAudio
	}
	return info
}

type tsDemuxer struct {
	dmx     *ts.Demuxer
	streams []StreamInfo
}

func (d *tsDemuxer) Streams() []StreamInfo {
	return d.streams
}

func (d *tsDemuxer) ReadPacket() (Packet, error) {
	pkt, err := d.dmx.ReadPacket()
	if err != nil {
		return Packet{}, normalizeEOF(err)
	}

	return Packet{
		Stream:   int(pkt.Idx),
		DTS:      pkt.Time,
		PTS:      pkt.Time + pkt.CompositionTime,
		Keyframe: pkt.IsKeyFrame,
		Data:     pkt.Data,
	}, nil
}

func (d *tsDemuxer) Close() error {
	return nil
}

// normalizeEOF maps a transport stream cut mid-packet to a clean end of input.
func normalizeEOF(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
