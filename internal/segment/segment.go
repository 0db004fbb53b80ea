// Package segment defines data structures for HLS media segments.
package segment

import (
	"encoding/binary"
	"time"
)

// KeyMethod is the encryption method declared by EXT-X-KEY.
type KeyMethod int

const (
	// KeyNone means the segment is fetched and handed to the demuxer as-is.
	KeyNone KeyMethod = iota
	// KeyAES128 means the whole segment is AES-128-CBC encrypted with PKCS#7 padding.
	KeyAES128
)

func (m KeyMethod) String() string {
	switch m {
	case KeyAES128:
		return "AES-128"
	default:
		return "NONE"
	}
}

// Segment represents a single HLS media segment.
// Segments are immutable once parsed and are replaced as a whole when
// their playlist is reloaded.
type Segment struct {
	// URL is the absolute segment URL
	URL string

	// Duration is the segment duration in seconds
	Duration float64

	// Sequence is the absolute media sequence number of the segment
	Sequence int

	// KeyMethod is the encryption method in effect for this segment
	KeyMethod KeyMethod

	// KeyURL is the absolute key URL; empty when unencrypted
	KeyURL string

	// IV is the AES initialization vector, explicit or derived from Sequence
	IV [16]byte

	// Discontinuity is set when EXT-X-DISCONTINUITY preceded the segment
	Discontinuity bool
}

// Encrypted reports whether the segment must be decrypted before demuxing.
func (s Segment) Encrypted() bool {
	return s.KeyMethod == KeyAES128 && s.KeyURL != ""
}

// Length returns the segment duration as a time.Duration.
func (s Segment) Length() time.Duration {
	return time.Duration(s.Duration * float64(time.Second))
}

// DefaultIV returns the IV used when EXT-X-KEY carries no IV attribute:
// the media sequence number as a big-endian integer in the low bytes.
func DefaultIV(sequence int) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint32(iv[12:], uint32(sequence))
	return iv
}
