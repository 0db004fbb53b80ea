// Package parser provides HLS playlist parsing functionality.
package parser

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/agleyzer/hlsreader/internal/segment"
	"github.com/agleyzer/hlsreader/internal/variant"
	"github.com/grafov/m3u8"
)

var (
	// ErrInvalidData is returned when the playlist does not start with #EXTM3U.
	ErrInvalidData = errors.New("invalid playlist data")

	// ErrEmptyPlaylist is returned for a master playlist without playable
	// variants or a media playlist without segments where one is required.
	ErrEmptyPlaylist = errors.New("empty playlist")
)

const signature = "#EXTM3U"

// PlaylistInfo contains the parsed playlist information.
// Exactly one of Renditions and Media is populated.
type PlaylistInfo struct {
	// IsMaster indicates whether this is a master playlist
	IsMaster bool

	// Renditions lists the variant streams of a master playlist in declared order
	Renditions []variant.Rendition

	// Media holds the content of a media playlist
	Media *variant.Media
}

// Parse decodes playlist text fetched from playlistURL. Relative URIs are
// resolved against playlistURL. Parse has no side effects, so parsing the
// same text twice yields identical results.
func Parse(data []byte, playlistURL string) (*PlaylistInfo, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	first, _, _ := bytes.Cut(data, []byte("\n"))
	if strings.TrimRight(string(first), " \t\r") != signature {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidData, signature)
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType == m3u8.MASTER {
		return parseMasterPlaylist(playlist, playlistURL)
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	media, err := parseMediaPlaylist(mediaPlaylist, playlistURL)
	if err != nil {
		return nil, err
	}

	return &PlaylistInfo{Media: media}, nil
}

// parseMasterPlaylist extracts the playable renditions of a master playlist.
func parseMasterPlaylist(playlist m3u8.Playlist, masterURL string) (*PlaylistInfo, error) {
	masterPlaylist, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	var renditions []variant.Rendition
	for _, v := range masterPlaylist.Variants {
		// I-frame only streams cannot be played sequentially
		if v == nil || v.Iframe {
			continue
		}

		variantURL, err := resolveURL(masterURL, v.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve variant URL: %w", err)
		}

		renditions = append(renditions, variant.Rendition{
			Bandwidth:   int(v.Bandwidth),
			Resolution:  v.Resolution,
			Codecs:      v.Codecs,
			PlaylistURL: variantURL,
		})
	}

	if len(renditions) == 0 {
		return nil, fmt.Errorf("%w: master playlist contains no variants", ErrEmptyPlaylist)
	}

	return &PlaylistInfo{
		IsMaster:   true,
		Renditions: renditions,
	}, nil
}

// parseMediaPlaylist converts a decoded media playlist. EXT-X-KEY stays in
// effect for every following segment until the next EXT-X-KEY.
func parseMediaPlaylist(mediaPlaylist *m3u8.MediaPlaylist, playlistURL string) (*variant.Media, error) {
	start := int(mediaPlaylist.SeqNo)

	var (
		segments []segment.Segment
		key      *m3u8.Key
	)
	for _, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}
		if seg.Key != nil {
			key = seg.Key
		}

		segmentURL, err := resolveURL(playlistURL, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segment URL: %w", err)
		}

		s := segment.Segment{
			URL:           segmentURL,
			Duration:      seg.Duration,
			Sequence:      start + len(segments),
			Discontinuity: seg.Discontinuity,
		}

		if key != nil && key.Method == "AES-128" && key.URI != "" {
			keyURL, err := resolveURL(playlistURL, key.URI)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve key URL: %w", err)
			}
			s.KeyMethod = segment.KeyAES128
			s.KeyURL = keyURL
			s.IV, err = parseIV(key.IV, s.Sequence)
			if err != nil {
				return nil, err
			}
		}

		segments = append(segments, s)
	}

	targetDuration := int(mediaPlaylist.TargetDuration)
	if targetDuration == 0 {
		// If target duration is not set, use the max segment duration
		maxDuration := 0.0
		for _, seg := range segments {
			if seg.Duration > maxDuration {
				maxDuration = seg.Duration
			}
		}
		targetDuration = int(maxDuration) + 1
	}

	return &variant.Media{
		TargetDuration: targetDuration,
		StartSequence:  start,
		Segments:       segments,
		Finished:       mediaPlaylist.Closed,
	}, nil
}

// parseIV decodes an explicit hexadecimal IV, or derives the default IV
// from the sequence number when none is given.
func parseIV(raw string, sequence int) ([16]byte, error) {
	if raw == "" {
		return segment.DefaultIV(sequence), nil
	}

	var iv [16]byte
	digits := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return iv, fmt.Errorf("%w: bad IV %q", ErrInvalidData, raw)
	}
	if len(b) > len(iv) {
		return iv, fmt.Errorf("%w: IV %q longer than 16 bytes", ErrInvalidData, raw)
	}

	copy(iv[len(iv)-len(b):], b)
	return iv, nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	// Resolve the relative URL against the base
	resolved := base.ResolveReference(rel)
	return resolved.String(), nil
}
