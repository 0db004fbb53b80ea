package parser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agleyzer/hlsreader/internal/transport"
	"github.com/agleyzer/hlsreader/internal/variant"
)

// Loader fetches playlists over a transport and parses them.
type Loader struct {
	Transport transport.Transport
	Options   transport.Options

	// MaxSegments caps the number of segments kept per media playlist; 0 disables the cap
	MaxSegments int

	Logger *slog.Logger
}

// Load fetches and parses the playlist at playlistURL.
func (l *Loader) Load(ctx context.Context, playlistURL string) (*PlaylistInfo, error) {
	data, err := transport.ReadAll(ctx, l.Transport, playlistURL, l.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}

	info, err := Parse(data, playlistURL)
	if err != nil {
		return nil, err
	}

	if info.Media != nil && l.MaxSegments > 0 && len(info.Media.Segments) > l.MaxSegments {
		if l.Logger != nil {
			l.Logger.Warn("playlist exceeds segment limit, truncating",
				"url", playlistURL,
				"segments", len(info.Media.Segments),
				"limit", l.MaxSegments,
			)
		}
		info.Media.Segments = info.Media.Segments[:l.MaxSegments]
	}

	return info, nil
}

// LoadMedia fetches a playlist that must be a media playlist.
func (l *Loader) LoadMedia(ctx context.Context, playlistURL string) (*variant.Media, error) {
	info, err := l.Load(ctx, playlistURL)
	if err != nil {
		return nil, err
	}
	if info.IsMaster {
		return nil, fmt.Errorf("expected media playlist, got master playlist at %s", playlistURL)
	}
	return info.Media, nil
}
