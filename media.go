package callsdk

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// LocalStream bundles the local tracks attached to a call's connections.
// Either track may be nil (audio-only calls carry no video track).
type LocalStream struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if s.Audio != nil {
		tracks = append(tracks, s.Audio)
	}
	if s.Video != nil {
		tracks = append(tracks, s.Video)
	}
	return tracks
}

// MediaProvider acquires and releases local capture streams. Acquisition
// failures (no device, permission denied) surface as ErrMediaAcquisition
// from the call flows, before any signaling record is touched.
type MediaProvider interface {
	GetUserMedia(ctx context.Context, kind CallType) (*LocalStream, error)
	Release(stream *LocalStream)
}

// StreamTransform is an opaque stream processor (virtual background,
// noise cancellation). It takes a stream and a preset descriptor and
// returns a replacement stream; the SDK only swaps the resulting tracks
// onto live connections and never looks inside.
type StreamTransform func(ctx context.Context, in *LocalStream, preset string) (*LocalStream, error)
