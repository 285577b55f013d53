package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20 ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// MediaSource provides local audio and video tracks. Capture devices are
// outside this process, so the audio track carries silence frames; callers
// with real media write their own samples to the tracks.
type MediaSource struct {
	StreamID string

	mu     sync.Mutex
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
}

// NewMediaSource returns a source whose tracks belong to streamID.
func NewMediaSource(streamID string) *MediaSource {
	return &MediaSource{StreamID: streamID}
}

// Acquire creates the local tracks and starts the silence pump.
func (s *MediaSource) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio != nil {
		return nil
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", s.StreamID)
	if err != nil {
		return fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", s.StreamID)
	if err != nil {
		return fmt.Errorf("video track: %w", err)
	}
	s.audio, s.video = audio, video

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go pump(pumpCtx, audio)
	return nil
}

func pump(ctx context.Context, t *webrtc.TrackLocalStaticSample) {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			_ = t.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
		}
	}
}

// Tracks returns the acquired tracks, or nil before Acquire.
func (s *MediaSource) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return nil
	}
	return []webrtc.TrackLocal{s.audio, s.video}
}

// Release stops the pump and drops the tracks.
func (s *MediaSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.audio, s.video = nil, nil
}
