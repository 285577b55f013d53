package call

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PionConfig configures peer sessions.
type PionConfig struct {
	ICEServers []webrtc.ICEServer
	// IncludeLoopback adds loopback host candidates, needed when both ends
	// run on one machine.
	IncludeLoopback bool
}

// ParseICEServers turns STUN/TURN URLs into pion ICE servers. TURN
// credentials may be given inline as "user:credential@turn:host:port".
func ParseICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		srv := webrtc.ICEServer{}
		if creds, rest, ok := strings.Cut(u, "@"); ok {
			u = rest
			if user, pass, ok := strings.Cut(creds, ":"); ok {
				srv.Username = user
				srv.Credential = pass
			}
		}
		srv.URLs = []string{u}
		out = append(out, srv)
	}
	return out
}

// PionSession is a Negotiator backed by a pion PeerConnection. Remote ICE
// candidates that arrive before the remote description are buffered.
type PionSession struct {
	pc     *webrtc.PeerConnection
	hooks  Hooks
	tracks int

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
}

// NewPionFactory returns a NegotiatorFactory that attaches the tracks of
// media (when acquired) to every new session.
func NewPionFactory(cfg PionConfig, media *MediaSource) NegotiatorFactory {
	return func(h Hooks) (Negotiator, error) {
		return NewPionSession(cfg, media, h)
	}
}

// NewPionSession creates a PeerConnection and wires its callbacks to h.
func NewPionSession(cfg PionConfig, media *MediaSource, h Hooks) (*PionSession, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	s := &PionSession{pc: pc, hooks: h}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnCandidate == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		h.OnCandidate(b)
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnRemoteTrack != nil {
			h.OnRemoteTrack()
		}
		buf := make([]byte, 1500)
		for {
			if _, _, err := tr.Read(buf); err != nil {
				return
			}
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			if h.OnConnected != nil {
				h.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if h.OnFailed != nil {
				h.OnFailed()
			}
		}
	})

	if media != nil {
		for _, t := range media.Tracks() {
			sender, err := pc.AddTrack(t)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("adding %s track: %w", t.Kind(), err)
			}
			s.tracks++
			go drainRTCP(sender)
		}
	}
	return s, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Offer creates and applies a local offer. A session without local tracks
// offers to receive audio and video.
func (s *PionSession) Offer(context.Context) (json.RawMessage, error) {
	if s.tracks == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return nil, fmt.Errorf("adding %s transceiver: %w", kind, err)
			}
		}
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	return json.Marshal(s.pc.LocalDescription())
}

// Accept applies a remote offer and returns the local answer.
func (s *PionSession) Accept(_ context.Context, offer json.RawMessage) (json.RawMessage, error) {
	if err := s.setRemote(offer, webrtc.SDPTypeOffer); err != nil {
		return nil, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	return json.Marshal(s.pc.LocalDescription())
}

// Complete applies the remote answer to a local offer.
func (s *PionSession) Complete(answer json.RawMessage) error {
	return s.setRemote(answer, webrtc.SDPTypeAnswer)
}

func (s *PionSession) setRemote(raw json.RawMessage, want webrtc.SDPType) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return fmt.Errorf("decoding %s: %w", want, err)
	}
	if sd.Type != want {
		return fmt.Errorf("expected %s, got %s", want, sd.Type)
	}
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("adding buffered candidate: %w", err)
		}
	}
	return nil
}

// AddCandidate applies a remote ICE candidate, buffering it until the remote
// description is known.
func (s *PionSession) AddCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decoding candidate: %w", err)
	}
	if s.pc.RemoteDescription() == nil {
		s.mu.Lock()
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	return s.pc.AddICECandidate(c)
}

// Close shuts the PeerConnection down.
func (s *PionSession) Close() error { return s.pc.Close() }
