// Package call runs the per-call setup automaton on each participant's side.
//
// A Machine moves through idle, calling, ringing, connected and ended. Inputs
// are signals consumed from the relay, local user actions, and events raised
// by the peer session (local ICE candidates, remote tracks, connectivity).
// Every input goes through one dispatch table keyed by (state, kind).
// Once ended, the machine sends nothing more and its poll loop exits.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

// State is a call-setup automaton state.
type State string

const (
	Idle      State = "idle"
	Calling   State = "calling"
	Ringing   State = "ringing"
	Connected State = "connected"
	Ended     State = "ended"
)

// Local actions and session events share the dispatch table with the relay
// signal kinds from the domain package.
const (
	ActionDial   = "dial"
	ActionAnswer = "answer-call"
	ActionReject = "reject-call"
	ActionHangup = "hangup"

	EventLocalCandidate = "local-candidate"
	EventRemoteTrack    = "remote-track"
	EventConnected      = "session-connected"
	EventFailed         = "session-failed"
)

// DefaultPollInterval is the in-call signal poll cadence.
const DefaultPollInterval = 1500 * time.Millisecond

// ErrEnded is returned for actions on a finished call.
var ErrEnded = errors.New("call ended")

// Relay is the signalling channel for one local participant.
type Relay interface {
	SendSignal(ctx context.Context, to, kind string, payload json.RawMessage) error
	FetchSignals(ctx context.Context) ([]domain.Record, error)
}

// Media acquires and releases local capture resources.
type Media interface {
	Acquire(ctx context.Context) error
	Release()
}

// Hooks carry peer-session callbacks back into the machine.
type Hooks struct {
	OnCandidate   func(candidate json.RawMessage)
	OnRemoteTrack func()
	OnConnected   func()
	OnFailed      func()
}

// Negotiator is the peer-session layer: SDP and ICE primitives.
type Negotiator interface {
	Offer(ctx context.Context) (json.RawMessage, error)
	Accept(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	Complete(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	Close() error
}

// NegotiatorFactory creates a session wired to h.
type NegotiatorFactory func(h Hooks) (Negotiator, error)

// Event is one input to the automaton.
type Event struct {
	Kind    string
	From    string
	Payload json.RawMessage
}

// Config wires a Machine.
type Config struct {
	Peer         string // empty for a recipient waiting for an invite
	Relay        Relay
	Media        Media
	NewSession   NegotiatorFactory
	PollInterval time.Duration
	Log          zerolog.Logger
	// OnState, when set, observes every transition. It runs with the machine
	// locked and must not call back into it synchronously.
	OnState func(from, to State)
}

// Machine is one participant's view of one call.
type Machine struct {
	cfg    Config
	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	state    State
	peer     string
	session  Negotiator
	hasMedia bool
	endSent  bool
}

// New returns an idle machine.
func New(cfg Config) *Machine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Machine{
		cfg:    cfg,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		state:  Idle,
		peer:   cfg.Peer,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peer returns the remote identity, once known.
func (m *Machine) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// Done is closed when the machine reaches ended.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Dial starts an outgoing call to the configured peer.
func (m *Machine) Dial(ctx context.Context) error { return m.Handle(ctx, Event{Kind: ActionDial}) }

// Answer accepts a ringing call.
func (m *Machine) Answer(ctx context.Context) error { return m.Handle(ctx, Event{Kind: ActionAnswer}) }

// Reject declines a ringing call.
func (m *Machine) Reject(ctx context.Context) error { return m.Handle(ctx, Event{Kind: ActionReject}) }

// Hangup ends the call from any live state.
func (m *Machine) Hangup(ctx context.Context) error { return m.Handle(ctx, Event{Kind: ActionHangup}) }

type key struct {
	state State
	kind  string
}

// anyState matches every live state.
const anyState State = "*"

type handler func(m *Machine, ctx context.Context, ev Event) error

var transitions = map[key]handler{
	{Idle, ActionDial}:              (*Machine).dial,
	{Idle, domain.SignalInvite}:     (*Machine).ring,
	{Ringing, ActionAnswer}:         (*Machine).answer,
	{Ringing, ActionReject}:         (*Machine).hangup,
	{Calling, domain.SignalAccept}:  (*Machine).offer,
	{Calling, EventRemoteTrack}:     (*Machine).connect,
	{Calling, EventConnected}:       (*Machine).connect,
	{anyState, domain.SignalReject}: (*Machine).remoteEnd,
	{anyState, domain.SignalEnd}:    (*Machine).remoteEnd,
	{anyState, ActionHangup}:        (*Machine).hangup,
	{anyState, EventFailed}:         (*Machine).hangup,

	{anyState, domain.SignalOffer}:        (*Machine).applyOffer,
	{anyState, domain.SignalAnswer}:       (*Machine).applyAnswer,
	{anyState, domain.SignalICECandidate}: (*Machine).applyCandidate,
	{anyState, EventLocalCandidate}:       (*Machine).sendCandidate,
}

// Handle dispatches ev. Inputs with no transition for the current state are
// ignored. Local actions on an ended call return ErrEnded.
func (m *Machine) Handle(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Ended {
		if isAction(ev.Kind) {
			return ErrEnded
		}
		return nil
	}
	if ev.From != "" && m.peer != "" && ev.From != m.peer {
		m.cfg.Log.Debug().Str("from", ev.From).Str("kind", ev.Kind).Msg("signal from another participant ignored")
		return nil
	}

	h, ok := transitions[key{m.state, ev.Kind}]
	if !ok {
		h, ok = transitions[key{anyState, ev.Kind}]
	}
	if !ok {
		if isAction(ev.Kind) {
			return fmt.Errorf("%s not allowed while %s", ev.Kind, m.state)
		}
		m.cfg.Log.Debug().Str("state", string(m.state)).Str("kind", ev.Kind).Msg("input ignored")
		return nil
	}
	return h(m, ctx, ev)
}

func isAction(kind string) bool {
	switch kind {
	case ActionDial, ActionAnswer, ActionReject, ActionHangup:
		return true
	}
	return false
}

func (m *Machine) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.cfg.Log.Info().Str("peer", m.peer).Str("from", string(from)).Str("to", string(to)).Msg("call state")
	if to == Ended {
		close(m.done)
	}
	if m.cfg.OnState != nil {
		m.cfg.OnState(from, to)
	}
}

func (m *Machine) send(ctx context.Context, kind string, payload json.RawMessage) error {
	return m.cfg.Relay.SendSignal(ctx, m.peer, kind, payload)
}

func (m *Machine) acquire(ctx context.Context) error {
	if m.hasMedia || m.cfg.Media == nil {
		return nil
	}
	if err := m.cfg.Media.Acquire(ctx); err != nil {
		return err
	}
	m.hasMedia = true
	return nil
}

func (m *Machine) ensureSession() (Negotiator, error) {
	if m.session != nil {
		return m.session, nil
	}
	if m.cfg.NewSession == nil {
		return nil, errors.New("no peer session configured")
	}
	s, err := m.cfg.NewSession(Hooks{
		OnCandidate:   func(c json.RawMessage) { m.post(Event{Kind: EventLocalCandidate, Payload: c}) },
		OnRemoteTrack: func() { m.post(Event{Kind: EventRemoteTrack}) },
		OnConnected:   func() { m.post(Event{Kind: EventConnected}) },
		OnFailed:      func() { m.post(Event{Kind: EventFailed}) },
	})
	if err != nil {
		return nil, err
	}
	m.session = s
	return s, nil
}

// post queues a session event for the run loop without blocking the caller.
func (m *Machine) post(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.cfg.Log.Warn().Str("kind", ev.Kind).Msg("call event dropped")
	}
}

// --- transitions ---

func (m *Machine) dial(ctx context.Context, _ Event) error {
	if m.peer == "" {
		return errors.New("no peer to call")
	}
	if err := m.acquire(ctx); err != nil {
		m.cfg.Log.Error().Err(err).Msg("media unavailable")
		m.teardown()
		return err
	}
	if err := m.send(ctx, domain.SignalInvite, nil); err != nil {
		m.teardown()
		return err
	}
	m.setState(Calling)
	return nil
}

func (m *Machine) ring(_ context.Context, ev Event) error {
	if ev.From != "" {
		m.peer = ev.From
	}
	m.setState(Ringing)
	return nil
}

func (m *Machine) answer(ctx context.Context, _ Event) error {
	if err := m.acquire(ctx); err != nil {
		m.cfg.Log.Error().Err(err).Msg("media unavailable")
		m.finish(ctx)
		return err
	}
	if err := m.send(ctx, domain.SignalAccept, nil); err != nil {
		return err
	}
	m.setState(Calling)
	return nil
}

func (m *Machine) offer(ctx context.Context, _ Event) error {
	s, err := m.ensureSession()
	if err != nil {
		m.finish(ctx)
		return err
	}
	sdp, err := s.Offer(ctx)
	if err != nil {
		m.finish(ctx)
		return err
	}
	return m.send(ctx, domain.SignalOffer, sdp)
}

func (m *Machine) connect(context.Context, Event) error {
	m.setState(Connected)
	return nil
}

func (m *Machine) hangup(ctx context.Context, _ Event) error {
	m.finish(ctx)
	return nil
}

// remoteEnd handles the peer's reject or end. Nothing is sent back: the
// peer has already torn down.
func (m *Machine) remoteEnd(context.Context, Event) error {
	m.endSent = true
	m.teardown()
	return nil
}

func (m *Machine) applyOffer(ctx context.Context, ev Event) error {
	s, err := m.ensureSession()
	if err != nil {
		return err
	}
	ans, err := s.Accept(ctx, ev.Payload)
	if err != nil {
		return err
	}
	return m.send(ctx, domain.SignalAnswer, ans)
}

func (m *Machine) applyAnswer(_ context.Context, ev Event) error {
	s, err := m.ensureSession()
	if err != nil {
		return err
	}
	return s.Complete(ev.Payload)
}

func (m *Machine) applyCandidate(_ context.Context, ev Event) error {
	s, err := m.ensureSession()
	if err != nil {
		return err
	}
	return s.AddCandidate(ev.Payload)
}

func (m *Machine) sendCandidate(ctx context.Context, ev Event) error {
	return m.send(ctx, domain.SignalICECandidate, ev.Payload)
}

// finish tears down a call ended on this side and notifies the peer once.
func (m *Machine) finish(ctx context.Context) {
	if !m.endSent && m.peer != "" {
		m.endSent = true
		if err := m.send(ctx, domain.SignalEnd, nil); err != nil {
			m.cfg.Log.Warn().Err(err).Msg("end signal not delivered")
		}
	}
	m.teardown()
}

// teardown releases media and the session and enters ended.
func (m *Machine) teardown() {
	if m.session != nil {
		if err := m.session.Close(); err != nil {
			m.cfg.Log.Warn().Err(err).Msg("peer session close")
		}
		m.session = nil
	}
	if m.hasMedia {
		m.cfg.Media.Release()
		m.hasMedia = false
	}
	m.setState(Ended)
}

// Run polls the relay every PollInterval and feeds signals and session
// events through Handle until the call ends or ctx is cancelled. Fetch
// errors are logged and retried on the next tick.
func (m *Machine) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case ev := <-m.events:
			if err := m.Handle(ctx, ev); err != nil {
				m.cfg.Log.Warn().Err(err).Str("kind", ev.Kind).Msg("call event failed")
			}
		case <-t.C:
			m.poll(ctx)
		}
	}
}

func (m *Machine) poll(ctx context.Context) {
	recs, err := m.cfg.Relay.FetchSignals(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.cfg.Log.Warn().Err(err).Msg("signal fetch failed; retrying next tick")
		}
		return
	}
	for _, rec := range recs {
		if err := m.Handle(ctx, Event{Kind: rec.Kind, From: rec.Sender, Payload: rec.Payload}); err != nil {
			m.cfg.Log.Warn().Err(err).Str("kind", rec.Kind).Msg("signal handling failed")
		}
		if m.State() == Ended {
			return
		}
	}
}
