package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

// ---------- fakes ----------

type sent struct {
	to, kind string
	payload  json.RawMessage
}

type fakeRelay struct {
	mu       sync.Mutex
	out      []sent
	inbox    [][]domain.Record // one batch per fetch
	fetchErr []error
	sendErr  error
}

func (r *fakeRelay) SendSignal(_ context.Context, to, kind string, p json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.out = append(r.out, sent{to, kind, p})
	return nil
}

func (r *fakeRelay) FetchSignals(context.Context) ([]domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fetchErr) > 0 {
		err := r.fetchErr[0]
		r.fetchErr = r.fetchErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(r.inbox) == 0 {
		return nil, nil
	}
	b := r.inbox[0]
	r.inbox = r.inbox[1:]
	return b, nil
}

func (r *fakeRelay) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.out))
	for i, s := range r.out {
		out[i] = s.kind
	}
	return out
}

type fakeMedia struct {
	err      error
	acquired int
	released int
}

func (m *fakeMedia) Acquire(context.Context) error {
	if m.err != nil {
		return m.err
	}
	m.acquired++
	return nil
}

func (m *fakeMedia) Release() { m.released++ }

type fakeSession struct {
	hooks      Hooks
	accepted   []json.RawMessage
	completed  []json.RawMessage
	candidates []json.RawMessage
	closed     int
}

func (s *fakeSession) Offer(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"o"}`), nil
}

func (s *fakeSession) Accept(_ context.Context, offer json.RawMessage) (json.RawMessage, error) {
	s.accepted = append(s.accepted, offer)
	return json.RawMessage(`{"type":"answer","sdp":"a"}`), nil
}

func (s *fakeSession) Complete(answer json.RawMessage) error {
	s.completed = append(s.completed, answer)
	return nil
}

func (s *fakeSession) AddCandidate(c json.RawMessage) error {
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *fakeSession) Close() error { s.closed++; return nil }

type rig struct {
	m       *Machine
	relay   *fakeRelay
	media   *fakeMedia
	session *fakeSession
	created int
}

func newRig(peer string) *rig {
	r := &rig{relay: &fakeRelay{}, media: &fakeMedia{}, session: &fakeSession{}}
	r.m = New(Config{
		Peer:  peer,
		Relay: r.relay,
		Media: r.media,
		NewSession: func(h Hooks) (Negotiator, error) {
			r.created++
			r.session.hooks = h
			return r.session, nil
		},
		PollInterval: 5 * time.Millisecond,
		Log:          zerolog.Nop(),
	})
	return r
}

func sig(from, kind string, payload string) Event {
	ev := Event{Kind: kind, From: from}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	return ev
}

func equalKinds(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent %v, want %v", got, want)
		}
	}
}

// ---------- transitions ----------

func TestMachine_CallerFlow(t *testing.T) {
	r := newRig("bob")
	ctx := context.Background()

	if err := r.m.Dial(ctx); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if r.m.State() != Calling || r.media.acquired != 1 {
		t.Fatalf("after dial: state=%s acquired=%d", r.m.State(), r.media.acquired)
	}

	r.m.Handle(ctx, sig("bob", domain.SignalAccept, ""))
	r.m.Handle(ctx, sig("bob", domain.SignalAnswer, `{"type":"answer","sdp":"a"}`))
	if r.m.State() != Calling {
		t.Fatalf("must stay calling until negotiation completes, got %s", r.m.State())
	}
	if len(r.session.completed) != 1 {
		t.Fatalf("answer not applied")
	}
	r.m.Handle(ctx, Event{Kind: EventConnected})
	if r.m.State() != Connected {
		t.Fatalf("expected connected, got %s", r.m.State())
	}

	if err := r.m.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if r.m.State() != Ended || r.media.released != 1 || r.session.closed != 1 {
		t.Fatalf("teardown incomplete: state=%s released=%d closed=%d", r.m.State(), r.media.released, r.session.closed)
	}
	if err := r.m.Hangup(ctx); !errors.Is(err, ErrEnded) {
		t.Fatalf("second hangup should report ErrEnded, got %v", err)
	}
	r.m.Handle(ctx, sig("bob", domain.SignalEnd, ""))
	equalKinds(t, r.relay.kinds(), domain.SignalInvite, domain.SignalOffer, domain.SignalEnd)

	select {
	case <-r.m.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestMachine_RecipientFlow(t *testing.T) {
	r := newRig("")
	ctx := context.Background()

	r.m.Handle(ctx, sig("alice", domain.SignalInvite, ""))
	if r.m.State() != Ringing || r.m.Peer() != "alice" {
		t.Fatalf("expected ringing from alice, got %s/%s", r.m.State(), r.m.Peer())
	}
	if r.media.acquired != 0 {
		t.Fatalf("media must not be acquired before answering")
	}
	if err := r.m.Answer(ctx); err != nil {
		t.Fatalf("answer: %v", err)
	}
	r.m.Handle(ctx, sig("alice", domain.SignalOffer, `{"type":"offer","sdp":"o"}`))
	r.m.Handle(ctx, Event{Kind: EventRemoteTrack})
	if r.m.State() != Connected {
		t.Fatalf("expected connected after remote track, got %s", r.m.State())
	}

	r.m.Handle(ctx, sig("alice", domain.SignalEnd, ""))
	if r.m.State() != Ended || r.media.released != 1 {
		t.Fatalf("end should tear down, state=%s released=%d", r.m.State(), r.media.released)
	}
	equalKinds(t, r.relay.kinds(), domain.SignalAccept, domain.SignalAnswer)
	for _, s := range r.relay.out {
		if s.to != "alice" {
			t.Fatalf("signal addressed to %q", s.to)
		}
	}
}

func TestMachine_RejectWhileRinging(t *testing.T) {
	r := newRig("")
	ctx := context.Background()
	r.m.Handle(ctx, sig("alice", domain.SignalInvite, ""))
	if err := r.m.Reject(ctx); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if r.m.State() != Ended {
		t.Fatalf("expected ended, got %s", r.m.State())
	}
	equalKinds(t, r.relay.kinds(), domain.SignalEnd)
}

func TestMachine_RemoteRejectEndsCall(t *testing.T) {
	r := newRig("bob")
	ctx := context.Background()
	r.m.Dial(ctx)
	r.m.Handle(ctx, sig("bob", domain.SignalReject, ""))
	if r.m.State() != Ended || r.media.released != 1 {
		t.Fatalf("reject should end the call")
	}
	equalKinds(t, r.relay.kinds(), domain.SignalInvite)
}

func TestMachine_MediaFailure(t *testing.T) {
	ctx := context.Background()

	caller := newRig("bob")
	caller.media.err = errors.New("no camera")
	if err := caller.m.Dial(ctx); err == nil {
		t.Fatalf("dial should fail without media")
	}
	if caller.m.State() != Ended || len(caller.relay.kinds()) != 0 {
		t.Fatalf("failed dial must end silently: state=%s sent=%v", caller.m.State(), caller.relay.kinds())
	}

	callee := newRig("")
	callee.media.err = errors.New("no microphone")
	callee.m.Handle(ctx, sig("alice", domain.SignalInvite, ""))
	if err := callee.m.Answer(ctx); err == nil {
		t.Fatalf("answer should fail without media")
	}
	if callee.m.State() != Ended {
		t.Fatalf("expected ended, got %s", callee.m.State())
	}
	equalKinds(t, callee.relay.kinds(), domain.SignalEnd)
}

func TestMachine_InviteFailureReleasesMedia(t *testing.T) {
	r := newRig("bob")
	r.relay.sendErr = errors.New("relay down")
	if err := r.m.Dial(context.Background()); err == nil {
		t.Fatalf("dial should report the send failure")
	}
	if r.m.State() != Ended || r.media.acquired != 1 || r.media.released != 1 {
		t.Fatalf("state=%s acquired=%d released=%d", r.m.State(), r.media.acquired, r.media.released)
	}
}

func TestMachine_LazySessionInAnyState(t *testing.T) {
	r := newRig("bob")
	ctx := context.Background()
	if r.created != 0 {
		t.Fatalf("session created eagerly")
	}
	r.m.Handle(ctx, sig("bob", domain.SignalICECandidate, `{"candidate":"c1"}`))
	r.m.Handle(ctx, sig("bob", domain.SignalICECandidate, `{"candidate":"c2"}`))
	if r.created != 1 || len(r.session.candidates) != 2 {
		t.Fatalf("created=%d candidates=%d", r.created, len(r.session.candidates))
	}
	if r.m.State() != Idle {
		t.Fatalf("negotiation inputs must not change state, got %s", r.m.State())
	}
}

func TestMachine_IgnoresOtherSendersAndInvalidActions(t *testing.T) {
	r := newRig("bob")
	ctx := context.Background()
	r.m.Dial(ctx)
	r.m.Handle(ctx, sig("mallory", domain.SignalEnd, ""))
	if r.m.State() != Calling {
		t.Fatalf("signal from a third party changed state to %s", r.m.State())
	}
	if err := r.m.Answer(ctx); err == nil {
		t.Fatalf("answer while calling should be rejected")
	}
}

func TestMachine_EndedSendsNothing(t *testing.T) {
	r := newRig("bob")
	ctx := context.Background()
	r.m.Dial(ctx)
	r.m.Hangup(ctx)
	before := len(r.relay.kinds())

	r.m.Handle(ctx, sig("bob", domain.SignalOffer, `{"type":"offer","sdp":"o"}`))
	r.m.Handle(ctx, sig("bob", domain.SignalAccept, ""))
	r.m.Handle(ctx, Event{Kind: EventLocalCandidate, Payload: json.RawMessage(`{}`)})
	if after := len(r.relay.kinds()); after != before {
		t.Fatalf("ended machine sent %d more signals", after-before)
	}
}

// ---------- run loop ----------

func TestMachine_RunRetriesFetchErrorsAndStopsWhenEnded(t *testing.T) {
	r := newRig("bob")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.relay.fetchErr = []error{errors.New("network down"), nil}
	r.relay.inbox = [][]domain.Record{
		{{Sender: "bob", Kind: domain.SignalAccept}},
		{{Sender: "bob", Kind: domain.SignalEnd}},
	}
	if err := r.m.Dial(ctx); err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := r.m.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.m.State() != Ended {
		t.Fatalf("expected ended, got %s", r.m.State())
	}
	equalKinds(t, r.relay.kinds(), domain.SignalInvite, domain.SignalOffer)
}

func TestMachine_RunForwardsLocalCandidates(t *testing.T) {
	r := newRig("bob")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.m.Dial(ctx)
	r.m.Handle(ctx, sig("bob", domain.SignalAccept, ""))
	r.session.hooks.OnCandidate(json.RawMessage(`{"candidate":"local"}`))
	r.session.hooks.OnConnected()

	done := make(chan error, 1)
	go func() { done <- r.m.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for r.m.State() != Connected {
		select {
		case <-deadline:
			t.Fatalf("never connected")
		case <-time.After(5 * time.Millisecond):
		}
	}
	r.m.Hangup(ctx)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	equalKinds(t, r.relay.kinds(), domain.SignalInvite, domain.SignalOffer, domain.SignalICECandidate, domain.SignalEnd)
}

func TestMachine_RunStopsOnCancel(t *testing.T) {
	r := newRig("bob")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// ---------- two machines over one mailbox ----------

// switchboard is an in-memory consume-policy relay shared by several
// participants.
type switchboard struct {
	mu    sync.Mutex
	boxes map[string][]domain.Record
}

type line struct {
	sb *switchboard
	me string
}

func (l line) SendSignal(_ context.Context, to, kind string, p json.RawMessage) error {
	l.sb.mu.Lock()
	defer l.sb.mu.Unlock()
	l.sb.boxes[to] = append(l.sb.boxes[to], domain.Record{Sender: l.me, Receiver: to, Kind: kind, Payload: p})
	return nil
}

func (l line) FetchSignals(context.Context) ([]domain.Record, error) {
	l.sb.mu.Lock()
	defer l.sb.mu.Unlock()
	recs := l.sb.boxes[l.me]
	delete(l.sb.boxes, l.me)
	return recs, nil
}

func (sb *switchboard) pending(who string) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.boxes[who])
}

func TestMachine_RedialAfterHangupWithinTTL(t *testing.T) {
	sb := &switchboard{boxes: map[string][]domain.Record{}}
	ctx := context.Background()
	participant := func(me, peer string) *Machine {
		return New(Config{
			Peer:       peer,
			Relay:      line{sb, me},
			Media:      &fakeMedia{},
			NewSession: func(Hooks) (Negotiator, error) { return &fakeSession{}, nil },
			Log:        zerolog.Nop(),
		})
	}

	alice := participant("alice", "bob")
	bob := participant("bob", "")
	if err := alice.Dial(ctx); err != nil {
		t.Fatalf("dial: %v", err)
	}
	bob.poll(ctx)
	if err := bob.Answer(ctx); err != nil {
		t.Fatalf("answer: %v", err)
	}
	alice.poll(ctx)
	bob.poll(ctx)
	alice.poll(ctx)
	alice.Handle(ctx, Event{Kind: EventConnected})
	bob.Handle(ctx, Event{Kind: EventRemoteTrack})
	if alice.State() != Connected || bob.State() != Connected {
		t.Fatalf("states: alice=%s bob=%s", alice.State(), bob.State())
	}

	if err := alice.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	bob.poll(ctx)
	if bob.State() != Ended {
		t.Fatalf("bob should see the end, got %s", bob.State())
	}
	if n := sb.pending("alice"); n != 0 {
		t.Fatalf("alice's mailbox holds %d leftover signals", n)
	}

	again := participant("alice", "bob")
	if err := again.Dial(ctx); err != nil {
		t.Fatalf("redial: %v", err)
	}
	again.poll(ctx)
	if again.State() != Calling {
		t.Fatalf("redial state after first poll: %s", again.State())
	}
}
