package repo

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

func TestStore_CommitMatch(t *testing.T) {
	db := newTestDB(t, true)
	s := NewStore(db)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	seedParticipant(t, db, "p1", domain.StatusWaiting, t0, 3, 3, 3, 3, 3)
	seedParticipant(t, db, "p2", domain.StatusWaiting, t0.Add(time.Second), 3, 3, 3, 3, 3)

	m := &domain.Match{UserA: "p2", UserB: "p1", Compatibility: 100, SharedInterests: []string{"Aligned values"}}
	if err := s.CommitMatch(ctx, m); err != nil {
		t.Fatalf("CommitMatch: %v", err)
	}
	for _, id := range []string{"p1", "p2"} {
		p, err := s.FindParticipant(ctx, id)
		if err != nil {
			t.Fatalf("find %s: %v", id, err)
		}
		if p.Status != domain.StatusMatched || p.MatchID == nil || *p.MatchID != m.ID {
			t.Fatalf("%s not pointed at match: %+v", id, p)
		}
	}

	// p1 is no longer waiting; a second attempt on it must write nothing.
	seedParticipant(t, db, "p3", domain.StatusWaiting, t0, 3, 3, 3, 3, 3)
	err := s.CommitMatch(ctx, &domain.Match{UserA: "p3", UserB: "p1", Compatibility: 100})
	if !errors.Is(err, ErrCandidateTaken) {
		t.Fatalf("expected ErrCandidateTaken, got %v", err)
	}
	if n, _ := CountMatchesSince(ctx, db, t0.Add(-time.Hour)); n != 1 {
		t.Fatalf("rolled-back match must not persist, have %d", n)
	}
	p3, _ := s.FindParticipant(ctx, "p3")
	if p3.Status != domain.StatusWaiting {
		t.Fatalf("p3 should still be waiting, got %s", p3.Status)
	}
}

func TestStore_InsertRecord_Policies(t *testing.T) {
	db := newTestDB(t, true)
	s := NewStore(db)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	chat := &domain.Record{Sender: "a", Receiver: "b", Kind: domain.KindChat, Payload: json.RawMessage(`"hello"`), CreatedAt: now}
	if err := s.InsertRecord(ctx, chat, time.Minute); err != nil {
		t.Fatalf("insert chat: %v", err)
	}
	if chat.ID == "" || string(chat.Payload) != `"hello"` {
		t.Fatalf("chat record not filled: %+v", chat)
	}

	bad := &domain.Record{Sender: "a", Receiver: "b", Kind: domain.KindChat, Payload: json.RawMessage(`{"x":1}`), CreatedAt: now}
	if err := s.InsertRecord(ctx, bad, time.Minute); err == nil {
		t.Fatalf("non-string chat payload must be rejected")
	}

	offer := &domain.Record{Sender: "a", Receiver: "b", Kind: domain.SignalOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`), CreatedAt: now}
	if err := s.InsertRecord(ctx, offer, time.Minute); err != nil {
		t.Fatalf("insert signal: %v", err)
	}

	retained, err := s.FindByReceiver(ctx, domain.Retain, "b", now)
	if err != nil || len(retained) != 1 || retained[0].Kind != domain.KindChat {
		t.Fatalf("retain view = %+v, %v", retained, err)
	}
	consumed, err := s.FindByReceiver(ctx, domain.Consume, "b", now)
	if err != nil || len(consumed) != 1 || consumed[0].Kind != domain.SignalOffer {
		t.Fatalf("consume view = %+v, %v", consumed, err)
	}
	if string(consumed[0].Payload) != `{"sdp":"v=0"}` {
		t.Fatalf("payload mangled: %s", consumed[0].Payload)
	}

	if _, err := s.DeleteByIDs(ctx, domain.Retain, []string{chat.ID}); err == nil {
		t.Fatalf("retained records must not be deletable")
	}
	if n, err := s.DeleteByIDs(ctx, domain.Consume, []string{offer.ID}); err != nil || n != 1 {
		t.Fatalf("DeleteByIDs = %d, %v", n, err)
	}
}

func TestStore_ClaimAndCount(t *testing.T) {
	db := newTestDB(t, true)
	s := NewStore(db)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, kind := range []string{domain.SignalInvite, domain.SignalOffer, domain.SignalICECandidate} {
		rec := &domain.Record{Sender: "a", Receiver: "b", Kind: kind, CreatedAt: t0.Add(time.Duration(i) * time.Second)}
		if err := s.InsertRecord(ctx, rec, 60*time.Second); err != nil {
			t.Fatalf("insert %s: %v", kind, err)
		}
	}
	s.InsertRecord(ctx, &domain.Record{Sender: "a", Receiver: "b", Kind: domain.KindChat, Payload: json.RawMessage(`"hi"`), CreatedAt: t0}, 0)

	n, err := s.CountByFilter(ctx, domain.MailboxFilter{Policy: domain.Consume, Receiver: "b"}, t0)
	if err != nil || n != 3 {
		t.Fatalf("consume count = %d, %v", n, err)
	}
	// Only the last signal outlives t0+61s.
	if n, _ := s.CountByFilter(ctx, domain.MailboxFilter{Policy: domain.Consume, Receiver: "b"}, t0.Add(61*time.Second)); n != 2 {
		t.Fatalf("count past first expiry = %d, want 2", n)
	}
	if n, _ := s.CountByFilter(ctx, domain.MailboxFilter{Policy: domain.Retain, Sender: "a", UnreadOnly: true}, t0); n != 1 {
		t.Fatalf("unread chat count = %d, want 1", n)
	}

	got, err := s.Claim(ctx, "b", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	want := []string{domain.SignalInvite, domain.SignalOffer, domain.SignalICECandidate}
	if len(got) != len(want) {
		t.Fatalf("claimed %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Kind != want[i] || got[i].Payload != nil {
			t.Fatalf("claim[%d] = %+v", i, got[i])
		}
	}
	if rest, _ := s.Claim(ctx, "b", t0.Add(time.Second)); len(rest) != 0 {
		t.Fatalf("claimed records must be gone")
	}
	// Chat messages survive a claim.
	if n, _ := s.CountByFilter(ctx, domain.MailboxFilter{Policy: domain.Retain, Receiver: "b"}, t0); n != 1 {
		t.Fatalf("chat should survive claim, count = %d", n)
	}
}

func TestStore_LastSeen(t *testing.T) {
	db := newTestDB(t, true)
	s := NewStore(db)
	ctx := context.Background()

	seedParticipant(t, db, "p1", domain.StatusWaiting, time.Now().UTC(), 1, 2, 3, 4, 0)
	if ls, err := s.LastSeen(ctx, "p1"); err != nil || ls != nil {
		t.Fatalf("fresh participant LastSeen = %v, %v", ls, err)
	}
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := s.TouchLastSeen(ctx, "p1", at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	ls, err := s.LastSeen(ctx, "p1")
	if err != nil || ls == nil || !ls.Equal(at) {
		t.Fatalf("LastSeen = %v, %v", ls, err)
	}
	if _, err := s.LastSeen(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown identity should be ErrNotFound, got %v", err)
	}
}
