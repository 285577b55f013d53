// Package services – Relay
//
// Relay is the mailbox abstraction shared by chat and call signalling. Sends
// are pure inserts. Receives hand out every record addressed to a receiver in
// arrival order and then apply the kind's policy: retained records are marked
// read, consumed records are removed. Consumed records older than the TTL are
// never handed out.
package services

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

// DefaultSignalTTL bounds how long an unread signal stays deliverable.
const DefaultSignalTTL = 60 * time.Second

// MailboxStore is the storage port behind the relay.
type MailboxStore interface {
	InsertRecord(ctx context.Context, rec *domain.Record, ttl time.Duration) error
	FindByReceiver(ctx context.Context, policy domain.Policy, receiver string, now time.Time) ([]domain.Record, error)
	DeleteByIDs(ctx context.Context, policy domain.Policy, ids []string) (int64, error)
	MarkRead(ctx context.Context, ids []string) (int64, error)
	CountByFilter(ctx context.Context, f domain.MailboxFilter, now time.Time) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Claimer is implemented by stores that can remove and return a receiver's
// consumed records in one atomic step.
type Claimer interface {
	Claim(ctx context.Context, receiver string, now time.Time) ([]domain.Record, error)
}

// Relay moves mailbox records between participants.
type Relay struct {
	Store MailboxStore
	TTL   time.Duration
	Now   func() time.Time
}

// NewRelay returns a relay with the default signal TTL.
func NewRelay(store MailboxStore) *Relay {
	return &Relay{Store: store, TTL: DefaultSignalTTL, Now: time.Now}
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Relay) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return DefaultSignalTTL
}

// Send inserts a record from sender to receiver. Chat payloads must be a JSON
// string; signal payloads, when present, must be valid JSON.
func (r *Relay) Send(ctx context.Context, sender, receiver, kind string, payload json.RawMessage) (*domain.Record, error) {
	ctx, span := otel.Tracer("services/Relay").Start(ctx, "Send",
		trace.WithAttributes(attribute.String("relay.kind", kind)))
	defer span.End()

	sender, receiver, err := checkPair(sender, receiver)
	if err != nil {
		return nil, err
	}
	if kind != domain.KindChat && !domain.IsSignalKind(kind) {
		return nil, invalid("kind", "is not a known value")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, invalid("payload", "must be valid JSON")
	}
	if kind == domain.KindChat {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, invalid("payload", "chat payload must be a string")
		}
	}

	rec := &domain.Record{
		Sender:    sender,
		Receiver:  receiver,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: r.now(),
	}
	if err := r.Store.InsertRecord(ctx, rec, r.ttl()); err != nil {
		return nil, storeErr("insert record", err)
	}
	recordsSent.WithLabelValues(string(domain.PolicyFor(kind))).Inc()
	return rec, nil
}

// Receive returns every record addressed to receiver under policy, oldest
// first. Retained records are then marked read; consumed records are removed.
func (r *Relay) Receive(ctx context.Context, receiver string, policy domain.Policy) ([]domain.Record, error) {
	ctx, span := otel.Tracer("services/Relay").Start(ctx, "Receive",
		trace.WithAttributes(attribute.String("relay.policy", string(policy))))
	defer span.End()

	receiver, err := checkIdentity("receiver", receiver)
	if err != nil {
		return nil, err
	}
	now := r.now()

	var out []domain.Record
	switch policy {
	case domain.Consume:
		out, err = r.consume(ctx, receiver, now)
	case domain.Retain:
		out, err = r.retain(ctx, receiver, now)
	default:
		return nil, invalid("policy", "is not a known value")
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Record{}
	}
	recordsReceived.WithLabelValues(string(policy)).Add(float64(len(out)))
	span.SetAttributes(attribute.Int("relay.count", len(out)))
	return out, nil
}

func (r *Relay) consume(ctx context.Context, receiver string, now time.Time) ([]domain.Record, error) {
	if c, ok := r.Store.(Claimer); ok {
		recs, err := c.Claim(ctx, receiver, now)
		return recs, storeErr("claim records", err)
	}
	recs, err := r.Store.FindByReceiver(ctx, domain.Consume, receiver, now)
	if err != nil {
		return nil, storeErr("find records", err)
	}
	if len(recs) == 0 {
		return recs, nil
	}
	ids := make([]string, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID
	}
	if _, err := r.Store.DeleteByIDs(ctx, domain.Consume, ids); err != nil {
		return nil, storeErr("delete records", err)
	}
	return recs, nil
}

func (r *Relay) retain(ctx context.Context, receiver string, now time.Time) ([]domain.Record, error) {
	recs, err := r.Store.FindByReceiver(ctx, domain.Retain, receiver, now)
	if err != nil {
		return nil, storeErr("find records", err)
	}
	var unread []string
	for i := range recs {
		if !recs[i].Read {
			unread = append(unread, recs[i].ID)
		}
	}
	if len(unread) > 0 {
		if _, err := r.Store.MarkRead(ctx, unread); err != nil {
			return nil, storeErr("mark read", err)
		}
	}
	return recs, nil
}

// Count returns how many records match f. Expired signals are not counted.
func (r *Relay) Count(ctx context.Context, f domain.MailboxFilter) (int64, error) {
	if f.Policy == "" {
		f.Policy = domain.Consume
	}
	n, err := r.Store.CountByFilter(ctx, f, r.now())
	return n, storeErr("count records", err)
}

// Purge removes expired consumed records regardless of whether they were read.
func (r *Relay) Purge(ctx context.Context) (int64, error) {
	n, err := r.Store.PurgeExpired(ctx, r.now())
	if err != nil {
		return 0, storeErr("purge expired", err)
	}
	signalsPurged.Add(float64(n))
	return n, nil
}
