// Package services – MatchService
//
// MatchService owns the matchmaking engine: it places a participant in the
// waiting pool, scores them against a bounded snapshot of other waiting
// participants, and commits the best qualifying pair. It also answers status
// and queue-statistics queries.
//
// Observability: public methods open OpenTelemetry spans; committed matches
// and lost selections are counted in Prometheus.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-pairing-backend/internal/domain"
	"github.com/tbourn/go-pairing-backend/internal/matching"
	"github.com/tbourn/go-pairing-backend/internal/repo"
)

// Defaults applied when MatchService fields are left zero.
const (
	DefaultMatchThreshold = 70
	DefaultCandidateLimit = 50
)

// MatchStore is the persistence port used by MatchService.
type MatchStore interface {
	FindParticipant(ctx context.Context, identity string) (*domain.Participant, error)
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	ListWaiting(ctx context.Context, exclude string, limit int) ([]domain.Participant, error)
	CommitMatch(ctx context.Context, m *domain.Match) error
	FindMatch(ctx context.Context, id string) (*domain.Match, error)
	CountWaiting(ctx context.Context) (int64, error)
	WaitingSinceAll(ctx context.Context) ([]time.Time, error)
	WaitingPosition(ctx context.Context, identity string) (int, error)
	CountMatchesSince(ctx context.Context, since time.Time) (int64, error)
}

// MatchResult is the outcome of a submission or status check. Both members
// of a match see the same MatchID and Compatibility.
type MatchResult struct {
	Matched         bool     `json:"matched"`
	MatchID         string   `json:"match_id,omitempty"`
	Peer            string   `json:"peer,omitempty"`
	Compatibility   int      `json:"compatibility,omitempty"`
	SharedInterests []string `json:"shared_interests,omitempty"`
	Greeting        string   `json:"greeting"`
}

// QueueStats summarizes the waiting pool from one participant's viewpoint.
type QueueStats struct {
	Waiting      int64  `json:"waiting"`
	MatchesToday int64  `json:"matches_today"`
	Position     int    `json:"position"`
	AvgWait      string `json:"avg_wait"`
}

// MatchService pairs waiting participants.
type MatchService struct {
	Store          MatchStore
	Questionnaire  *matching.Questionnaire
	Threshold      int
	CandidateLimit int
	Now            func() time.Time
}

// NewMatchService returns a service with default threshold and snapshot size.
func NewMatchService(store MatchStore, q *matching.Questionnaire) *MatchService {
	if q == nil {
		q = matching.Default()
	}
	return &MatchService{
		Store:          store,
		Questionnaire:  q,
		Threshold:      DefaultMatchThreshold,
		CandidateLimit: DefaultCandidateLimit,
		Now:            time.Now,
	}
}

func (s *MatchService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *MatchService) questionnaire() *matching.Questionnaire {
	if s.Questionnaire == nil {
		return matching.Default()
	}
	return s.Questionnaire
}

// Submit records answers for identity, re-entering the waiting pool, and
// tries to pair it with the best qualifying waiting participant.
func (s *MatchService) Submit(ctx context.Context, identity string, answers []int) (*MatchResult, error) {
	ctx, span := otel.Tracer("services/MatchService").Start(ctx, "Submit",
		trace.WithAttributes(attribute.String("participant.id", identity)))
	defer span.End()

	identity, err := checkIdentity("identity", identity)
	if err != nil {
		return nil, err
	}
	q := s.questionnaire()
	if err := q.Validate(answers); err != nil {
		return nil, invalid("answers", err.Error())
	}

	now := s.now()
	me := &domain.Participant{
		Identity:     identity,
		Answers:      domain.AnswerVector(answers),
		Status:       domain.StatusWaiting,
		WaitingSince: now,
	}
	if err := s.Store.UpsertParticipant(ctx, me); err != nil {
		return nil, storeErr("upsert participant", err)
	}

	limit := s.CandidateLimit
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	pool, err := s.Store.ListWaiting(ctx, identity, limit)
	if err != nil {
		return nil, storeErr("list waiting", err)
	}

	lg := zerolog.Ctx(ctx)
	for len(pool) > 0 {
		idx, score := s.best(answers, pool)
		if idx < 0 {
			break
		}
		cand := pool[idx]
		m := &domain.Match{
			ID:              uuid.NewString(),
			UserA:           identity,
			UserB:           cand.Identity,
			Compatibility:   score,
			SharedInterests: q.SharedInterests(answers, cand.Answers),
			CreatedAt:       now,
		}
		err := s.Store.CommitMatch(ctx, m)
		if err == nil {
			matchesTotal.Inc()
			span.SetAttributes(attribute.String("match.id", m.ID), attribute.Int("match.score", score))
			return resultFor(m, identity), nil
		}
		if !errors.Is(err, repo.ErrCandidateTaken) {
			return nil, storeErr("commit match", err)
		}

		raceOutcomesTotal.Inc()
		self, ferr := s.Store.FindParticipant(ctx, identity)
		if ferr == nil && self.IsMatched() {
			// Someone else paired with us first; report their match.
			lg.Warn().EmbedObject(RaceOutcome{Identity: identity, Candidate: cand.Identity, Detail: "matched concurrently"}).Msg("race outcome")
			return s.Status(ctx, identity)
		}
		lg.Warn().EmbedObject(RaceOutcome{Identity: identity, Candidate: cand.Identity, Detail: "candidate taken"}).Msg("race outcome")
		pool = append(pool[:idx:idx], pool[idx+1:]...)
	}
	return &MatchResult{Matched: false, Greeting: matching.WaitingLine}, nil
}

// best returns the index of the candidate with the strictly highest score at
// or above the threshold; the first one seen wins ties. It returns -1 when no
// candidate qualifies.
func (s *MatchService) best(answers []int, pool []domain.Participant) (int, int) {
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	q := s.questionnaire()
	idx, top := -1, -1
	for i := range pool {
		score := q.Compatibility(answers, pool[i].Answers)
		if score >= threshold && score > top {
			idx, top = i, score
		}
	}
	return idx, top
}

// Status reports the current match state for identity without side effects.
func (s *MatchService) Status(ctx context.Context, identity string) (*MatchResult, error) {
	ctx, span := otel.Tracer("services/MatchService").Start(ctx, "Status",
		trace.WithAttributes(attribute.String("participant.id", identity)))
	defer span.End()

	identity, err := checkIdentity("identity", identity)
	if err != nil {
		return nil, err
	}
	p, err := s.Store.FindParticipant(ctx, identity)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, &NotFoundError{Entity: "participant", ID: identity}
	}
	if err != nil {
		return nil, storeErr("find participant", err)
	}
	if !p.IsMatched() {
		return &MatchResult{Matched: false, Greeting: matching.WaitingLine}, nil
	}
	m, err := s.Store.FindMatch(ctx, *p.MatchID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, &NotFoundError{Entity: "match", ID: *p.MatchID}
	}
	if err != nil {
		return nil, storeErr("find match", err)
	}
	return resultFor(m, identity), nil
}

// QueueStats reports pool size, today's match count, the caller's position,
// and a coarse average-wait bucket.
func (s *MatchService) QueueStats(ctx context.Context, identity string) (*QueueStats, error) {
	ctx, span := otel.Tracer("services/MatchService").Start(ctx, "QueueStats")
	defer span.End()

	identity, err := checkIdentity("identity", identity)
	if err != nil {
		return nil, err
	}
	now := s.now()
	waiting, err := s.Store.CountWaiting(ctx)
	if err != nil {
		return nil, storeErr("count waiting", err)
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today, err := s.Store.CountMatchesSince(ctx, midnight)
	if err != nil {
		return nil, storeErr("count matches", err)
	}
	pos, err := s.Store.WaitingPosition(ctx, identity)
	if err != nil {
		return nil, storeErr("waiting position", err)
	}
	since, err := s.Store.WaitingSinceAll(ctx)
	if err != nil {
		return nil, storeErr("waiting times", err)
	}
	return &QueueStats{
		Waiting:      waiting,
		MatchesToday: today,
		Position:     pos,
		AvgWait:      waitBucket(now, since),
	}, nil
}

// waitBucket maps the mean time spent in the pool to a display bucket.
func waitBucket(now time.Time, since []time.Time) string {
	if len(since) == 0 {
		return "1-2 min"
	}
	var total time.Duration
	for _, t := range since {
		if d := now.Sub(t); d > 0 {
			total += d
		}
	}
	avg := total / time.Duration(len(since))
	switch {
	case avg < 2*time.Minute:
		return "1-2 min"
	case avg < 5*time.Minute:
		return "2-5 min"
	case avg < 10*time.Minute:
		return "5-10 min"
	default:
		return "10+ min"
	}
}

func resultFor(m *domain.Match, me string) *MatchResult {
	peer := m.Peer(me)
	return &MatchResult{
		Matched:         true,
		MatchID:         m.ID,
		Peer:            peer,
		Compatibility:   m.Compatibility,
		SharedInterests: m.SharedInterests,
		Greeting:        matching.Greeting(m.ID, peer),
	}
}
