package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

// Loop calls Tick immediately and then every Interval until ctx ends.
// Tick errors are logged and the loop carries on with the next tick.
type Loop struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) error
	Log      zerolog.Logger
}

// Run blocks until ctx is cancelled and returns ctx.Err().
func (l Loop) Run(ctx context.Context) error {
	if l.Interval <= 0 {
		l.Interval = time.Second
	}
	t := time.NewTicker(l.Interval)
	defer t.Stop()

	for {
		if err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			l.Log.Warn().Err(err).Str("loop", l.Name).Msg("poll failed; retrying next tick")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// WaitForInvite polls the caller's signals every interval until an invite
// arrives and returns it. Any other signal fetched meanwhile belongs to no
// live call and is dropped.
func (c *Client) WaitForInvite(ctx context.Context, interval time.Duration) (domain.Record, error) {
	var invite domain.Record
	found := false

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := Loop{
		Name:     "invites",
		Interval: interval,
		Log:      c.log,
		Tick: func(ctx context.Context) error {
			recs, err := c.FetchSignals(ctx)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if rec.Kind == domain.SignalInvite {
					invite, found = rec, true
					cancel()
					return nil
				}
				c.log.Debug().Str("kind", rec.Kind).Str("from", rec.Sender).Msg("stray signal dropped")
			}
			return nil
		},
	}.Run(waitCtx)

	if found {
		return invite, nil
	}
	return domain.Record{}, err
}
