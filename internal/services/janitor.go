package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPurgeInterval is how often the janitor sweeps expired signals.
const DefaultPurgeInterval = 30 * time.Second

// Janitor periodically purges expired consumed records so abandoned invites
// and stale negotiation payloads do not accumulate.
type Janitor struct {
	Relay    *Relay
	Interval time.Duration
	Log      zerolog.Logger
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		j.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.Relay.Purge(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.Log.Error().Err(err).Msg("signal purge failed")
		}
		return
	}
	if n > 0 {
		j.Log.Debug().Int64("purged", n).Msg("expired signals removed")
	}
}
