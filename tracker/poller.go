package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"VideoAgent-server/logging"
)

const DefaultPollInterval = 3 * time.Second

// FetchFunc reads the current remote state of the tracked artifacts.
type FetchFunc func(ctx context.Context) ([]Artifact, error)

// Poller polls while any artifact on its board is active. OnChange runs
// only when the board signature differs from the last one delivered.
type Poller struct {
	Board    *Board
	Fetch    FetchFunc
	Interval time.Duration
	OnChange func([]Artifact)
	Logger   *zerolog.Logger
}

// Run blocks until the board has nothing active (returns nil) or ctx ends.
// Fetch errors are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	if p.Board == nil || p.Fetch == nil {
		return errors.New("tracker: poller needs a board and a fetch func")
	}
	if p.Board.Active() == 0 {
		return nil
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := *logging.OrNop(p.Logger)

	last := p.Board.Signature()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			remote, err := p.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn().Err(err).Msg("轮询失败(重试中)")
				continue
			}
			p.Board.Merge(remote)
			if sig := p.Board.Signature(); sig != last {
				last = sig
				if p.OnChange != nil {
					p.OnChange(p.Board.Snapshot())
				}
			}
			if p.Board.Active() == 0 {
				logger.Debug().Msg("all artifacts terminal, polling stopped")
				return nil
			}
		}
	}
}
