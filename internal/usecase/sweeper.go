package usecase

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// expirySweeper is implemented by counter stores that keep expired keys in memory.
type expirySweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper periodically deletes expired sessions and, for in-memory stores,
// expired counter keys. Correctness never depends on it; every read checks
// expiry lazily.
type Sweeper struct {
	tokens   *TokenIssuer
	counters expirySweeper // nil when the store expires keys itself
	interval time.Duration
	log      logrus.FieldLogger
}

func NewSweeper(tokens *TokenIssuer, counters expirySweeper, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	return &Sweeper{
		tokens:   tokens,
		counters: counters,
		interval: interval,
		log:      log.WithField("component", "sweeper"),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and logs what it removed.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	fields := logrus.Fields{}
	if n, err := s.tokens.PurgeExpiredSessions(ctx); err != nil {
		s.log.WithError(err).Warn("session sweep failed")
	} else {
		fields["sessions"] = n
	}
	if s.counters != nil {
		if n, err := s.counters.Sweep(ctx); err != nil {
			s.log.WithError(err).Warn("counter sweep failed")
		} else {
			fields["counters"] = n
		}
	}
	s.log.WithFields(fields).Debug("sweep complete")
}
