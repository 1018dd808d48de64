package blob

import (
	"context"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
)

// ReclaimFunc removes the given blobs, typically through a replicated mutation.
type ReclaimFunc func(ctx context.Context, hashes []Hash) (int, error)

// Sweeper periodically looks for unreferenced blobs and hands them to a
// ReclaimFunc. Reclamation never happens in the write path.
type Sweeper struct {
	reader   db.Reader
	reclaim  ReclaimFunc
	interval time.Duration
	grace    time.Duration
	batch    int
	kick     chan struct{}
	now      func() time.Time
}

// NewSweeper creates a sweeper. A non-positive interval disables the timer;
// Trigger can still start a pass.
func NewSweeper(reader db.Reader, reclaim ReclaimFunc, interval, grace time.Duration) *Sweeper {
	return &Sweeper{
		reader:   reader,
		reclaim:  reclaim,
		interval: interval,
		grace:    grace,
		batch:    256,
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Trigger requests an immediate pass without blocking.
func (s *Sweeper) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run executes sweep passes until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.interval > 0 {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-s.kick:
		}
		if _, err := s.Sweep(ctx); err != nil {
			log.Warningf("blob sweep failed: %v", err)
		}
	}
}

// Sweep runs a single pass and returns the number of reclaimed blobs.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	hashes, err := Candidates(s.reader, s.now(), s.grace, s.batch)
	if err != nil || len(hashes) == 0 {
		return 0, err
	}
	n, err := s.reclaim(ctx, hashes)
	if n > 0 {
		log.Infof("reclaimed %d unreferenced blobs", n)
	}
	return n, err
}
