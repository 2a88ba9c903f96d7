package syncproto

import (
	"context"
	"errors"
	"io"
	"log"
	"time"
)

const DefaultPollInterval = 10 * time.Second

// Fetcher is the transport a Poller reads through.
type Fetcher interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Delta(ctx context.Context, known map[string]uint64) (Delta, error)
}

// Poller keeps a Replica current by polling at a fixed interval. It falls
// back to a full snapshot whenever a delta cannot be applied.
type Poller struct {
	Fetcher  Fetcher
	Replica  *Replica
	Interval time.Duration
	Logger   *log.Logger
	// OnUpdate runs after every successful poll.
	OnUpdate func(*Replica)

	primed bool
}

// Poll performs one refresh and reports whether a full snapshot was used.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	if !p.primed {
		return true, p.resync(ctx)
	}
	d, err := p.Fetcher.Delta(ctx, p.Replica.Known())
	if err != nil {
		return false, err
	}
	if err := p.Replica.ApplyDelta(d); err != nil {
		if !errors.Is(err, ErrResyncRequired) {
			return false, err
		}
		p.logger().Printf("resync: %v", err)
		return true, p.resync(ctx)
	}
	p.notify()
	return false, nil
}

func (p *Poller) resync(ctx context.Context) error {
	s, err := p.Fetcher.Snapshot(ctx)
	if err != nil {
		return err
	}
	p.Replica.ApplySnapshot(s)
	p.primed = true
	p.notify()
	return nil
}

func (p *Poller) notify() {
	if p.OnUpdate != nil {
		p.OnUpdate(p.Replica)
	}
}

func (p *Poller) logger() *log.Logger {
	if p.Logger == nil {
		p.Logger = log.New(io.Discard, "", 0)
	}
	return p.Logger
}

// Run polls until ctx ends. Poll errors are logged and retried on the next
// tick.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if _, err := p.Poll(ctx); err != nil {
		p.logger().Printf("poll: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger().Printf("poll: %v", err)
			}
		}
	}
}
