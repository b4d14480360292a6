package daemon

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
)

// ProcessFunc starts queued builds and reports how many it started. It returns
// 0 once nothing more can be started.
type ProcessFunc func(ctx context.Context) (int, error)

// Pump starts queued builds whenever it is triggered. Triggers that arrive
// while a drain is in progress coalesce into one follow-up drain.
type Pump struct {
	process ProcessFunc
	wait    func()
	wake    chan struct{}
}

// NewPump creates a pump around process. wait, when set, joins the builds
// process started and is called before Run returns.
func NewPump(process ProcessFunc, wait func()) *Pump {
	return &Pump{process: process, wait: wait, wake: make(chan struct{}, 1)}
}

// Trigger requests a drain without blocking.
func (p *Pump) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drains on every trigger until ctx is done.
func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if p.wait != nil {
				p.wait()
			}
			return ctx.Err()
		case <-p.wake:
			p.drain(ctx)
		}
	}
}

func (p *Pump) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := p.process(ctx)
		if err != nil {
			slog.Error("Queue processing failed", logfields.Error(err))
			return
		}
		if n == 0 {
			return
		}
		slog.Debug("Queued builds started", slog.Int("dispatched", n))
	}
}
