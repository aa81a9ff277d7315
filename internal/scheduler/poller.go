package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Poller invokes a launch attempt on a recurring timer: one fire after the
// initial delay, then one per period. A failed or panicking tick is logged
// and never kills the poller.
type Poller struct {
	initialDelay time.Duration
	period       time.Duration
	tick         func(ctx context.Context) error
	logger       *zap.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPoller constructs a Poller around the given tick function.
func NewPoller(initialDelay, period time.Duration, tick func(ctx context.Context) error, logger *zap.Logger) *Poller {
	return &Poller{
		initialDelay: initialDelay,
		period:       period,
		tick:         tick,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// Start begins polling until Stop is called or the context finishes.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	timer := time.NewTimer(p.initialDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	p.safeTick(ctx)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.safeTick(ctx)
		}
	}
}

func (p *Poller) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("poll tick panicked", zap.Any("panic", rec))
		}
	}()
	p.logger.Debug("polling for free crawl slots")
	if err := p.tick(ctx); err != nil {
		p.logger.Error("poll tick failed", zap.Error(err))
	}
}

// Stop cancels the timer and interrupts any in-flight tick.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			return
		}
		p.cancel()
		<-p.done
	})
}
