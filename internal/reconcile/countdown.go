package reconcile

import (
	"context"
	"sync"
	"time"
)

// Navigator performs the single "go to landing view" transition.
type Navigator interface {
	Navigate()
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func()

func (f NavigatorFunc) Navigate() { f() }

// Countdown shows a visible count from CountdownSeconds to zero and then
// navigates exactly once. Cancelling the context stops both the ticks and the
// navigation.
type Countdown struct {
	from   int
	tick   time.Duration
	nav    Navigator
	onTick func(remaining int)
	sleep  func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	remaining int
	started   bool
	once      sync.Once
}

// NewCountdown creates a countdown that calls onTick for every visible value.
func NewCountdown(nav Navigator, onTick func(remaining int)) *Countdown {
	if nav == nil {
		nav = NavigatorFunc(func() {})
	}
	return &Countdown{
		from:      CountdownSeconds,
		tick:      CountdownTick,
		nav:       nav,
		onTick:    onTick,
		sleep:     sleepCtx,
		remaining: -1,
	}
}

// Remaining returns the visible count, or -1 before the countdown starts.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Run blocks until navigation or cancellation and reports whether it navigated.
// A countdown runs at most once.
func (c *Countdown) Run(ctx context.Context) bool {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return false
	}
	c.started = true
	c.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	c.publish(c.from)
	for remaining := c.from; remaining > 0; {
		if err := c.sleep(ctx, c.tick); err != nil || ctx.Err() != nil {
			return false
		}
		remaining--
		c.publish(remaining)
	}
	if ctx.Err() != nil {
		return false
	}
	navigated := false
	c.once.Do(func() {
		c.nav.Navigate()
		navigated = true
	})
	return navigated
}

func (c *Countdown) publish(remaining int) {
	c.mu.Lock()
	c.remaining = remaining
	c.mu.Unlock()
	if c.onTick != nil {
		c.onTick(remaining)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
