package reconcile

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func TestCountdownNavigatesOnce(t *testing.T) {
	t.Parallel()

	navs := 0
	var ticks []int
	c := NewCountdown(NavigatorFunc(func() { navs++ }), func(remaining int) { ticks = append(ticks, remaining) })
	c.sleep = instantSleep

	if c.Remaining() != -1 {
		t.Fatalf("countdown should not be visible before it starts")
	}
	if !c.Run(context.Background()) {
		t.Fatalf("countdown should navigate")
	}
	if c.Run(context.Background()) {
		t.Fatalf("second run must not navigate again")
	}
	if navs != 1 {
		t.Fatalf("expected one navigation, got %d", navs)
	}
	if !reflect.DeepEqual(ticks, []int{3, 2, 1, 0}) {
		t.Fatalf("ticks = %v", ticks)
	}
}

func TestCountdownCancelledAtTwo(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	navs := 0
	var ticks []int
	c := NewCountdown(NavigatorFunc(func() { navs++ }), func(remaining int) {
		ticks = append(ticks, remaining)
		if remaining == 2 {
			cancel()
		}
	})
	c.sleep = instantSleep

	if c.Run(ctx) {
		t.Fatalf("cancelled countdown must not navigate")
	}
	if navs != 0 {
		t.Fatalf("navigation fired after teardown")
	}
	if !reflect.DeepEqual(ticks, []int{3, 2}) {
		t.Fatalf("ticks = %v, want [3 2]", ticks)
	}
	if c.Remaining() != 2 {
		t.Fatalf("remaining = %d, want 2", c.Remaining())
	}
}

func TestCountdownRealTimerCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewCountdown(NavigatorFunc(func() { t.Errorf("unexpected navigation") }), nil)
	c.tick = time.Hour

	done := make(chan bool, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case navigated := <-done:
		if navigated {
			t.Fatalf("cancelled countdown navigated")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("countdown timer was not released on cancel")
	}
}
