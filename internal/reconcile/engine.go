package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"evmarket/web/internal/payments/callback"
	"evmarket/web/internal/payments/oracle"
)

// Oracle is the part of the backend the engine needs.
type Oracle interface {
	Status(ctx context.Context, gateway, orderID string) (oracle.StatusResponse, error)
	ManualComplete(ctx context.Context, gateway string, in oracle.ManualCompleteRequest) error
}

// Hooks observe the engine. Every hook is optional and is called from the
// engine goroutine.
type Hooks struct {
	OnState      func(State)
	OnPoll       func(PollResult)
	OnCompensate func(err error)
	OnCountdown  func(remaining int)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger; order and gateway attrs are added to it.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNavigator sets what runs when the countdown reaches zero.
func WithNavigator(nav Navigator) Option {
	return func(e *Engine) { e.nav = nav }
}

// WithHooks installs observers.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithSleeper replaces the timer behind every delay, settle and countdown
// tick. The function must return ctx.Err() once ctx is done.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// Engine drives one reconciliation for one callback context. Effects run
// strictly in sequence on the goroutine that calls Run.
type Engine struct {
	cc        callback.Context
	oracle    Oracle
	guard     *Guard
	nav       Navigator
	countdown *Countdown
	hooks     Hooks
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	retry     chan struct{}
	started   atomic.Bool

	mu      sync.Mutex
	state   State
	history []State
}

// New creates an engine for cc. Nothing runs until Run is called.
func New(cc callback.Context, o Oracle, opts ...Option) *Engine {
	e := &Engine{
		cc:     cc,
		oracle: o,
		guard:  &Guard{},
		logger: slog.Default(),
		sleep:  sleepCtx,
		retry:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("order_id", cc.OrderID, "gateway", cc.Gateway)
	e.countdown = NewCountdown(e.nav, e.hooks.OnCountdown)
	e.countdown.sleep = func(ctx context.Context, d time.Duration) error {
		return e.sleep(ctx, d)
	}
	return e
}

// Context returns the callback context the engine reconciles.
func (e *Engine) Context() callback.Context { return e.cc }

// Guard returns the latch protecting the compensating write.
func (e *Engine) Guard() *Guard { return e.guard }

// Countdown returns the redirect countdown.
func (e *Engine) Countdown() *Countdown { return e.countdown }

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// History returns every state the engine has been in, oldest first.
func (e *Engine) History() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]State, len(e.history))
	copy(out, e.history)
	return out
}

// Retry requests one more poll while the engine is parked in an exhausted
// not-found state. It returns false in every other state.
func (e *Engine) Retry() bool {
	s := e.State()
	if s.Kind != KindNotFound || s.Attempt < MaxNotFoundAttempts {
		return false
	}
	select {
	case e.retry <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run reconciles until a terminal state is reached and its countdown (if any)
// finishes, or until ctx is cancelled. Cancellation never produces a
// transition. Run executes at most once per engine.
func (e *Engine) Run(ctx context.Context) State {
	if !e.started.CompareAndSwap(false, true) {
		return e.State()
	}

	if err := e.cc.Validate(); err != nil {
		e.logger.Warn("reconcile_callback", "status", "unexpected_format", "error", err)
	}
	state, effects := Seed(e.cc)
	e.setState(state)
	for {
		for len(effects) > 0 {
			eff := effects[0]
			effects = effects[1:]
			switch eff.Kind {
			case EffectCompensate:
				if err := e.compensate(ctx, eff.Delay); err != nil {
					return e.State()
				}
			case EffectDelay:
				if err := e.sleep(ctx, eff.Delay); err != nil {
					return e.State()
				}
			case EffectPoll:
				res, ok := e.poll(ctx)
				if !ok {
					return e.State()
				}
				state, effects = Transition(e.cc, e.State(), Polled(res))
				e.setState(state)
			case EffectCountdown:
				e.countdown.Run(ctx)
			}
		}

		if e.State().Terminal() {
			return e.State()
		}
		e.logger.Info("reconcile_idle", "state", e.State().String())
		select {
		case <-ctx.Done():
			return e.State()
		case <-e.retry:
			e.logger.Info("reconcile_retry")
			state, effects = Transition(e.cc, e.State(), Event{Kind: EventRetry})
			e.setState(state)
		}
	}
}

func (e *Engine) compensate(ctx context.Context, settle time.Duration) error {
	if !e.guard.TryLatch() {
		e.logger.Debug("reconcile_compensate", "status", "already_issued")
		return ctx.Err()
	}
	err := e.oracle.ManualComplete(ctx, e.cc.Gateway, oracle.ManualCompleteRequest{
		OrderID:    e.cc.OrderID,
		ResultCode: e.cc.ResultCode,
		Amount:     e.cc.Amount,
		Message:    e.cc.Message,
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		e.logger.Warn("reconcile_compensate", "status", "failed", "error", err)
	} else {
		e.logger.Info("reconcile_compensate", "status", "issued")
	}
	if e.hooks.OnCompensate != nil {
		e.hooks.OnCompensate(err)
	}
	return e.sleep(ctx, settle)
}

func (e *Engine) poll(ctx context.Context) (PollResult, bool) {
	resp, err := e.oracle.Status(ctx, e.cc.Gateway, e.cc.OrderID)
	if ctx.Err() != nil {
		return PollResult{}, false
	}
	res := ClassifyPoll(resp, err)
	if res.Err != nil {
		e.logger.Warn("reconcile_poll", "outcome", string(res.Outcome), "error", res.Err)
	} else {
		e.logger.Debug("reconcile_poll", "outcome", string(res.Outcome), "status", res.Status)
	}
	if e.hooks.OnPoll != nil {
		e.hooks.OnPoll(res)
	}
	return res, true
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	changed := len(e.history) == 0 || !sameState(e.history[len(e.history)-1], s)
	e.state = s
	if changed {
		e.history = append(e.history, s)
	}
	e.mu.Unlock()
	if !changed {
		return
	}
	attrs := []any{"state", string(s.Kind), "attempt", s.Attempt}
	if s.Reason != "" {
		attrs = append(attrs, "reason", s.Reason)
	}
	if s.Kind == KindError {
		e.logger.Warn("reconcile_state", attrs...)
	} else {
		e.logger.Info("reconcile_state", attrs...)
	}
	if e.hooks.OnState != nil {
		e.hooks.OnState(s)
	}
}

func sameState(a, b State) bool {
	return a.Kind == b.Kind && a.Attempt == b.Attempt && a.Amount == b.Amount && a.Reason == b.Reason
}
