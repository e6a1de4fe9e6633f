package reconcile

import (
	"errors"
	"fmt"
	"time"

	"evmarket/web/internal/payments/callback"
	"evmarket/web/internal/payments/oracle"
)

// Timing and budgets of one reconciliation.
const (
	PollInterval        = 3 * time.Second
	SettleDelay         = 1 * time.Second
	MaxNotFoundAttempts = 5
	MaxPendingAttempts  = 10
	CountdownSeconds    = 3
	CountdownTick       = time.Second
)

// Reasons carried by the error state.
var (
	ErrMissingOrderID  = errors.New("missing orderId")
	ErrTimeout         = errors.New("payment confirmation timed out")
	ErrUnknownStatus   = errors.New("unknown payment status")
	ErrBackendRejected = errors.New("backend reported an error")
	ErrTransport       = errors.New("payment status request failed")
)

// Kind tags the variant held by a State.
type Kind string

const (
	KindPending   Kind = "pending"
	KindNotFound  Kind = "not_found"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindError     Kind = "error"
)

// State is the current reconciliation outcome. Attempt is meaningful for the
// pending and not_found kinds, Amount for completed, Reason and Err for failed
// and error.
type State struct {
	Kind    Kind   `json:"kind"`
	Attempt int    `json:"attempt"`
	Amount  string `json:"amount,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Err     error  `json:"-"`
}

// Pending is the awaiting-confirmation state at the given attempt.
func Pending(attempt int) State { return State{Kind: KindPending, Attempt: attempt} }

// NotFound is the no-record-yet state at the given attempt.
func NotFound(attempt int) State { return State{Kind: KindNotFound, Attempt: attempt} }

// Completed is the terminal success state.
func Completed(amount string) State {
	return State{Kind: KindCompleted, Amount: amount}
}

// Failed is the terminal failure state with a user-facing reason.
func Failed(reason string) State { return State{Kind: KindFailed, Reason: reason} }

// Errored is the terminal error state for err.
func Errored(err error) State {
	return State{Kind: KindError, Reason: err.Error(), Err: err}
}

// Terminal reports whether no further automatic transition can happen.
func (s State) Terminal() bool {
	switch s.Kind {
	case KindCompleted, KindFailed, KindError:
		return true
	default:
		return false
	}
}

// String renders the state as kind(attempt), kind(amount=...) or kind(reason).
func (s State) String() string {
	switch s.Kind {
	case KindPending, KindNotFound:
		return fmt.Sprintf("%s(%d)", s.Kind, s.Attempt)
	case KindCompleted:
		return fmt.Sprintf("%s(amount=%s)", s.Kind, s.Amount)
	default:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	}
}

// EffectKind names a side effect the driver must perform, in order.
type EffectKind string

const (
	// EffectCompensate asks for the manual-complete write followed by the settle
	// delay. The driver performs it only if the session guard latches.
	EffectCompensate EffectKind = "compensate"
	EffectDelay      EffectKind = "delay"
	EffectPoll       EffectKind = "poll"
	EffectCountdown  EffectKind = "countdown"
)

// Effect is one side effect the driver runs. Delay applies to delays and to
// the settle wait after a compensating write.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
}

// delay waits one poll interval.
func delay() Effect { return Effect{Kind: EffectDelay, Delay: PollInterval} }

var (
	pollEffect      = Effect{Kind: EffectPoll}
	countdownEffect = Effect{Kind: EffectCountdown}
)

// Outcome classifies a status poll.
type Outcome string

const (
	OutcomeStatus    Outcome = "status"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTransport Outcome = "transport"
	// OutcomeUnavailable means the client refused the call before it reached
	// the backend. It is retried within the current budget.
	OutcomeUnavailable Outcome = "unavailable"
)

// PollResult is a status poll reduced to what the transition table needs.
type PollResult struct {
	Outcome Outcome
	Status  string
	Message string
	Err     error
}

// EventKind names an input to Transition.
type EventKind string

const (
	EventPolled EventKind = "polled"
	EventRetry  EventKind = "retry"
)

// Event is an input to Transition. Result is set for polled events.
type Event struct {
	Kind   EventKind
	Result PollResult
}

// Polled wraps a poll result as an event.
func Polled(res PollResult) Event { return Event{Kind: EventPolled, Result: res} }

// Seed derives the initial state from the callback. A gateway-reported failure
// is final without contacting the backend. The advisory parameters are never
// checked for format here; an odd amount must not block reconciliation.
func Seed(cc callback.Context) (State, []Effect) {
	switch {
	case cc.GatewayFailed():
		return Failed(cc.FailureReason()), nil
	case !cc.HasOrderID():
		return Errored(ErrMissingOrderID), nil
	}
	return Pending(0), enterPending(cc, nil)
}

// enterPending is the entry logic for Pending(0): the compensating write is
// requested whenever the gateway reported success, and the guard decides whether
// it is actually issued.
func enterPending(cc callback.Context, prefix []Effect) []Effect {
	effects := append([]Effect{}, prefix...)
	if cc.GatewaySucceeded() {
		effects = append(effects, Effect{Kind: EffectCompensate, Delay: SettleDelay})
	}
	return append(effects, pollEffect)
}

// Transition is the reconciliation table. It never mutates its inputs and never
// leaves a terminal state.
func Transition(cc callback.Context, s State, ev Event) (State, []Effect) {
	if s.Terminal() {
		return s, nil
	}
	switch ev.Kind {
	case EventRetry:
		if s.Kind == KindNotFound && s.Attempt >= MaxNotFoundAttempts {
			return s, []Effect{pollEffect}
		}
		return s, nil
	case EventPolled:
		return applyPoll(cc, s, ev.Result)
	default:
		return s, nil
	}
}

func applyPoll(cc callback.Context, s State, res PollResult) (State, []Effect) {
	switch res.Outcome {
	case OutcomeTransport:
		err := ErrTransport
		if res.Err != nil {
			err = fmt.Errorf("%w: %v", ErrTransport, res.Err)
		}
		return Errored(err), nil
	case OutcomeRejected:
		if res.Message != "" {
			return Errored(fmt.Errorf("%w: %s", ErrBackendRejected, res.Message)), nil
		}
		return Errored(ErrBackendRejected), nil
	case OutcomeNotFound:
		if s.Kind == KindPending {
			return NotFound(0), []Effect{delay(), pollEffect}
		}
		return nextNotFound(s)
	case OutcomeUnavailable:
		if s.Kind == KindNotFound {
			return nextNotFound(s)
		}
		return nextPending(s)
	case OutcomeStatus:
		return applyStatus(cc, s, res.Status)
	default:
		return Errored(fmt.Errorf("%w: unrecognized poll outcome %q", ErrTransport, res.Outcome)), nil
	}
}

func applyStatus(cc callback.Context, s State, status string) (State, []Effect) {
	switch status {
	case oracle.StatusCompleted:
		return Completed(cc.Amount), []Effect{countdownEffect}
	case oracle.StatusFailed:
		return Failed("payment cancelled"), nil
	case oracle.StatusPending:
		if s.Kind == KindNotFound {
			return Pending(0), enterPending(cc, []Effect{delay()})
		}
		return nextPending(s)
	default:
		return Errored(fmt.Errorf("%w: %q", ErrUnknownStatus, status)), nil
	}
}

// nextPending spends one pending attempt; the budget ends in a timeout.
func nextPending(s State) (State, []Effect) {
	if s.Attempt >= MaxPendingAttempts {
		return Errored(ErrTimeout), nil
	}
	return Pending(s.Attempt + 1), []Effect{delay(), pollEffect}
}

// nextNotFound spends one not-found attempt. An exhausted budget parks the
// engine in NotFound instead of failing.
func nextNotFound(s State) (State, []Effect) {
	next := s.Attempt + 1
	if next > MaxNotFoundAttempts {
		next = MaxNotFoundAttempts
	}
	if next < MaxNotFoundAttempts {
		return NotFound(next), []Effect{delay(), pollEffect}
	}
	return NotFound(next), nil
}

// ClassifyPoll reduces an oracle response to a PollResult.
func ClassifyPoll(resp oracle.StatusResponse, err error) PollResult {
	switch {
	case errors.Is(err, oracle.ErrNotFound):
		return PollResult{Outcome: OutcomeNotFound}
	case errors.Is(err, oracle.ErrUnavailable):
		return PollResult{Outcome: OutcomeUnavailable, Err: err}
	case err != nil:
		return PollResult{Outcome: OutcomeTransport, Err: err}
	case !resp.Success:
		return PollResult{Outcome: OutcomeRejected, Message: resp.Error}
	case resp.Data == nil:
		return PollResult{Outcome: OutcomeStatus}
	default:
		return PollResult{Outcome: OutcomeStatus, Status: resp.Data.Status}
	}
}
