// Package session keeps one reconciliation engine per open callback page.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"evmarket/web/internal/metrics"
	"evmarket/web/internal/payments/callback"
	"evmarket/web/internal/reconcile"

	"github.com/google/uuid"
)

const (
	defaultIdleTimeout   = 30 * time.Second
	defaultSweepInterval = 10 * time.Second
)

// Config controls session lifetime and where completed sessions redirect.
type Config struct {
	LandingURL    string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Snapshot is the view of a session the result page renders.
type Snapshot struct {
	ID         string `json:"id"`
	Gateway    string `json:"gateway,omitempty"`
	OrderID    string `json:"orderId,omitempty"`
	State      string `json:"state"`
	Attempt    int    `json:"attempt"`
	Amount     string `json:"amount,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Terminal   bool   `json:"terminal"`
	Retryable  bool   `json:"retryable"`
	Countdown  *int   `json:"countdown,omitempty"`
	RedirectTo string `json:"redirectTo,omitempty"`
}

// Session is one callback page view and the engine reconciling it.
type Session struct {
	ID      string
	ViewKey string

	engine *reconcile.Engine
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	lastSeen   time.Time
	redirectTo string
}

// Engine returns the engine behind the session.
func (s *Session) Engine() *reconcile.Engine { return s.engine }

// Done is closed once the engine goroutine has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the current page view of the session.
func (s *Session) Snapshot() Snapshot {
	state := s.engine.State()
	if state.Kind == "" {
		// Engine goroutine has not seeded yet; the seed is pure.
		state, _ = reconcile.Seed(s.engine.Context())
	}
	s.mu.Lock()
	redirect := s.redirectTo
	s.mu.Unlock()
	return buildSnapshot(s.ID, s.engine.Context(), state, s.engine.Countdown().Remaining(), redirect)
}

// buildSnapshot assembles the page view. A completed session always carries a
// countdown, even before the first tick is published.
func buildSnapshot(id string, cc callback.Context, state reconcile.State, remaining int, redirect string) Snapshot {
	snap := Snapshot{
		ID:         id,
		Gateway:    cc.Gateway,
		OrderID:    cc.OrderID,
		State:      string(state.Kind),
		Attempt:    state.Attempt,
		Amount:     state.Amount,
		Reason:     state.Reason,
		Terminal:   state.Terminal(),
		Retryable:  state.Kind == reconcile.KindNotFound && state.Attempt >= reconcile.MaxNotFoundAttempts,
		RedirectTo: redirect,
	}
	if remaining < 0 && state.Kind == reconcile.KindCompleted {
		remaining = reconcile.CountdownSeconds
	}
	if remaining >= 0 {
		snap.Countdown = &remaining
	}
	return snap
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

func (s *Session) navigate(target string) {
	s.mu.Lock()
	s.redirectTo = target
	s.mu.Unlock()
}

// Manager owns every open session.
type Manager struct {
	oracle     reconcile.Oracle
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
	engineOpts []reconcile.Option
	now        func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	byView   map[string]string
}

// NewManager creates a manager. engineOpts are applied to every engine it starts.
func NewManager(o reconcile.Oracle, cfg Config, m *metrics.Metrics, logger *slog.Logger, engineOpts ...reconcile.Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		oracle:     o,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		engineOpts: engineOpts,
		now:        time.Now,
		baseCtx:    ctx,
		stop:       stop,
		sessions:   make(map[string]*Session),
		byView:     make(map[string]string),
	}
}

// Start opens a session for cc and begins reconciling in the background. An
// existing session under the same view key is torn down first.
func (m *Manager) Start(viewKey string, cc callback.Context) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(m.baseCtx)
	sess := &Session{
		ID:       id,
		ViewKey:  viewKey,
		cancel:   cancel,
		done:     make(chan struct{}),
		lastSeen: m.now(),
	}
	logger := m.logger.With("session_id", id)
	opts := make([]reconcile.Option, 0, len(m.engineOpts)+3)
	opts = append(opts, m.engineOpts...)
	opts = append(opts,
		reconcile.WithLogger(logger),
		reconcile.WithNavigator(reconcile.NavigatorFunc(func() { sess.navigate(m.cfg.LandingURL) })),
		reconcile.WithHooks(m.hooks(cc.Gateway)),
	)
	sess.engine = reconcile.New(cc, m.oracle, opts...)

	var superseded *Session
	m.mu.Lock()
	if viewKey != "" {
		if prevID, ok := m.byView[viewKey]; ok {
			superseded = m.removeLocked(prevID)
		}
		m.byView[viewKey] = id
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	if superseded != nil {
		superseded.cancel()
		logger.Info("session_superseded", "previous_session_id", superseded.ID)
	}
	m.metrics.SessionOpened()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(sess.done)
		final := sess.engine.Run(ctx)
		logger.Info("session_engine_stopped", "state", final.String(), "cancelled", ctx.Err() != nil)
	}()
	return sess
}

// Get returns the session and records a heartbeat for it.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		sess.touch(m.now())
	}
	return sess, ok
}

// Retry asks a parked session for another poll. The first result reports
// whether the session exists.
func (m *Manager) Retry(id string) (found, accepted bool) {
	sess, ok := m.Get(id)
	if !ok {
		return false, false
	}
	return true, sess.engine.Retry()
}

// Close tears a session down. Pending waits are cancelled and no navigation
// happens afterwards.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	sess := m.removeLocked(id)
	m.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.cancel()
	m.logger.Info("session_closed", "session_id", id)
	return true
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes every session whose page has not heartbeated within the idle
// timeout and returns how many it closed.
func (m *Manager) Sweep() int {
	now := m.now()
	var expired []*Session
	m.mu.Lock()
	for id, sess := range m.sessions {
		if sess.idleSince(now) >= m.cfg.IdleTimeout {
			expired = append(expired, m.removeLocked(id))
		}
	}
	m.mu.Unlock()
	for _, sess := range expired {
		sess.cancel()
		m.logger.Info("session_expired", "session_id", sess.ID)
	}
	return len(expired)
}

// RunJanitor sweeps idle sessions until ctx is cancelled.
func (m *Manager) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Shutdown cancels every session and waits for their engines to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.removeLocked(id)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) removeLocked(id string) *Session {
	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	if m.byView[sess.ViewKey] == id {
		delete(m.byView, sess.ViewKey)
	}
	m.metrics.SessionClosed()
	return sess
}

func (m *Manager) hooks(gateway string) reconcile.Hooks {
	return reconcile.Hooks{
		OnState: func(s reconcile.State) {
			if s.Terminal() {
				m.metrics.ObserveOutcome(gateway, string(s.Kind))
			}
		},
		OnPoll: func(res reconcile.PollResult) {
			m.metrics.ObservePoll(gateway, string(res.Outcome))
		},
		OnCompensate: func(err error) {
			m.metrics.ObserveCompensation(gateway, err)
		},
	}
}
