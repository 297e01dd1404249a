package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"hl-chat-trader/internal/exec"
	"hl-chat-trader/internal/hl/exchange"
	"hl-chat-trader/internal/metrics"
	"hl-chat-trader/internal/order"
	"hl-chat-trader/internal/state"

	"go.uber.org/zap"
)

const (
	DefaultTTL = 30 * time.Minute

	// DefaultLockTTL must outlast one order placement; callers with slower
	// transports pass a larger Options.LockTTL.
	DefaultLockTTL = 3 * time.Minute

	keyPrefix  = "session:"
	lockMargin = 5 * time.Second
	stripes    = 64
)

// Executor places orders and exposes the bounds it enforces.
type Executor interface {
	PlaceOrder(ctx context.Context, agent exchange.Agent, intent order.Intent) exec.Result
	Limits() order.Limits
}

// Agents resolves a user's trading credentials.
type Agents interface {
	Agent(ctx context.Context, userID string) (exchange.Agent, error)
}

// Outcome reports what a confirmation or resume did. Deferred means the
// order was parked until the user completes authorization.
type Outcome struct {
	Session  Session
	Intent   order.Intent
	Result   exec.Result
	Deferred bool
	Cleared  bool
}

type Options struct {
	TTL time.Duration
	// LockTTL is how long a cross-process session lock is held. Work done
	// under the lock is cut off lockMargin before it lapses.
	LockTTL time.Duration
	Locker  state.Locker
	Metrics *metrics.Metrics
}

type Manager struct {
	store   state.Store
	locker  state.Locker
	exec    Executor
	agents  Agents
	ttl     time.Duration
	lockTTL time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
	locks   [stripes]sync.Mutex
}

func NewManager(store state.Store, executor Executor, agents Agents, opts Options, log *zap.Logger) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.LockTTL <= 2*lockMargin {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:   store,
		locker:  opts.Locker,
		exec:    executor,
		agents:  agents,
		ttl:     opts.TTL,
		lockTTL: opts.LockTTL,
		metrics: opts.Metrics,
		log:     log,
		now:     time.Now,
	}
}

// Get returns the live session for userID.
func (m *Manager) Get(ctx context.Context, userID string) (Session, bool, error) {
	return m.load(ctx, userID)
}

// Start opens a fresh guided session, replacing any existing one.
func (m *Manager) Start(ctx context.Context, userID string) (Session, error) {
	var out Session
	err := m.withLock(ctx, userID, func(ctx context.Context) error {
		out = Session{UserID: userID, Step: StepSelectSide}
		return m.save(ctx, &out)
	})
	return out, err
}

// Prepare jumps straight to confirmation with a complete intent, as when
// the user typed the whole order in one message.
func (m *Manager) Prepare(ctx context.Context, userID string, intent order.Intent) (Session, error) {
	if err := m.exec.Limits().Validate(intent); err != nil {
		return Session{}, err
	}
	var out Session
	err := m.withLock(ctx, userID, func(ctx context.Context) error {
		out = Session{UserID: userID, Step: StepConfirm, Draft: intent}
		return m.save(ctx, &out)
	})
	return out, err
}

// Apply feeds one guided choice into the session.
func (m *Manager) Apply(ctx context.Context, userID string, ev Event) (Session, error) {
	var out Session
	err := m.withLock(ctx, userID, func(ctx context.Context) error {
		s, ok, err := m.load(ctx, userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSession
		}
		if err := apply(&s, ev, m.exec.Limits()); err != nil {
			return err
		}
		out = s
		return m.save(ctx, &out)
	})
	return out, err
}

// Cancel drops the session, including any pending order.
func (m *Manager) Cancel(ctx context.Context, userID string) error {
	return m.withLock(ctx, userID, func(ctx context.Context) error {
		return m.store.Delete(ctx, key(userID))
	})
}

// Confirm executes the drafted order. Success clears the session. An
// authorization failure parks the order as pending and resets to idle.
// Transient failures leave the session at confirm so the user can retry;
// any other failure clears it.
func (m *Manager) Confirm(ctx context.Context, userID string) (Outcome, error) {
	var out Outcome
	err := m.withLock(ctx, userID, func(ctx context.Context) error {
		s, ok, err := m.load(ctx, userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSession
		}
		if s.Step != StepConfirm {
			return ErrUnexpected
		}
		intent := s.Draft
		if err := m.exec.Limits().Validate(intent); err != nil {
			return err
		}
		agent, err := m.agents.Agent(ctx, userID)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		res := m.exec.PlaceOrder(ctx, agent, intent)
		out = Outcome{Intent: intent, Result: res}

		switch {
		case res.OK():
			out.Cleared = true
			return m.store.Delete(ctx, key(userID))
		case res.Err.NeedsAuthorization():
			m.metrics.SessionsDeferred.Inc()
			m.log.Info("order deferred pending authorization",
				zap.String("user_id", userID),
				zap.String("kind", string(res.Err.Kind)),
			)
			pending := intent
			s.Pending = &pending
			s.Step = StepIdle
			s.Draft = order.Intent{}
			out.Deferred = true
			out.Session = s
			return m.save(ctx, &out.Session)
		case res.Err.Transient():
			out.Session = s
			return nil
		default:
			out.Cleared = true
			return m.store.Delete(ctx, key(userID))
		}
	})
	return out, err
}

// ResumePending re-executes a parked order exactly once. Anything that
// fails before execution leaves the order parked. Once execution starts
// the session is already cleared, so a repeated trigger cannot place it
// twice and a failed retry is reported but never re-queued.
func (m *Manager) ResumePending(ctx context.Context, userID string) (Outcome, error) {
	var out Outcome
	err := m.withLock(ctx, userID, func(ctx context.Context) error {
		s, ok, err := m.load(ctx, userID)
		if err != nil {
			return err
		}
		if !ok || s.Pending == nil {
			return ErrNoPendingOrder
		}
		intent := *s.Pending
		agent, err := m.agents.Agent(ctx, userID)
		if err != nil {
			return fmt.Errorf("%w: load credentials: %w", ErrPendingKept, err)
		}
		if err := m.store.Delete(ctx, key(userID)); err != nil {
			return fmt.Errorf("%w: %w", ErrPendingKept, err)
		}
		out = Outcome{Intent: intent, Cleared: true}
		m.metrics.PendingResumed.Inc()
		out.Result = m.exec.PlaceOrder(ctx, agent, intent)
		if !out.Result.OK() {
			m.log.Info("resumed order failed",
				zap.String("user_id", userID),
				zap.String("kind", string(out.Result.Err.Kind)),
			)
		}
		return nil
	})
	return out, err
}

func (m *Manager) load(ctx context.Context, userID string) (Session, bool, error) {
	var s Session
	ok, err := state.LoadJSON(ctx, m.store, key(userID), &s)
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return Session{}, false, nil
	}
	if !s.UpdatedAt.IsZero() && !m.now().Before(s.UpdatedAt.Add(m.ttl)) {
		return Session{}, false, nil
	}
	return s, true, nil
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	s.UpdatedAt = m.now().UTC()
	if err := state.SaveJSON(ctx, m.store, key(s.UserID), s, m.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// withLock runs fn holding the per-user lock. With a cross-process locker,
// fn's context ends before the lock can lapse, so another replica never
// sees the session while an order from this one may still be in flight.
func (m *Manager) withLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	mu := &m.locks[stripe(userID)]
	mu.Lock()
	defer mu.Unlock()
	if m.locker == nil {
		return fn(ctx)
	}
	unlock, err := m.locker.Lock(ctx, key(userID), m.lockTTL)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	defer unlock()
	lockedCtx, cancel := context.WithTimeout(ctx, m.lockTTL-lockMargin)
	defer cancel()
	return fn(lockedCtx)
}

func key(userID string) string {
	return keyPrefix + userID
}

func stripe(userID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return h.Sum32() % stripes
}
