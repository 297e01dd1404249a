package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"hl-chat-trader/internal/exec"
	"hl-chat-trader/internal/hl/exchange"
	"hl-chat-trader/internal/order"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
	ttls  map[string]time.Duration
}

func newMemoryStore() *memoryStore {
	return &memoryStore{items: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	return m.SetTTL(ctx, key, value, 0)
}

func (m *memoryStore) SetTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	delete(m.ttls, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type fakeExecutor struct {
	mu        sync.Mutex
	intents   []order.Intent
	results   []exec.Result
	deadlines []time.Time
}

func (f *fakeExecutor) PlaceOrder(ctx context.Context, _ exchange.Agent, intent order.Intent) exec.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, intent)
	deadline, _ := ctx.Deadline()
	f.deadlines = append(f.deadlines, deadline)
	if len(f.results) == 0 {
		return exec.Result{Outcome: exec.OutcomeFilled, OrderID: 1}
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res
}

func (f *fakeExecutor) Limits() order.Limits {
	return order.DefaultLimits()
}

type fakeAgents struct {
	err error
}

func (a *fakeAgents) Agent(_ context.Context, userID string) (exchange.Agent, error) {
	if a.err != nil {
		return exchange.Agent{}, a.err
	}
	return exchange.Agent{Wallet: common.HexToAddress("0x1111111111111111111111111111111111111111")}, nil
}

type fakeLocker struct {
	ttls []time.Duration
	held bool
}

func (l *fakeLocker) Lock(_ context.Context, _ string, ttl time.Duration) (func(), error) {
	if l.held {
		return nil, errors.New("lock held")
	}
	l.held = true
	l.ttls = append(l.ttls, ttl)
	return func() { l.held = false }, nil
}

func failure(kind exec.Kind, reason string) exec.Result {
	return exec.Result{Outcome: exec.OutcomeFailed, Err: &exec.Error{Kind: kind, Reason: reason}}
}

type fixture struct {
	store  *memoryStore
	exec   *fakeExecutor
	agents *fakeAgents
	mgr    *Manager
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemoryStore(),
		exec:   &fakeExecutor{},
		agents: &fakeAgents{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mgr = NewManager(f.store, f.exec, f.agents, Options{}, nil)
	f.mgr.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) walk(t *testing.T, userID string, events ...Event) Session {
	t.Helper()
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, userID)
	require.NoError(t, err)
	for _, ev := range events {
		s, err = f.mgr.Apply(ctx, userID, ev)
		require.NoError(t, err)
	}
	return s
}

func guided() []Event {
	return []Event{
		SideEvent(order.SideLong),
		SizeEvent(100),
		LeverageEvent(5),
		TypeEvent(order.TypeMarket, 0),
	}
}

func TestGuidedFlowRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.walk(t, "u1", guided()...)
	require.Equal(t, StepConfirm, s.Step)

	out, err := f.mgr.Confirm(ctx, "u1")
	require.NoError(t, err)
	require.True(t, out.Result.OK())
	require.True(t, out.Cleared)
	require.Equal(t, []order.Intent{{Side: order.SideLong, SizeUSD: 100, Leverage: 5, Type: order.TypeMarket}}, f.exec.intents)

	_, ok, err := f.mgr.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStepsAdvanceInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, StepSelectSide, s.Step)

	want := []Step{StepSelectSize, StepSelectLeverage, StepSelectType, StepConfirm}
	for i, ev := range guided() {
		s, err = f.mgr.Apply(ctx, "u1", ev)
		require.NoError(t, err)
		require.Equal(t, want[i], s.Step)
	}
}

func TestApplyRejectsOutOfOrderInput(t *testing.T) {
	f := newFixture(t)
	f.walk(t, "u1")
	_, err := f.mgr.Apply(context.Background(), "u1", SizeEvent(100))
	require.ErrorIs(t, err, ErrUnexpected)
}

func TestApplyValidatesEachStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.walk(t, "u1", SideEvent(order.SideShort))

	_, err := f.mgr.Apply(ctx, "u1", SizeEvent(5))
	require.ErrorIs(t, err, order.ErrSizeTooSmall)
	_, err = f.mgr.Apply(ctx, "u1", SizeEvent(100001))
	require.ErrorIs(t, err, order.ErrSizeTooLarge)

	s, ok, err := f.mgr.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StepSelectSize, s.Step)

	_, err = f.mgr.Apply(ctx, "u1", SizeEvent(100))
	require.NoError(t, err)
	_, err = f.mgr.Apply(ctx, "u1", LeverageEvent(20))
	require.ErrorIs(t, err, order.ErrMarginTooSmall)
	_, err = f.mgr.Apply(ctx, "u1", LeverageEvent(21))
	require.ErrorIs(t, err, order.ErrLeverageOutOfRange)
	_, err = f.mgr.Apply(ctx, "u1", LeverageEvent(2))
	require.NoError(t, err)
	_, err = f.mgr.Apply(ctx, "u1", TypeEvent(order.TypeLimit, 0))
	require.ErrorIs(t, err, order.ErrMissingLimitPrice)
	s, err = f.mgr.Apply(ctx, "u1", TypeEvent(order.TypeLimit, 4800))
	require.NoError(t, err)
	require.Equal(t, order.Intent{Side: order.SideShort, SizeUSD: 100, Leverage: 2, Type: order.TypeLimit, LimitPrice: 4800}, s.Draft)
}

func TestSessionPersistsWithTTL(t *testing.T) {
	f := newFixture(t)
	f.walk(t, "u1", SideEvent(order.SideLong))
	require.Equal(t, 30*time.Minute, f.store.ttls["session:u1"])
}

func TestSessionExpiresAbsolutely(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.walk(t, "u1", SideEvent(order.SideLong))

	f.now = f.now.Add(29 * time.Minute)
	_, ok, err := f.mgr.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	f.now = f.now.Add(time.Minute)
	_, ok, err = f.mgr.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = f.mgr.Apply(ctx, "u1", SizeEvent(100))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestStartReplacesExistingSession(t *testing.T) {
	f := newFixture(t)
	f.walk(t, "u1", SideEvent(order.SideLong), SizeEvent(100))
	s := f.walk(t, "u1")
	require.Equal(t, StepSelectSide, s.Step)
	require.Equal(t, order.Intent{}, s.Draft)
}

func TestAuthorizationFailureParksPendingOrder(t *testing.T) {
	for _, kind := range []exec.Kind{exec.KindAuthorizationRequired, exec.KindBuilderFeeRequired} {
		t.Run(string(kind), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.exec.results = []exec.Result{failure(kind, "approve first")}
			f.walk(t, "u1", guided()...)

			out, err := f.mgr.Confirm(ctx, "u1")
			require.NoError(t, err)
			require.True(t, out.Deferred)

			s, ok, err := f.mgr.Get(ctx, "u1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, StepIdle, s.Step)
			require.NotNil(t, s.Pending)
			require.Equal(t, f.exec.intents[0], *s.Pending)
		})
	}
}

func TestResumePendingRunsOnceAndClears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.results = []exec.Result{failure(exec.KindAuthorizationRequired, "agent missing")}
	f.walk(t, "u1", guided()...)
	_, err := f.mgr.Confirm(ctx, "u1")
	require.NoError(t, err)

	out, err := f.mgr.ResumePending(ctx, "u1")
	require.NoError(t, err)
	require.True(t, out.Result.OK())
	require.Len(t, f.exec.intents, 2)
	require.Equal(t, f.exec.intents[0], f.exec.intents[1])

	_, ok, err := f.mgr.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.mgr.ResumePending(ctx, "u1")
	require.ErrorIs(t, err, ErrNoPendingOrder)
	require.Len(t, f.exec.intents, 2)
}

func TestResumePendingFailureIsNotRequeued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.results = []exec.Result{
		failure(exec.KindBuilderFeeRequired, "builder fee"),
		failure(exec.KindBuilderFeeRequired, "builder fee"),
	}
	f.walk(t, "u1", guided()...)
	_, err := f.mgr.Confirm(ctx, "u1")
	require.NoError(t, err)

	out, err := f.mgr.ResumePending(ctx, "u1")
	require.NoError(t, err)
	require.False(t, out.Result.OK())
	require.Equal(t, exec.KindBuilderFeeRequired, out.Result.Err.Kind)

	_, ok, err := f.mgr.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransientFailureKeepsConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.results = []exec.Result{failure(exec.KindRateLimitExceeded, "slow down")}
	f.walk(t, "u1", guided()...)

	out, err := f.mgr.Confirm(ctx, "u1")
	require.NoError(t, err)
	require.False(t, out.Cleared)
	s, ok, err := f.mgr.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StepConfirm, s.Step)
	require.Nil(t, s.Pending)
}

func TestRejectionClearsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.results = []exec.Result{failure(exec.KindExchangeRejected, "Insufficient margin")}
	f.walk(t, "u1", guided()...)

	out, err := f.mgr.Confirm(ctx, "u1")
	require.NoError(t, err)
	require.True(t, out.Cleared)
	_, ok, _ := f.mgr.Get(ctx, "u1")
	require.False(t, ok)
}

func TestConfirmRequiresConfirmStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Confirm(ctx, "u1")
	require.ErrorIs(t, err, ErrNoSession)
	f.walk(t, "u1", SideEvent(order.SideLong))
	_, err = f.mgr.Confirm(ctx, "u1")
	require.ErrorIs(t, err, ErrUnexpected)
	require.Empty(t, f.exec.intents)
}

func TestPrepareValidatesAndJumpsToConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Prepare(ctx, "u1", order.Intent{Side: order.SideLong, SizeUSD: 5, Leverage: 1, Type: order.TypeMarket})
	require.ErrorIs(t, err, order.ErrSizeTooSmall)

	intent := order.Intent{Side: order.SideShort, SizeUSD: 50, Leverage: 2, Type: order.TypeLimit, LimitPrice: 4800}
	s, err := f.mgr.Prepare(ctx, "u1", intent)
	require.NoError(t, err)
	require.Equal(t, StepConfirm, s.Step)
	require.Equal(t, intent, s.Draft)
}

func TestCancelDropsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.walk(t, "u1", SideEvent(order.SideLong))
	require.NoError(t, f.mgr.Cancel(ctx, "u1"))
	_, ok, _ := f.mgr.Get(ctx, "u1")
	require.False(t, ok)
}

func TestResumePendingKeepsOrderWhenCredentialsFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.results = []exec.Result{failure(exec.KindAuthorizationRequired, "agent missing")}
	f.walk(t, "u1", guided()...)
	_, err := f.mgr.Confirm(ctx, "u1")
	require.NoError(t, err)

	f.agents.err = errors.New("postgres: connection reset")
	_, err = f.mgr.ResumePending(ctx, "u1")
	require.ErrorIs(t, err, ErrPendingKept)
	require.Len(t, f.exec.intents, 1)

	s, ok, err := f.mgr.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, s.Pending)

	f.agents.err = nil
	out, err := f.mgr.ResumePending(ctx, "u1")
	require.NoError(t, err)
	require.True(t, out.Result.OK())
	require.Len(t, f.exec.intents, 2)
	require.Equal(t, f.exec.intents[0], f.exec.intents[1])
}

func TestLockedWorkEndsBeforeLockLapses(t *testing.T) {
	store := newMemoryStore()
	ex := &fakeExecutor{}
	locker := &fakeLocker{}
	mgr := NewManager(store, ex, &fakeAgents{}, Options{LockTTL: time.Minute, Locker: locker}, nil)
	ctx := context.Background()
	_, err := mgr.Prepare(ctx, "u1", order.Intent{Side: order.SideLong, SizeUSD: 100, Leverage: 5, Type: order.TypeMarket})
	require.NoError(t, err)

	before := time.Now()
	_, err = mgr.Confirm(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, time.Minute, locker.ttls[len(locker.ttls)-1])
	require.Len(t, ex.deadlines, 1)
	deadline := ex.deadlines[0]
	require.False(t, deadline.IsZero())
	require.True(t, deadline.Before(before.Add(time.Minute-lockMargin+time.Second)))
	require.False(t, locker.held)
}

func TestLockTTLDefaultsWhenTooShort(t *testing.T) {
	mgr := NewManager(newMemoryStore(), &fakeExecutor{}, &fakeAgents{}, Options{LockTTL: time.Second}, nil)
	require.Equal(t, DefaultLockTTL, mgr.lockTTL)
}
