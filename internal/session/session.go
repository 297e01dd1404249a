// Package session drives the per-user guided order flow and parks orders
// that are blocked on an out-of-band authorization.
package session

import (
	"errors"
	"time"

	"hl-chat-trader/internal/order"
)

type Step string

const (
	StepIdle           Step = "idle"
	StepSelectSide     Step = "select_side"
	StepSelectSize     Step = "select_size"
	StepSelectLeverage Step = "select_leverage"
	StepSelectType     Step = "select_type"
	StepConfirm        Step = "confirm"
)

var (
	ErrNoSession      = errors.New("no active order session")
	ErrUnexpected     = errors.New("input does not match the current step")
	ErrNoPendingOrder = errors.New("no pending order")
	ErrBusy           = errors.New("session is busy")
	// ErrPendingKept wraps resume failures that happened before execution;
	// the parked order is still stored and a later trigger can retry it.
	ErrPendingKept = errors.New("pending order kept")
)

// Session is the persisted state for one user. Draft accumulates the
// guided choices; Pending holds an order waiting on authorization.
type Session struct {
	UserID    string        `json:"user_id"`
	Step      Step          `json:"step"`
	Draft     order.Intent  `json:"draft"`
	Pending   *order.Intent `json:"pending_order,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (s Session) HasPending() bool {
	return s.Pending != nil
}

type EventKind string

const (
	EventSide     EventKind = "side"
	EventSize     EventKind = "size"
	EventLeverage EventKind = "leverage"
	EventType     EventKind = "type"
)

// Event is one user choice in the guided flow.
type Event struct {
	Kind       EventKind
	Side       order.Side
	SizeUSD    float64
	Leverage   int
	Type       order.Type
	LimitPrice float64
}

func SideEvent(side order.Side) Event {
	return Event{Kind: EventSide, Side: side}
}

func SizeEvent(sizeUSD float64) Event {
	return Event{Kind: EventSize, SizeUSD: sizeUSD}
}

func LeverageEvent(leverage int) Event {
	return Event{Kind: EventLeverage, Leverage: leverage}
}

func TypeEvent(t order.Type, limitPrice float64) Event {
	return Event{Kind: EventType, Type: t, LimitPrice: limitPrice}
}

// expects maps each input step to the event it accepts and the step after.
var expects = map[Step]struct {
	kind EventKind
	next Step
}{
	StepSelectSide:     {EventSide, StepSelectSize},
	StepSelectSize:     {EventSize, StepSelectLeverage},
	StepSelectLeverage: {EventLeverage, StepSelectType},
	StepSelectType:     {EventType, StepConfirm},
}

// apply validates ev against limits and advances s. s is unchanged on error.
func apply(s *Session, ev Event, limits order.Limits) error {
	want, ok := expects[s.Step]
	if !ok || want.kind != ev.Kind {
		return ErrUnexpected
	}
	draft := s.Draft
	switch ev.Kind {
	case EventSide:
		if err := limits.ValidateSide(ev.Side); err != nil {
			return err
		}
		draft.Side = ev.Side
	case EventSize:
		if err := limits.ValidateSize(ev.SizeUSD); err != nil {
			return err
		}
		draft.SizeUSD = ev.SizeUSD
	case EventLeverage:
		if err := limits.ValidateLeverage(ev.Leverage); err != nil {
			return err
		}
		if err := limits.ValidateMargin(draft.SizeUSD, ev.Leverage); err != nil {
			return err
		}
		draft.Leverage = ev.Leverage
	case EventType:
		if err := limits.ValidateType(ev.Type, ev.LimitPrice); err != nil {
			return err
		}
		draft.Type = ev.Type
		draft.LimitPrice = 0
		if ev.Type == order.TypeLimit {
			draft.LimitPrice = ev.LimitPrice
		}
	}
	s.Draft = draft
	s.Step = want.next
	return nil
}
