package exec

import (
	"context"
	"errors"
	"net"
	"strings"

	"hl-chat-trader/internal/account"
	"hl-chat-trader/internal/hl/exchange"
	"hl-chat-trader/internal/hl/rest"
	"hl-chat-trader/internal/market"
	"hl-chat-trader/internal/order"
)

type Kind string

const (
	KindValidation            Kind = "validation"
	KindNotInitialized        Kind = "not_initialized"
	KindAssetNotFound         Kind = "asset_not_found"
	KindDexNotFound           Kind = "dex_not_found"
	KindPriceUnavailable      Kind = "price_unavailable"
	KindRateLimitExceeded     Kind = "rate_limit_exceeded"
	KindNoPosition            Kind = "no_position"
	KindAuthorizationRequired Kind = "authorization_required"
	KindBuilderFeeRequired    Kind = "builder_fee_required"
	KindExchangeRejected      Kind = "exchange_rejected"
	KindSigningFailed         Kind = "signing_failed"
	KindNetwork               Kind = "network"
	KindUnknown               Kind = "unknown"
)

// Error is a classified execution failure. Reason is safe to show a user.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether a manual retry may succeed shortly.
func (e *Error) Transient() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindPriceUnavailable, KindRateLimitExceeded, KindNetwork:
		return true
	}
	return false
}

// NeedsAuthorization reports whether the user must approve something out
// of band before the same order can succeed.
func (e *Error) NeedsAuthorization() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindAuthorizationRequired || e.Kind == KindBuilderFeeRequired
}

// Classify maps any error from the trading path onto a Kind.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	var invalid *order.ValidationError
	if errors.As(err, &invalid) {
		return &Error{Kind: KindValidation, Reason: invalid.Reason, Err: err}
	}
	var rejected *exchange.RejectedError
	if errors.As(err, &rejected) {
		return &Error{Kind: classifyRejection(rejected.Message), Reason: rejected.Message, Err: err}
	}
	switch {
	case errors.Is(err, market.ErrNotInitialized):
		return &Error{Kind: KindNotInitialized, Reason: "market not resolved yet", Err: err}
	case errors.Is(err, market.ErrAssetNotFound):
		return &Error{Kind: KindAssetNotFound, Reason: err.Error(), Err: err}
	case errors.Is(err, market.ErrDexNotFound):
		return &Error{Kind: KindDexNotFound, Reason: err.Error(), Err: err}
	case errors.Is(err, market.ErrPriceUnavailable), errors.Is(err, order.ErrInvalidPrice):
		return &Error{Kind: KindPriceUnavailable, Reason: "price unavailable, try again shortly", Err: err}
	case errors.Is(err, rest.ErrRateLimitExceeded), errors.Is(err, rest.ErrRateLimited):
		return &Error{Kind: KindRateLimitExceeded, Reason: "exchange is rate limiting, try again shortly", Err: err}
	case errors.Is(err, account.ErrNoPosition):
		return &Error{Kind: KindNoPosition, Reason: "no open position to close", Err: err}
	case errors.Is(err, exchange.ErrSigningFailed):
		return &Error{Kind: KindSigningFailed, Reason: "could not sign the request", Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: KindNetwork, Reason: "request timed out", Err: err}
	}
	var status *rest.StatusError
	if errors.As(err, &status) {
		return &Error{Kind: KindNetwork, Reason: status.Error(), Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindNetwork, Reason: "exchange unreachable", Err: err}
	}
	return &Error{Kind: KindUnknown, Reason: err.Error(), Err: err}
}

// classifyRejection matches the exchange's free-text reasons. The exchange
// has no structured error codes.
func classifyRejection(message string) Kind {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "builder fee"):
		return KindBuilderFeeRequired
	case strings.Contains(msg, "does not exist") && (strings.Contains(msg, "api wallet") || strings.Contains(msg, "user")):
		return KindAuthorizationRequired
	case strings.Contains(msg, "agent") && (strings.Contains(msg, "not approved") || strings.Contains(msg, "not authorized")):
		return KindAuthorizationRequired
	}
	return KindExchangeRejected
}
