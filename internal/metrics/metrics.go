package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced         Counter
	OrdersFailed         Counter
	LeverageUpdateFailed Counter
	CancelFailed         Counter
	SessionsDeferred     Counter
	PendingResumed       Counter
	InfoRateLimited      Counter
	AlertsSent           Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:         n,
		OrdersFailed:         n,
		LeverageUpdateFailed: n,
		CancelFailed:         n,
		SessionsDeferred:     n,
		PendingResumed:       n,
		InfoRateLimited:      n,
		AlertsSent:           n,
	}
}
