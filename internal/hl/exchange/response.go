package exchange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// RejectedError carries the exchange's verbatim reason for refusing an action.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return "exchange rejected: " + e.Message
}

type Response struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type FilledStatus struct {
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
	Oid     int64  `json:"oid"`
}

type RestingStatus struct {
	Oid   int64  `json:"oid"`
	Cloid string `json:"cloid,omitempty"`
}

// OrderStatus is the per-order outcome of an order action. Exactly one of
// Filled or Resting is set on success.
type OrderStatus struct {
	Filled  *FilledStatus  `json:"filled,omitempty"`
	Resting *RestingStatus `json:"resting,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (s OrderStatus) OrderID() int64 {
	switch {
	case s.Filled != nil:
		return s.Filled.Oid
	case s.Resting != nil:
		return s.Resting.Oid
	default:
		return 0
	}
}

func (s FilledStatus) Size() float64 {
	v, _ := strconv.ParseFloat(s.TotalSz, 64)
	return v
}

func (s FilledStatus) AvgPrice() float64 {
	v, _ := strconv.ParseFloat(s.AvgPx, 64)
	return v
}

type responseBody struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

// err returns a RejectedError when the envelope status is not ok.
func (r *Response) err() error {
	if strings.EqualFold(r.Status, "ok") {
		return nil
	}
	var msg string
	if err := json.Unmarshal(r.Response, &msg); err != nil || strings.TrimSpace(msg) == "" {
		msg = strings.TrimSpace(string(r.Response))
	}
	if msg == "" {
		msg = "status " + r.Status
	}
	return &RejectedError{Message: msg}
}

func (r *Response) statuses() ([]json.RawMessage, error) {
	if err := r.err(); err != nil {
		return nil, err
	}
	var body responseBody
	if err := json.Unmarshal(r.Response, &body); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return body.Data.Statuses, nil
}

func parseOrderResponse(r *Response) (OrderStatus, error) {
	statuses, err := r.statuses()
	if err != nil {
		return OrderStatus{}, err
	}
	if len(statuses) == 0 {
		return OrderStatus{}, errors.New("order response has no statuses")
	}
	var status OrderStatus
	if err := json.Unmarshal(statuses[0], &status); err != nil {
		return OrderStatus{}, fmt.Errorf("decode order status: %w", err)
	}
	if status.Error != "" {
		return status, &RejectedError{Message: status.Error}
	}
	if status.Filled == nil && status.Resting == nil {
		return status, fmt.Errorf("unrecognized order status %s", string(statuses[0]))
	}
	return status, nil
}

func parseCancelResponse(r *Response) error {
	statuses, err := r.statuses()
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		return errors.New("cancel response has no statuses")
	}
	var plain string
	if err := json.Unmarshal(statuses[0], &plain); err == nil {
		if plain == "success" {
			return nil
		}
		return &RejectedError{Message: plain}
	}
	var status struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(statuses[0], &status); err != nil {
		return fmt.Errorf("decode cancel status: %w", err)
	}
	if status.Error != "" {
		return &RejectedError{Message: status.Error}
	}
	return fmt.Errorf("unrecognized cancel status %s", string(statuses[0]))
}
