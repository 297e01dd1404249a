package exchange

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeAction returns the canonical msgpack bytes the exchange hashes.
// Key order is significant and fixed per variant.
func EncodeAction(action Action) ([]byte, error) {
	if action == nil {
		return nil, errors.New("action is required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := action.encodeMsgpack(enc); err != nil {
		return nil, fmt.Errorf("encode %s action: %w", action.ActionType(), err)
	}
	return buf.Bytes(), nil
}

// DecodeAction parses the JSON wire form of an action, dispatching on its type field.
func DecodeAction(data []byte) (Action, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case ActionTypeUpdateLeverage:
		var a UpdateLeverageAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return a, nil
	case ActionTypeOrder:
		var a OrderAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return a, nil
	case ActionTypeCancel:
		var a CancelAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return a, nil
	case ActionTypeEnableDex:
		return EnableDexAction{}, nil
	case "":
		return nil, errors.New("action type is required")
	default:
		return nil, fmt.Errorf("unsupported action type %q", head.Type)
	}
}

func (a UpdateLeverageAction) encodeMsgpack(enc *msgpack.Encoder) error {
	if a.Leverage < 1 {
		return errors.New("leverage must be >= 1")
	}
	if err := enc.EncodeMapLen(4); err != nil {
		return err
	}
	if err := encodeKV(enc, "type", ActionTypeUpdateLeverage); err != nil {
		return err
	}
	if err := enc.EncodeString("asset"); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(a.Asset)); err != nil {
		return err
	}
	if err := enc.EncodeString("isCross"); err != nil {
		return err
	}
	if err := enc.EncodeBool(a.IsCross); err != nil {
		return err
	}
	if err := enc.EncodeString("leverage"); err != nil {
		return err
	}
	return enc.EncodeInt(int64(a.Leverage))
}

func (a OrderAction) encodeMsgpack(enc *msgpack.Encoder) error {
	if len(a.Orders) == 0 {
		return errors.New("action orders are required")
	}
	grouping := a.Grouping
	if grouping == "" {
		grouping = "na"
	}
	mapLen := 3
	if a.Builder != nil {
		mapLen++
	}
	if err := enc.EncodeMapLen(mapLen); err != nil {
		return err
	}
	if err := encodeKV(enc, "type", ActionTypeOrder); err != nil {
		return err
	}
	if err := enc.EncodeString("orders"); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(a.Orders)); err != nil {
		return err
	}
	for _, order := range a.Orders {
		if err := encodeOrderWire(enc, order); err != nil {
			return err
		}
	}
	if err := encodeKV(enc, "grouping", grouping); err != nil {
		return err
	}
	if a.Builder != nil {
		if err := enc.EncodeString("builder"); err != nil {
			return err
		}
		return encodeBuilderWire(enc, *a.Builder)
	}
	return nil
}

func (a CancelAction) encodeMsgpack(enc *msgpack.Encoder) error {
	if len(a.Cancels) == 0 {
		return errors.New("action cancels are required")
	}
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := encodeKV(enc, "type", ActionTypeCancel); err != nil {
		return err
	}
	if err := enc.EncodeString("cancels"); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(a.Cancels)); err != nil {
		return err
	}
	for _, cancel := range a.Cancels {
		if err := encodeCancelWire(enc, cancel); err != nil {
			return err
		}
	}
	return nil
}

func (EnableDexAction) encodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	return encodeKV(enc, "type", ActionTypeEnableDex)
}

func encodeOrderWire(enc *msgpack.Encoder, order OrderWire) error {
	mapLen := 6
	if order.Cloid != "" {
		mapLen++
	}
	if err := enc.EncodeMapLen(mapLen); err != nil {
		return err
	}
	if err := enc.EncodeString("a"); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(order.Asset)); err != nil {
		return err
	}
	if err := enc.EncodeString("b"); err != nil {
		return err
	}
	if err := enc.EncodeBool(order.IsBuy); err != nil {
		return err
	}
	if err := encodeKV(enc, "p", order.Price); err != nil {
		return err
	}
	if err := encodeKV(enc, "s", order.Size); err != nil {
		return err
	}
	if err := enc.EncodeString("r"); err != nil {
		return err
	}
	if err := enc.EncodeBool(order.ReduceOnly); err != nil {
		return err
	}
	if err := enc.EncodeString("t"); err != nil {
		return err
	}
	if err := encodeOrderTypeWire(enc, order.OrderType); err != nil {
		return err
	}
	if order.Cloid != "" {
		return encodeKV(enc, "c", order.Cloid)
	}
	return nil
}

func encodeOrderTypeWire(enc *msgpack.Encoder, orderType OrderTypeWire) error {
	if orderType.Limit == nil {
		return errors.New("limit order type required")
	}
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString("limit"); err != nil {
		return err
	}
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	return encodeKV(enc, "tif", string(orderType.Limit.Tif))
}

func encodeBuilderWire(enc *msgpack.Encoder, builder BuilderWire) error {
	if strings.TrimSpace(builder.Address) == "" {
		return errors.New("builder address is required")
	}
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := encodeKV(enc, "b", strings.ToLower(builder.Address)); err != nil {
		return err
	}
	if err := enc.EncodeString("f"); err != nil {
		return err
	}
	return enc.EncodeInt(int64(builder.Fee))
}

func encodeCancelWire(enc *msgpack.Encoder, cancel CancelWire) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString("a"); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(cancel.Asset)); err != nil {
		return err
	}
	if err := enc.EncodeString("o"); err != nil {
		return err
	}
	return enc.EncodeInt(cancel.OrderID)
}

func encodeKV(enc *msgpack.Encoder, key, value string) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return enc.EncodeString(value)
}
