package exchange

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

type Tif string

const (
	TifAlo Tif = "Alo"
	TifIoc Tif = "Ioc"
	TifGtc Tif = "Gtc"
)

const (
	ActionTypeUpdateLeverage = "updateLeverage"
	ActionTypeOrder          = "order"
	ActionTypeCancel         = "cancel"
	ActionTypeEnableDex      = "agentEnableDexAbstraction"
)

// Action is one of the signed exchange actions. The set is closed: each
// variant owns its canonical msgpack encoding and its JSON wire form.
type Action interface {
	ActionType() string
	encodeMsgpack(enc *msgpack.Encoder) error
}

type LimitOrderType struct {
	Tif Tif `json:"tif"`
}

type OrderTypeWire struct {
	Limit *LimitOrderType `json:"limit,omitempty"`
}

type OrderWire struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	Price      string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	OrderType  OrderTypeWire `json:"t"`
	Cloid      string        `json:"c,omitempty"`
}

// BuilderWire attaches a builder fee to an order. Fee is in tenths of a basis point.
type BuilderWire struct {
	Address string `json:"b"`
	Fee     int    `json:"f"`
}

// NewBuilder normalizes the builder address to the lowercase form the exchange hashes.
func NewBuilder(address string, fee int) BuilderWire {
	return BuilderWire{Address: strings.ToLower(strings.TrimSpace(address)), Fee: fee}
}

type UpdateLeverageAction struct {
	Asset    int  `json:"asset"`
	IsCross  bool `json:"isCross"`
	Leverage int  `json:"leverage"`
}

func (UpdateLeverageAction) ActionType() string { return ActionTypeUpdateLeverage }

func (a UpdateLeverageAction) MarshalJSON() ([]byte, error) {
	type wire UpdateLeverageAction
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{Type: ActionTypeUpdateLeverage, wire: wire(a)})
}

type OrderAction struct {
	Orders   []OrderWire  `json:"orders"`
	Grouping string       `json:"grouping"`
	Builder  *BuilderWire `json:"builder,omitempty"`
}

func (OrderAction) ActionType() string { return ActionTypeOrder }

func (a OrderAction) MarshalJSON() ([]byte, error) {
	type wire OrderAction
	if a.Grouping == "" {
		a.Grouping = "na"
	}
	if a.Builder != nil {
		b := NewBuilder(a.Builder.Address, a.Builder.Fee)
		a.Builder = &b
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{Type: ActionTypeOrder, wire: wire(a)})
}

type CancelWire struct {
	Asset   int   `json:"a"`
	OrderID int64 `json:"o"`
}

type CancelAction struct {
	Cancels []CancelWire `json:"cancels"`
}

func (CancelAction) ActionType() string { return ActionTypeCancel }

func (a CancelAction) MarshalJSON() ([]byte, error) {
	type wire CancelAction
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{Type: ActionTypeCancel, wire: wire(a)})
}

// EnableDexAction lets the agent trade on builder-deployed dexes without
// per-dex approval. It carries no fields beyond its type.
type EnableDexAction struct{}

func (EnableDexAction) ActionType() string { return ActionTypeEnableDex }

func (EnableDexAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: ActionTypeEnableDex})
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type SignedAction struct {
	Action       Action    `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    Signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
	ExpiresAfter *uint64   `json:"expiresAfter,omitempty"`
}
