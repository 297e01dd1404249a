package exchange

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

func mapKeys(t *testing.T, dec *msgpack.Decoder) []string {
	t.Helper()
	n, err := dec.DecodeMapLen()
	if err != nil {
		t.Fatalf("decode map len: %v", err)
	}
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			t.Fatalf("decode key: %v", err)
		}
		keys = append(keys, key)
		if err := dec.Skip(); err != nil {
			t.Fatalf("skip value: %v", err)
		}
	}
	return keys
}

func TestEncodeActionKeyOrder(t *testing.T) {
	cases := []struct {
		action Action
		keys   string
	}{
		{UpdateLeverageAction{Asset: 1, Leverage: 3}, "type,asset,isCross,leverage"},
		{testOrderAction(t), "type,orders,grouping,builder"},
		{OrderAction{Orders: testOrderAction(t).Orders}, "type,orders,grouping"},
		{CancelAction{Cancels: []CancelWire{{Asset: 1, OrderID: 2}}}, "type,cancels"},
		{EnableDexAction{}, "type"},
	}
	for _, tc := range cases {
		payload, err := EncodeAction(tc.action)
		if err != nil {
			t.Fatalf("encode %s: %v", tc.action.ActionType(), err)
		}
		keys := mapKeys(t, msgpack.NewDecoder(bytes.NewReader(payload)))
		if got := strings.Join(keys, ","); got != tc.keys {
			t.Fatalf("%s keys = %s, want %s", tc.action.ActionType(), got, tc.keys)
		}
	}
}

func TestEncodeOrderWireKeyOrder(t *testing.T) {
	enc, err := EncodeAction(OrderAction{Orders: testOrderAction(t).Orders})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(enc))
	if _, err := dec.DecodeMapLen(); err != nil {
		t.Fatalf("map len: %v", err)
	}
	if key, _ := dec.DecodeString(); key != "type" {
		t.Fatalf("expected type key first, got %q", key)
	}
	if err := dec.Skip(); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if key, _ := dec.DecodeString(); key != "orders" {
		t.Fatalf("expected orders key second, got %q", key)
	}
	if n, err := dec.DecodeArrayLen(); err != nil || n != 1 {
		t.Fatalf("expected one order, got %d (%v)", n, err)
	}
	if got := strings.Join(mapKeys(t, dec), ","); got != "a,b,p,s,r,t,c" {
		t.Fatalf("order wire keys = %s", got)
	}
	if key, _ := dec.DecodeString(); key != "grouping" {
		t.Fatalf("expected grouping key, got %q", key)
	}
	if grouping, _ := dec.DecodeString(); grouping != "na" {
		t.Fatalf("expected default grouping na, got %q", grouping)
	}
}

func TestEncodeActionDeterministic(t *testing.T) {
	a, err := EncodeAction(testOrderAction(t))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := EncodeAction(testOrderAction(t))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("expected identical encodings")
	}
}

func TestBuilderAddressLowercased(t *testing.T) {
	action := testOrderAction(t)
	data, err := json.Marshal(action)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"builder":{"b":"0xabcdefabcdefabcdefabcdefabcdefabcdefabcd","f":100}`) {
		t.Fatalf("unexpected builder json %s", data)
	}
	if !strings.HasPrefix(string(data), `{"type":"order"`) {
		t.Fatalf("expected type first, got %s", data)
	}
}

func TestDecodeActionRoundTripsOrder(t *testing.T) {
	action := testOrderAction(t)
	data, err := json.Marshal(action)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := DecodeAction(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want, _ := EncodeAction(action)
	got, _ := EncodeAction(decoded)
	if !bytes.Equal(want, got) {
		t.Fatalf("decoded action encodes differently")
	}
}

func TestEnableDexActionForms(t *testing.T) {
	payload, err := EncodeAction(EnableDexAction{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := append([]byte{0x81, 0xa4, 't', 'y', 'p', 'e', 0xb9}, "agentEnableDexAbstraction"...)
	if !bytes.Equal(payload, want) {
		t.Fatalf("payload = %x, want %x", payload, want)
	}

	data, err := json.Marshal(EnableDexAction{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"agentEnableDexAbstraction"}` {
		t.Fatalf("unexpected json %s", data)
	}
	decoded, err := DecodeAction(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := decoded.(EnableDexAction); !ok {
		t.Fatalf("expected EnableDexAction, got %T", decoded)
	}
}

func TestDecodeActionRejectsUnknownType(t *testing.T) {
	if _, err := DecodeAction([]byte(`{"type":"withdraw3"}`)); err == nil {
		t.Fatalf("expected unsupported type error")
	}
	if _, err := DecodeAction([]byte(`{"asset":1}`)); err == nil {
		t.Fatalf("expected missing type error")
	}
}

func TestNormalizePrice(t *testing.T) {
	cases := []struct {
		price      float64
		szDecimals int
		want       float64
	}{
		{2813.355, 2, 2813.4},
		{2757.645, 2, 2757.6},
		{0.0123456, 0, 0.012346},
		{123456.7, 0, 123460},
		{97123.4, 5, 97123},
	}
	for _, tc := range cases {
		if got := NormalizePrice(tc.price, tc.szDecimals); got != tc.want {
			t.Fatalf("NormalizePrice(%v, %d) = %v, want %v", tc.price, tc.szDecimals, got, tc.want)
		}
	}
}

func TestFloatToWire(t *testing.T) {
	got, err := floatToWire(2813.4)
	if err != nil || got != "2813.4" {
		t.Fatalf("floatToWire(2813.4) = %q, %v", got, err)
	}
	if _, err := floatToWire(0.123456789); err == nil {
		t.Fatalf("expected rounding error")
	}
}

func TestNewCloidFormat(t *testing.T) {
	cloid := NewCloid()
	if !regexp.MustCompile(`^0x[0-9a-f]{32}$`).MatchString(cloid) {
		t.Fatalf("unexpected cloid %q", cloid)
	}
	if cloid == NewCloid() {
		t.Fatalf("expected unique cloids")
	}
}
