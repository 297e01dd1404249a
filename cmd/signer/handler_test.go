package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hl-chat-trader/internal/hl/exchange"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const agentKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

func newTestSigner(t *testing.T) *exchange.LocalSigner {
	t.Helper()
	signer, err := exchange.NewLocalSigner(false, 16)
	if err != nil {
		t.Fatalf("local signer: %v", err)
	}
	t.Cleanup(signer.Close)
	return signer
}

func TestRemoteSignatureMatchesLocal(t *testing.T) {
	local := newTestSigner(t)
	srv := httptest.NewServer(newHandler(local, "secret", zap.NewNop()))
	defer srv.Close()

	addr, err := exchange.AddressFromKey(agentKey)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	agent := exchange.Agent{Key: agentKey, Address: addr, Wallet: common.HexToAddress("0x1111111111111111111111111111111111111111")}
	actions := []exchange.Action{
		exchange.UpdateLeverageAction{Asset: 120007, IsCross: false, Leverage: 5},
		exchange.CancelAction{Cancels: []exchange.CancelWire{{Asset: 120007, OrderID: 77}}},
		exchange.EnableDexAction{},
	}
	remote := exchange.NewRemoteSigner(srv.URL, "secret", time.Second)
	for _, action := range actions {
		want, err := local.SignAction(context.Background(), agent, action, 1700000000000)
		if err != nil {
			t.Fatalf("local sign: %v", err)
		}
		got, err := remote.SignAction(context.Background(), agent, action, 1700000000000)
		if err != nil {
			t.Fatalf("remote sign %s: %v", action.ActionType(), err)
		}
		if got != want {
			t.Fatalf("%s: remote %+v != local %+v", action.ActionType(), got, want)
		}
	}
}

func TestSignRequiresAPIKey(t *testing.T) {
	srv := httptest.NewServer(newHandler(newTestSigner(t), "secret", zap.NewNop()))
	defer srv.Close()

	remote := exchange.NewRemoteSigner(srv.URL, "wrong", time.Second)
	_, err := remote.SignAction(context.Background(), exchange.Agent{Key: agentKey}, exchange.UpdateLeverageAction{Asset: 1, Leverage: 2}, 1)
	if err == nil {
		t.Fatalf("expected unauthorized error")
	}
}

func TestSignRejectsBadRequests(t *testing.T) {
	h := newHandler(newTestSigner(t), "", zap.NewNop())
	cases := []struct {
		name string
		body string
		want int
	}{
		{"not json", `nope`, http.StatusBadRequest},
		{"missing key", `{"nonce":1,"action":{"type":"cancel","cancels":[]}}`, http.StatusBadRequest},
		{"unknown action", `{"agent_private_key":"` + agentKey + `","nonce":1,"action":{"type":"withdraw3"}}`, http.StatusBadRequest},
		{"agent mismatch", `{"agent_private_key":"` + agentKey + `","agent_address":"0x2222222222222222222222222222222222222222","nonce":1,"action":{"type":"updateLeverage","asset":1,"isCross":true,"leverage":3}}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, exchange.SignPath, strings.NewReader(tc.body)))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler(newTestSigner(t), "secret", zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}
