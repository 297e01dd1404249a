package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
)

const (
	SignerAPIKeyHeader = "X-Signer-API-Key"
	SignPath           = "/v1/sign"
)

// SignRequest is the body accepted by the remote signer service.
type SignRequest struct {
	AgentKey      string          `json:"agent_private_key"`
	AgentAddress  string          `json:"agent_address,omitempty"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	Nonce         uint64          `json:"nonce"`
	Action        json.RawMessage `json:"action"`
}

type SignResponse struct {
	Signature *Signature `json:"signature,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func NewSignRequest(agent Agent, action Action, nonce uint64) (SignRequest, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return SignRequest{}, err
	}
	req := SignRequest{
		AgentKey: agent.Key,
		Nonce:    nonce,
		Action:   raw,
	}
	if agent.Address != (common.Address{}) {
		req.AgentAddress = agent.Address.Hex()
	}
	if agent.Wallet != (common.Address{}) {
		req.WalletAddress = agent.Wallet.Hex()
	}
	return req, nil
}

// Decode validates the request and returns the agent and typed action.
func (r SignRequest) Decode() (Agent, Action, error) {
	if strings.TrimSpace(r.AgentKey) == "" {
		return Agent{}, nil, errors.New("agent_private_key is required")
	}
	if r.Nonce == 0 {
		return Agent{}, nil, errors.New("nonce is required")
	}
	agent := Agent{Key: r.AgentKey}
	if r.AgentAddress != "" {
		if !common.IsHexAddress(r.AgentAddress) {
			return Agent{}, nil, fmt.Errorf("invalid agent_address %q", r.AgentAddress)
		}
		agent.Address = common.HexToAddress(r.AgentAddress)
	}
	if r.WalletAddress != "" {
		if !common.IsHexAddress(r.WalletAddress) {
			return Agent{}, nil, fmt.Errorf("invalid wallet_address %q", r.WalletAddress)
		}
		agent.Wallet = common.HexToAddress(r.WalletAddress)
	}
	action, err := DecodeAction(r.Action)
	if err != nil {
		return Agent{}, nil, err
	}
	return agent, action, nil
}

// RemoteSigner delegates signing to the signer service over HTTP.
type RemoteSigner struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewRemoteSigner(baseURL, apiKey string, timeout time.Duration) *RemoteSigner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (r *RemoteSigner) SignAction(ctx context.Context, agent Agent, action Action, nonce uint64) (Signature, error) {
	sig, err := r.sign(ctx, agent, action, nonce)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: remote: %v", ErrSigningFailed, err)
	}
	return sig, nil
}

func (r *RemoteSigner) sign(ctx context.Context, agent Agent, action Action, nonce uint64) (Signature, error) {
	req, err := NewSignRequest(agent, action, nonce)
	if err != nil {
		return Signature{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Signature{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+SignPath, bytes.NewReader(body))
	if err != nil {
		return Signature{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set(SignerAPIKeyHeader, r.apiKey)
	}
	resp, err := r.http.Do(httpReq)
	if err != nil {
		return Signature{}, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Signature{}, err
	}
	var out SignResponse
	_ = json.Unmarshal(payload, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = strings.TrimSpace(string(payload))
		}
		return Signature{}, fmt.Errorf("http %d: %s", resp.StatusCode, msg)
	}
	if out.Signature == nil {
		return Signature{}, errors.New("response missing signature")
	}
	return *out.Signature, nil
}
