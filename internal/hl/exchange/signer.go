package exchange

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Phantom-agent typed data. Only the source letter and connection id vary
// between requests.
var (
	agentTypes = apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Agent": {
			{Name: "source", Type: "string"},
			{Name: "connectionId", Type: "bytes32"},
		},
	}
	agentDomain = apitypes.TypedDataDomain{
		Name:              "Exchange",
		Version:           "1",
		ChainId:           math.NewHexOrDecimal256(1337),
		VerifyingContract: "0x0000000000000000000000000000000000000000",
	}
)

// agentKey is a parsed agent private key.
type agentKey struct {
	priv      *ecdsa.PrivateKey
	address   common.Address
	isMainnet bool
}

func parseAgentKey(hexKey string, isMainnet bool) (*agentKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("agent key is required")
	}
	priv, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse agent key: %w", err)
	}
	return &agentKey{
		priv:      priv,
		address:   crypto.PubkeyToAddress(priv.PublicKey),
		isMainnet: isMainnet,
	}, nil
}

// AddressFromKey derives the agent address controlled by a hex private key.
func AddressFromKey(hexKey string) (common.Address, error) {
	k, err := parseAgentKey(hexKey, true)
	if err != nil {
		return common.Address{}, err
	}
	return k.address, nil
}

func (k *agentKey) sign(action Action, nonce uint64) (Signature, error) {
	digest, err := SigningDigest(action, nonce, k.isMainnet)
	if err != nil {
		return Signature{}, err
	}
	raw, err := crypto.Sign(digest, k.priv)
	if err != nil {
		return Signature{}, err
	}
	if len(raw) != 65 {
		return Signature{}, fmt.Errorf("unexpected signature length %d", len(raw))
	}
	return Signature{
		R: hexutil.Encode(raw[:32]),
		S: hexutil.Encode(raw[32:64]),
		V: int(raw[64]) + 27,
	}, nil
}

// SigningDigest returns the EIP-712 digest an agent signs for action at
// nonce. The vault address is always null for user trading.
func SigningDigest(action Action, nonce uint64, isMainnet bool) ([]byte, error) {
	payload, err := EncodeAction(action)
	if err != nil {
		return nil, err
	}
	return agentDigest(connectionID(payload, nonce), isMainnet)
}

// connectionID is keccak(msgpack(action) || nonce || 0x00).
func connectionID(payload []byte, nonce uint64) []byte {
	buf := make([]byte, 0, len(payload)+9)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = append(buf, 0x00)
	return crypto.Keccak256(buf)
}

func agentDigest(connID []byte, isMainnet bool) ([]byte, error) {
	source := "a"
	if !isMainnet {
		source = "b"
	}
	td := apitypes.TypedData{
		Types:       agentTypes,
		PrimaryType: "Agent",
		Domain:      agentDomain,
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(connID),
		},
	}
	domainHash, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}

// Bytes returns the 65-byte [R || S || V] form with V normalized to 0/1,
// as expected by crypto.SigToPub.
func (s Signature) Bytes() ([]byte, error) {
	r, err := hexutil.Decode(s.R)
	if err != nil {
		return nil, fmt.Errorf("signature r: %w", err)
	}
	sv, err := hexutil.Decode(s.S)
	if err != nil {
		return nil, fmt.Errorf("signature s: %w", err)
	}
	if len(r) != 32 || len(sv) != 32 {
		return nil, errors.New("signature r and s must be 32 bytes")
	}
	v := s.V
	if v >= 27 {
		v -= 27
	}
	out := make([]byte, 0, 65)
	out = append(out, r...)
	out = append(out, sv...)
	return append(out, byte(v)), nil
}
