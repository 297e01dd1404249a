package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrSigningFailed = errors.New("signing failed")
	ErrAgentMismatch = errors.New("agent key does not match agent address")
)

// Agent is the delegated key a user authorized to trade on behalf of Wallet.
type Agent struct {
	Key     string
	Address common.Address
	Wallet  common.Address
}

// ActionSigner produces the signature for one action at one nonce. Local and
// remote implementations must yield identical signatures for identical input.
type ActionSigner interface {
	SignAction(ctx context.Context, agent Agent, action Action, nonce uint64) (Signature, error)
}

// LocalSigner signs in-process. Parsed keys are cached by agent address in a
// bounded cache so repeated requests skip key parsing. A hit is only used
// when the presented key text hashes to the cached one.
type LocalSigner struct {
	isMainnet bool
	cache     *ristretto.Cache
}

func NewLocalSigner(isMainnet bool, cacheSize int64) (*LocalSigner, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("signer cache: %w", err)
	}
	return &LocalSigner{isMainnet: isMainnet, cache: cache}, nil
}

func (l *LocalSigner) IsMainnet() bool {
	return l.isMainnet
}

func (l *LocalSigner) SignAction(_ context.Context, agent Agent, action Action, nonce uint64) (Signature, error) {
	key, err := l.keyFor(agent)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	sig, err := key.sign(action, nonce)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	return sig, nil
}

// Forget drops a cached key, e.g. after the agent was revoked.
func (l *LocalSigner) Forget(agentAddress common.Address) {
	l.cache.Del(cacheKey(agentAddress))
	l.cache.Wait()
}

func (l *LocalSigner) Close() {
	l.cache.Close()
}

type cachedKey struct {
	key         *agentKey
	fingerprint common.Hash
}

// keyFor parses agent.Key, or returns the cached parse. Without an expected
// address nothing is cached.
func (l *LocalSigner) keyFor(agent Agent) (*agentKey, error) {
	if agent.Address == (common.Address{}) {
		return parseAgentKey(agent.Key, l.isMainnet)
	}
	ck := cacheKey(agent.Address)
	fp := keyFingerprint(agent.Key)
	if cached, ok := l.cache.Get(ck); ok {
		if entry, ok := cached.(cachedKey); ok && entry.fingerprint == fp {
			return entry.key, nil
		}
	}
	key, err := parseAgentKey(agent.Key, l.isMainnet)
	if err != nil {
		return nil, err
	}
	if key.address != agent.Address {
		return nil, fmt.Errorf("%w: derived %s, expected %s", ErrAgentMismatch, key.address.Hex(), agent.Address.Hex())
	}
	l.cache.Set(ck, cachedKey{key: key, fingerprint: fp}, 1)
	l.cache.Wait()
	return key, nil
}

func keyFingerprint(hexKey string) common.Hash {
	clean := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	return crypto.Keccak256Hash([]byte(clean))
}

func cacheKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
