// Package users maps chat users to their wallet and delegated agent key.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hl-chat-trader/internal/config"
	"hl-chat-trader/internal/hl/exchange"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrCorruptRecord = errors.New("agent key does not match stored agent address")
)

type Account struct {
	UserID        string
	ChatID        int64
	WalletAddress common.Address
	AgentKey      string
	AgentAddress  common.Address
	AlertsEnabled bool
}

// Verify checks the record is internally consistent: the agent key must
// derive the stored agent address.
func (a Account) Verify() error {
	if a.WalletAddress == (common.Address{}) {
		return fmt.Errorf("%w: empty wallet", ErrCorruptRecord)
	}
	derived, err := exchange.AddressFromKey(a.AgentKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if derived != a.AgentAddress {
		return ErrCorruptRecord
	}
	return nil
}

func (a Account) Agent() exchange.Agent {
	return exchange.Agent{Key: a.AgentKey, Address: a.AgentAddress, Wallet: a.WalletAddress}
}

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects to Postgres through the pgx stdlib driver.
func Open(ctx context.Context, cfg config.PostgresConfig, log *zap.Logger) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := NewStore(db, log)
	if err := s.EnsureSchema(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewStore(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		chat_id BIGINT NOT NULL DEFAULT 0,
		wallet_address TEXT NOT NULL,
		agent_key TEXT NOT NULL,
		agent_address TEXT NOT NULL,
		alerts_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	return err
}

const selectColumns = `user_id, chat_id, wallet_address, agent_key, agent_address, alerts_enabled`

func (s *Store) Get(ctx context.Context, userID string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM users WHERE user_id = $1`, userID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("postgres: get user %s: %w", userID, err)
	}
	if err := acct.Verify(); err != nil {
		s.log.Warn("ignoring corrupt user record", zap.String("user_id", userID), zap.Error(err))
		return Account{}, err
	}
	return acct, nil
}

// Agent returns the verified trading credentials for userID.
func (s *Store) Agent(ctx context.Context, userID string) (exchange.Agent, error) {
	acct, err := s.Get(ctx, userID)
	if err != nil {
		return exchange.Agent{}, err
	}
	return acct.Agent(), nil
}

// List returns every consistent record. Corrupt rows are logged and skipped.
func (s *Store) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		if err := acct.Verify(); err != nil {
			s.log.Warn("ignoring corrupt user record", zap.String("user_id", acct.UserID), zap.Error(err))
			continue
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Store) Upsert(ctx context.Context, acct Account) error {
	if err := acct.Verify(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (user_id, chat_id, wallet_address, agent_key, agent_address, alerts_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			chat_id = EXCLUDED.chat_id,
			wallet_address = EXCLUDED.wallet_address,
			agent_key = EXCLUDED.agent_key,
			agent_address = EXCLUDED.agent_address,
			alerts_enabled = EXCLUDED.alerts_enabled,
			updated_at = NOW()`,
		acct.UserID,
		acct.ChatID,
		strings.ToLower(acct.WalletAddress.Hex()),
		acct.AgentKey,
		strings.ToLower(acct.AgentAddress.Hex()),
		acct.AlertsEnabled,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert user %s: %w", acct.UserID, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (Account, error) {
	var (
		acct   Account
		wallet string
		agent  string
	)
	if err := row.Scan(&acct.UserID, &acct.ChatID, &wallet, &acct.AgentKey, &agent, &acct.AlertsEnabled); err != nil {
		return Account{}, err
	}
	if common.IsHexAddress(wallet) {
		acct.WalletAddress = common.HexToAddress(wallet)
	}
	if common.IsHexAddress(agent) {
		acct.AgentAddress = common.HexToAddress(agent)
	}
	return acct, nil
}
