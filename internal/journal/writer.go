package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-chat-trader/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// TradeEvent is one execution attempt as seen by the execution client.
type TradeEvent struct {
	Time      time.Time
	Wallet    string
	Asset     string
	Action    string
	Side      string
	Size      float64
	Price     float64
	Leverage  int
	OrderID   int64
	Outcome   string
	ErrorKind string
	Reason    string
}

// Writer appends trade events to Postgres from a bounded queue. Enqueue
// never blocks the trading path; overflow is dropped and counted.
type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	events  chan TradeEvent
	started atomic.Bool
	dropped atomic.Uint64
}

// New opens the journal database. It returns a nil Writer when the journal
// is disabled; a nil Writer accepts and discards events.
func New(cfg config.JournalConfig, pg config.PostgresConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(pg.DSN)
	if dsn == "" {
		return nil, errors.New("journal requires postgres.dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pg.MaxOpenConns)
	}
	if pg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pg.MaxIdleConns)
	}
	if pg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		events: make(chan TradeEvent, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) Enqueue(ev TradeEvent) {
	if w == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case w.events <- ev:
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("journal queue full")
		}
	}
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			if err := w.write(ctx, ev); err != nil {
				w.log.Warn("journal insert failed", zap.String("action", ev.Action), zap.Error(err))
			}
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	return w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		wallet TEXT NOT NULL,
		asset TEXT NOT NULL,
		action TEXT NOT NULL,
		side TEXT NOT NULL DEFAULT '',
		size DOUBLE PRECISION NOT NULL DEFAULT 0,
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		leverage INTEGER NOT NULL DEFAULT 0,
		order_id BIGINT NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT ''
	)`, w.table("trade_events")))
}

func (w *Writer) write(ctx context.Context, ev TradeEvent) error {
	if w.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, wallet, asset, action, side, size, price, leverage, order_id, outcome, error_kind, reason
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("trade_events"))
	_, err := w.db.ExecContext(ctx, query,
		ev.Time,
		strings.ToLower(ev.Wallet),
		ev.Asset,
		ev.Action,
		ev.Side,
		ev.Size,
		ev.Price,
		ev.Leverage,
		ev.OrderID,
		ev.Outcome,
		ev.ErrorKind,
		ev.Reason,
	)
	return err
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
