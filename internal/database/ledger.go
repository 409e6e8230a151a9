package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/shadiayoub/ada-binance-bot/internal/events"
	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

// Execer is the slice of pgxpool.Pool the ledger writes through.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const ledgerWriteTimeout = 5 * time.Second

// Ledger records positions, signals and notable events in PostgreSQL. It is
// fed from the event bus so a slow database never delays a tick.
type Ledger struct {
	db     Execer
	logger *logging.Logger
	now    func() time.Time
}

// NewLedger creates a ledger writing through db.
func NewLedger(db Execer, logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Ledger{db: db, logger: logger.WithComponent("ledger"), now: time.Now}
}

// Attach subscribes the ledger to every event on bus.
func (l *Ledger) Attach(bus *events.EventBus) {
	bus.SubscribeAll(l.handle)
}

func (l *Ledger) handle(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	if err := l.Record(ctx, e); err != nil {
		l.logger.Warn("ledger write failed", "event", string(e.Type), "error", err)
	}
}

// Record writes one event. Event types the ledger does not track land in
// system_events.
func (l *Ledger) Record(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.EventPositionOpened:
		return l.recordOpened(ctx, e)
	case events.EventPositionClosed:
		return l.recordClosed(ctx, e)
	case events.EventSignalGenerated:
		return l.recordSignal(ctx, e, true)
	case events.EventSignalRejected:
		return l.recordSignal(ctx, e, false)
	case events.EventTakeProfitPlaced:
		return nil
	default:
		return l.recordSystem(ctx, e)
	}
}

func (l *Ledger) recordOpened(ctx context.Context, e events.Event) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO hedge_positions (id, symbol, role, side, entry_price, size, leverage, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'OPEN', $8)
		ON CONFLICT (id) DO NOTHING`,
		str(e.Data, "position_id"), str(e.Data, "symbol"), str(e.Data, "role"), str(e.Data, "side"),
		money(e.Data, "entry_price"), money(e.Data, "size"), integer(e.Data, "leverage"), l.at(e),
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (l *Ledger) recordClosed(ctx context.Context, e events.Event) error {
	_, err := l.db.Exec(ctx, `
		UPDATE hedge_positions
		SET status = 'CLOSED', exit_price = $2, pnl = $3, close_reason = $4, closed_at = $5
		WHERE id = $1`,
		str(e.Data, "position_id"), money(e.Data, "exit_price"), money(e.Data, "pnl"),
		str(e.Data, "reason"), l.at(e),
	)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return nil
}

func (l *Ledger) recordSignal(ctx context.Context, e events.Event, accepted bool) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO hedge_signals (symbol, kind, side, role, price, confidence, reason, accepted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		str(e.Data, "symbol"), str(e.Data, "kind"), str(e.Data, "side"), str(e.Data, "role"),
		money(e.Data, "price"), decimal.NewFromFloat(num(e.Data, "confidence")).Round(4),
		str(e.Data, "reason"), accepted, l.at(e),
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (l *Ledger) recordSystem(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := l.db.Exec(ctx,
		`INSERT INTO system_events (event_type, data, created_at) VALUES ($1, $2, $3)`,
		string(e.Type), data, l.at(e),
	); err != nil {
		return fmt.Errorf("insert system event: %w", err)
	}
	return nil
}

func (l *Ledger) at(e events.Event) time.Time {
	if e.Timestamp.IsZero() {
		return l.now().UTC()
	}
	return e.Timestamp.UTC()
}

func str(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func num(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func integer(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// money converts to the 8-decimal NUMERIC the tables use.
func money(data map[string]interface{}, key string) decimal.Decimal {
	return decimal.NewFromFloat(num(data, key)).Round(8)
}
