// Package exchange adapts the Binance futures client to the single-symbol
// order surface the trading engine works with.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shadiayoub/ada-binance-bot/internal/binance"
	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

// Side is a position direction in hedge mode.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// ErrQuantityTooSmall is returned when a quantity rounds down to zero.
var ErrQuantityTooSmall = errors.New("quantity below lot step")

// ErrNotFilled is returned when the exchange accepted an order but did not
// execute it.
var ErrNotFilled = errors.New("order not filled")

// Fill is a confirmed execution.
type Fill struct {
	OrderID       string
	ClientOrderID string
	Side          Side
	Quantity      float64
	Price         float64
	Leverage      int
	Time          time.Time
}

// Position is an open exchange position.
type Position struct {
	Side          Side
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealizedPnL float64
}

// Balance is the account's USDT balance.
type Balance struct {
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

// PriceSource supplies streamed prices.
type PriceSource interface {
	Price(maxAge time.Duration) (float64, bool)
}

// Config describes the traded contract.
type Config struct {
	Symbol       string
	QuantityStep string
	PriceTick    string
	MarginType   binance.MarginType
	// PriceMaxAge is how old a streamed price may be before REST is used.
	PriceMaxAge time.Duration
}

// Gateway trades one symbol in hedge mode.
type Gateway struct {
	client binance.FuturesClient
	stream PriceSource
	symbol string
	step   decimal.Decimal
	tick   decimal.Decimal
	margin binance.MarginType
	maxAge time.Duration
	logger *logging.Logger

	mu       sync.Mutex
	leverage int
}

// NewGateway validates cfg and builds a gateway. stream may be nil.
func NewGateway(client binance.FuturesClient, stream PriceSource, cfg Config, logger *logging.Logger) (*Gateway, error) {
	step, err := decimal.NewFromString(cfg.QuantityStep)
	if err != nil || !step.IsPositive() {
		return nil, fmt.Errorf("invalid quantity step %q", cfg.QuantityStep)
	}
	tick, err := decimal.NewFromString(cfg.PriceTick)
	if err != nil || !tick.IsPositive() {
		return nil, fmt.Errorf("invalid price tick %q", cfg.PriceTick)
	}
	if cfg.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if cfg.MarginType == "" {
		cfg.MarginType = binance.MarginTypeCrossed
	}
	if cfg.PriceMaxAge <= 0 {
		cfg.PriceMaxAge = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Gateway{
		client: client,
		stream: stream,
		symbol: strings.ToUpper(cfg.Symbol),
		step:   step,
		tick:   tick,
		margin: cfg.MarginType,
		maxAge: cfg.PriceMaxAge,
		logger: logger.WithComponent("gateway"),
	}, nil
}

// Symbol returns the traded symbol.
func (g *Gateway) Symbol() string { return g.symbol }

// Prepare switches the account to hedge mode and sets margin type and
// initial leverage. Safe to call when already configured.
func (g *Gateway) Prepare(ctx context.Context, leverage int) error {
	mode, err := g.client.GetPositionMode(ctx)
	if err != nil {
		return fmt.Errorf("read position mode: %w", err)
	}
	if !mode.DualSidePosition {
		if err := g.client.SetPositionMode(ctx, true); err != nil {
			return fmt.Errorf("enable hedge mode: %w", err)
		}
		g.logger.Info("hedge mode enabled", "symbol", g.symbol)
	}
	if err := g.client.SetMarginType(ctx, g.symbol, g.margin); err != nil {
		return fmt.Errorf("set margin type: %w", err)
	}
	return g.ensureLeverage(ctx, leverage)
}

// ensureLeverage sets symbol leverage when it differs from the last value
// set. Binance leverage is per symbol, so each order re-asserts its own.
func (g *Gateway) ensureLeverage(ctx context.Context, leverage int) error {
	g.mu.Lock()
	current := g.leverage
	g.mu.Unlock()
	if current == leverage {
		return nil
	}

	if _, err := g.client.SetLeverage(ctx, g.symbol, leverage); err != nil {
		return fmt.Errorf("set leverage %d: %w", leverage, err)
	}
	g.mu.Lock()
	g.leverage = leverage
	g.mu.Unlock()
	return nil
}

// GetCurrentPrice returns a fresh streamed price, else the REST ticker.
func (g *Gateway) GetCurrentPrice(ctx context.Context) (float64, error) {
	if g.stream != nil {
		if p, ok := g.stream.Price(g.maxAge); ok {
			return p, nil
		}
	}
	p, err := g.client.GetFuturesCurrentPrice(ctx, g.symbol)
	if err != nil {
		return 0, fmt.Errorf("get price: %w", err)
	}
	if p <= 0 {
		return 0, fmt.Errorf("get price: exchange returned %v", p)
	}
	return p, nil
}

// GetKlines returns up to limit bars, oldest first.
func (g *Gateway) GetKlines(ctx context.Context, interval string, limit int) ([]binance.Kline, error) {
	klines, err := g.client.GetFuturesKlines(ctx, g.symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("get %s klines: %w", interval, err)
	}
	return klines, nil
}

// OpenPosition opens or adds to the given side with a market order.
func (g *Gateway) OpenPosition(ctx context.Context, side Side, quantity float64, leverage int) (Fill, error) {
	qty := g.roundQuantity(quantity)
	if !qty.IsPositive() {
		return Fill{}, fmt.Errorf("open %s %.4f: %w", side, quantity, ErrQuantityTooSmall)
	}
	if err := g.ensureLeverage(ctx, leverage); err != nil {
		return Fill{}, err
	}

	fill, err := g.market(ctx, side, openingOrderSide(side), qty, false)
	if err != nil {
		return Fill{}, fmt.Errorf("open %s: %w", side, err)
	}
	fill.Leverage = leverage
	return fill, nil
}

// ClosePosition reduces the given side by quantity.
func (g *Gateway) ClosePosition(ctx context.Context, side Side, quantity float64) (Fill, error) {
	qty := g.roundQuantity(quantity)
	if !qty.IsPositive() {
		return Fill{}, fmt.Errorf("close %s %.4f: %w", side, quantity, ErrQuantityTooSmall)
	}

	fill, err := g.market(ctx, side, closingOrderSide(side), qty, true)
	if err != nil {
		return Fill{}, fmt.Errorf("close %s: %w", side, err)
	}
	return fill, nil
}

func (g *Gateway) market(ctx context.Context, side Side, orderSide string, qty decimal.Decimal, reduce bool) (Fill, error) {
	clientID := newClientID()
	resp, err := g.client.PlaceFuturesOrder(ctx, binance.FuturesOrderParams{
		Symbol:           g.symbol,
		Side:             orderSide,
		PositionSide:     binance.PositionSide(side),
		Type:             binance.FuturesOrderTypeMarket,
		Quantity:         qty.String(),
		ReduceOnly:       reduce,
		NewClientOrderId: clientID,
	})
	if err != nil {
		return Fill{}, err
	}
	if resp.ExecutedQty <= 0 {
		return Fill{}, fmt.Errorf("order %d status %s: %w", resp.OrderId, resp.Status, ErrNotFilled)
	}

	price := resp.AvgPrice
	if price <= 0 && resp.ExecutedQty > 0 {
		price = resp.CumQuote / resp.ExecutedQty
	}
	if price <= 0 {
		if price, err = g.GetCurrentPrice(ctx); err != nil {
			return Fill{}, err
		}
	}

	g.logger.Info("order filled",
		"side", string(side),
		"order_side", orderSide,
		"qty", resp.ExecutedQty,
		"price", price,
		"reduce", reduce,
		"client_order_id", clientID)

	return Fill{
		OrderID:       strconv.FormatInt(resp.OrderId, 10),
		ClientOrderID: clientID,
		Side:          side,
		Quantity:      resp.ExecutedQty,
		Price:         price,
		Time:          time.Now(),
	}, nil
}

// GetCurrentPositions returns the non-flat positions of the symbol.
func (g *Gateway) GetCurrentPositions(ctx context.Context) ([]Position, error) {
	rows, err := g.client.GetPositions(ctx, g.symbol)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make([]Position, 0, len(rows))
	for _, r := range rows {
		if r.PositionAmt == 0 {
			continue
		}
		side := Side(r.PositionSide)
		if r.PositionSide == string(binance.PositionSideBoth) || r.PositionSide == "" {
			side = Long
			if r.PositionAmt < 0 {
				side = Short
			}
		}
		out = append(out, Position{
			Side:          side,
			Quantity:      math.Abs(r.PositionAmt),
			EntryPrice:    r.EntryPrice,
			MarkPrice:     r.MarkPrice,
			Leverage:      r.Leverage,
			UnrealizedPnL: r.UnrealizedProfit,
		})
	}
	return out, nil
}

// GetAccountBalance returns wallet and available USDT balance.
func (g *Gateway) GetAccountBalance(ctx context.Context) (Balance, error) {
	info, err := g.client.GetFuturesAccountInfo(ctx)
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}
	for _, a := range info.Assets {
		if a.Asset == "USDT" {
			return Balance{Total: a.WalletBalance, Available: a.AvailableBalance}, nil
		}
	}
	return Balance{Total: info.TotalWalletBalance, Available: info.AvailableBalance}, nil
}

// SetTakeProfitOrder rests a TAKE_PROFIT_MARKET order that closes quantity
// of side when the mark price reaches price. Returns the algo order id.
func (g *Gateway) SetTakeProfitOrder(ctx context.Context, side Side, quantity, price float64) (string, error) {
	qty := g.roundQuantity(quantity)
	if !qty.IsPositive() {
		return "", fmt.Errorf("take profit %s: %w", side, ErrQuantityTooSmall)
	}
	trigger := g.roundPrice(price)

	resp, err := g.client.PlaceAlgoOrder(ctx, binance.AlgoOrderParams{
		Symbol:       g.symbol,
		Side:         closingOrderSide(side),
		PositionSide: binance.PositionSide(side),
		Type:         binance.FuturesOrderTypeTakeProfitMarket,
		Quantity:     qty.String(),
		TriggerPrice: trigger.String(),
		WorkingType:  binance.WorkingTypeMarkPrice,
		ClientAlgoId: newClientID(),
	})
	if err != nil {
		return "", fmt.Errorf("take profit %s at %s: %w", side, trigger, err)
	}
	return strconv.FormatInt(resp.AlgoId, 10), nil
}

// CancelTakeProfit removes one resting take-profit by the id
// SetTakeProfitOrder returned.
func (g *Gateway) CancelTakeProfit(ctx context.Context, id string) error {
	algoID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel take profit %q: %w", id, err)
	}
	if err := g.client.CancelAlgoOrder(ctx, g.symbol, algoID); err != nil {
		return fmt.Errorf("cancel take profit %s: %w", id, err)
	}
	return nil
}

// CancelTakeProfits removes every resting conditional order of the symbol.
func (g *Gateway) CancelTakeProfits(ctx context.Context) error {
	return g.client.CancelAllAlgoOrders(ctx, g.symbol)
}

// RoundQuantity floors q to the lot step.
func (g *Gateway) RoundQuantity(q float64) float64 {
	return g.roundQuantity(q).InexactFloat64()
}

func (g *Gateway) roundQuantity(q float64) decimal.Decimal {
	if q <= 0 || math.IsNaN(q) || math.IsInf(q, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(q).Div(g.step).Floor().Mul(g.step)
}

func (g *Gateway) roundPrice(p float64) decimal.Decimal {
	return decimal.NewFromFloat(p).Div(g.tick).Round(0).Mul(g.tick)
}

func openingOrderSide(side Side) string {
	if side == Long {
		return "BUY"
	}
	return "SELL"
}

func closingOrderSide(side Side) string {
	if side == Long {
		return "SELL"
	}
	return "BUY"
}

// newClientID fits Binance's 36-character client id limit.
func newClientID() string {
	return "ada" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
