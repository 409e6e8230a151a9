package binance

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// MarketData is the public half of the API. Dry-run mode feeds the mock
// with real prices and bars through it.
type MarketData interface {
	GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

const mockTakerFee = 0.0004

// FuturesMockClient simulates a hedge-mode futures account. Market orders
// fill at the current price; take-profit algo orders fill when a price
// update crosses their trigger.
type FuturesMockClient struct {
	mu           sync.RWMutex
	positions    map[string]*FuturesPosition // keyed by symbol and position side
	algoOrders   map[int64]AlgoOrderParams
	orders       []FuturesOrderParams
	leverage     map[string]int
	marginType   map[string]MarginType
	dualPosition bool
	balance      float64
	nextOrderId  int64
	price        float64
	klines       map[string][]Kline
	failNext     error
	market       MarketData
}

// NewFuturesMockClient creates a mock account. market may be nil, in which
// case prices come from SetPrice and bars from SetKlines.
func NewFuturesMockClient(initialBalance float64, market MarketData) *FuturesMockClient {
	return &FuturesMockClient{
		positions:   make(map[string]*FuturesPosition),
		algoOrders:  make(map[int64]AlgoOrderParams),
		leverage:    make(map[string]int),
		marginType:  make(map[string]MarginType),
		balance:     initialBalance,
		nextOrderId: 1000,
		klines:      make(map[string][]Kline),
		market:      market,
	}
}

// SetPrice moves the simulated price and fills any triggered take-profits.
func (c *FuturesMockClient) SetPrice(price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.price = price
	c.checkTriggersLocked(price)
}

// SetKlines installs canned bars for an interval.
func (c *FuturesMockClient) SetKlines(interval string, klines []Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.klines[interval] = klines
}

// FailNext makes the next trading call return err.
func (c *FuturesMockClient) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

// Orders returns every order placed so far.
func (c *FuturesMockClient) Orders() []FuturesOrderParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]FuturesOrderParams(nil), c.orders...)
}

// OpenAlgoOrders returns the resting conditional orders.
func (c *FuturesMockClient) OpenAlgoOrders() []AlgoOrderParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AlgoOrderParams, 0, len(c.algoOrders))
	for _, o := range c.algoOrders {
		out = append(out, o)
	}
	return out
}

// Balance returns the wallet balance.
func (c *FuturesMockClient) Balance() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance
}

func (c *FuturesMockClient) takeFailure() error {
	err := c.failNext
	c.failNext = nil
	return err
}

// ==================== ACCOUNT ====================

func (c *FuturesMockClient) GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, err
	}

	unrealized, margin := 0.0, 0.0
	for _, pos := range c.positions {
		unrealized += unrealizedPnL(pos, c.price)
		margin += math.Abs(pos.PositionAmt) * pos.EntryPrice / float64(pos.Leverage)
	}
	available := math.Max(0, c.balance+math.Min(0, unrealized)-margin)

	return &FuturesAccountInfo{
		CanTrade:              true,
		UpdateTime:            time.Now().UnixMilli(),
		TotalWalletBalance:    c.balance,
		TotalUnrealizedProfit: unrealized,
		TotalMarginBalance:    c.balance + unrealized,
		AvailableBalance:      available,
		MaxWithdrawAmount:     available,
		Assets: []FuturesAsset{{
			Asset:            "USDT",
			WalletBalance:    c.balance,
			UnrealizedProfit: unrealized,
			MarginBalance:    c.balance + unrealized,
			AvailableBalance: available,
			MarginAvailable:  true,
		}},
	}, nil
}

func (c *FuturesMockClient) GetPositions(ctx context.Context, symbol string) ([]FuturesPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, err
	}

	out := make([]FuturesPosition, 0, len(c.positions))
	for _, pos := range c.positions {
		if pos.Symbol != symbol {
			continue
		}
		p := *pos
		p.MarkPrice = c.price
		p.UnrealizedProfit = unrealizedPnL(pos, c.price)
		out = append(out, p)
	}
	return out, nil
}

func unrealizedPnL(pos *FuturesPosition, price float64) float64 {
	if price == 0 {
		return 0
	}
	return (price - pos.EntryPrice) * pos.PositionAmt
}

// ==================== LEVERAGE & MARGIN ====================

func (c *FuturesMockClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if leverage < 1 || leverage > 125 {
		return nil, &APIError{StatusCode: 400, Code: -4028, Message: "Leverage is not valid"}
	}
	c.leverage[symbol] = leverage

	return &LeverageResponse{
		Leverage:         leverage,
		MaxNotionalValue: 1000000.0 / float64(leverage),
		Symbol:           symbol,
	}, nil
}

func (c *FuturesMockClient) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marginType[symbol] = marginType
	return nil
}

func (c *FuturesMockClient) SetPositionMode(ctx context.Context, dualSidePosition bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dualPosition == dualSidePosition {
		return nil
	}
	// Cannot change position mode while having open positions
	if len(c.positions) > 0 {
		return &APIError{StatusCode: 400, Code: -4068, Message: "Position side cannot be changed if there exists position"}
	}
	c.dualPosition = dualSidePosition
	return nil
}

func (c *FuturesMockClient) GetPositionMode(ctx context.Context) (*PositionModeResponse, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &PositionModeResponse{DualSidePosition: c.dualPosition}, nil
}

// ==================== TRADING ====================

func (c *FuturesMockClient) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, err
	}

	qty, err := strconv.ParseFloat(params.Quantity, 64)
	if err != nil || qty <= 0 {
		return nil, &APIError{StatusCode: 400, Code: -1013, Message: "Invalid quantity"}
	}
	if !c.dualPosition && params.PositionSide != PositionSideBoth && params.PositionSide != "" {
		return nil, &APIError{StatusCode: 400, Code: -4061, Message: "Order's position side does not match user's setting"}
	}
	price, err := c.currentPriceLocked(ctx, params.Symbol)
	if err != nil {
		return nil, err
	}

	if err := c.fillLocked(params.Symbol, params.Side, params.PositionSide, qty, price); err != nil {
		return nil, err
	}
	c.orders = append(c.orders, params)

	orderId := c.nextOrderId
	c.nextOrderId++
	now := time.Now().UnixMilli()

	return &FuturesOrderResponse{
		OrderId:       orderId,
		Symbol:        params.Symbol,
		Status:        string(FuturesOrderStatusFilled),
		ClientOrderId: params.NewClientOrderId,
		Price:         0,
		AvgPrice:      price,
		OrigQty:       qty,
		ExecutedQty:   qty,
		CumQuote:      price * qty,
		Type:          string(params.Type),
		ReduceOnly:    params.ReduceOnly,
		Side:          params.Side,
		PositionSide:  string(params.PositionSide),
		UpdateTime:    now,
	}, nil
}

// fillLocked applies a fill to the position book and settles realized PnL.
func (c *FuturesMockClient) fillLocked(symbol, side string, posSide PositionSide, qty, price float64) error {
	key := symbol + "_" + string(posSide)
	signed := qty
	if side == "SELL" {
		signed = -qty
	}

	pos, exists := c.positions[key]
	if !exists {
		if (posSide == PositionSideLong && signed < 0) || (posSide == PositionSideShort && signed > 0) {
			return &APIError{StatusCode: 400, Code: -2022, Message: "ReduceOnly Order is rejected"}
		}
		lev := c.leverage[symbol]
		if lev == 0 {
			lev = 20
		}
		pos = &FuturesPosition{
			Symbol:       symbol,
			Leverage:     lev,
			MarginType:   string(c.marginTypeLocked(symbol)),
			PositionSide: string(posSide),
		}
		c.positions[key] = pos
	}

	oldAmt := pos.PositionAmt
	newAmt := oldAmt + signed
	c.balance -= price * qty * mockTakerFee

	switch {
	case oldAmt == 0 || (oldAmt > 0) == (signed > 0):
		pos.EntryPrice = (pos.EntryPrice*math.Abs(oldAmt) + price*qty) / math.Abs(newAmt)
		pos.PositionAmt = newAmt
		pos.Leverage = c.leverageLocked(symbol, pos.Leverage)
	default:
		closed := math.Min(qty, math.Abs(oldAmt))
		if oldAmt > 0 {
			c.balance += (price - pos.EntryPrice) * closed
		} else {
			c.balance += (pos.EntryPrice - price) * closed
		}
		if math.Abs(newAmt) < 1e-9 || (oldAmt > 0) != (newAmt > 0) {
			delete(c.positions, key)
			c.dropAlgoOrdersLocked(symbol, posSide)
			return nil
		}
		pos.PositionAmt = newAmt
	}
	pos.Notional = pos.PositionAmt * price
	pos.UpdateTime = time.Now().UnixMilli()
	return nil
}

func (c *FuturesMockClient) leverageLocked(symbol string, fallback int) int {
	if lev, ok := c.leverage[symbol]; ok {
		return lev
	}
	return fallback
}

func (c *FuturesMockClient) marginTypeLocked(symbol string) MarginType {
	if mt, ok := c.marginType[symbol]; ok {
		return mt
	}
	return MarginTypeCrossed
}

func (c *FuturesMockClient) dropAlgoOrdersLocked(symbol string, posSide PositionSide) {
	for id, o := range c.algoOrders {
		if o.Symbol == symbol && o.PositionSide == posSide {
			delete(c.algoOrders, id)
		}
	}
}

// ==================== ALGO ORDERS ====================

func (c *FuturesMockClient) PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, err
	}

	trigger, err := strconv.ParseFloat(params.TriggerPrice, 64)
	if err != nil || trigger <= 0 {
		return nil, &APIError{StatusCode: 400, Code: -1102, Message: "triggerPrice is invalid"}
	}
	if _, ok := c.positions[params.Symbol+"_"+string(params.PositionSide)]; !ok {
		return nil, &APIError{StatusCode: 400, Code: -2021, Message: "Order would immediately trigger"}
	}

	algoId := c.nextOrderId
	c.nextOrderId++
	c.algoOrders[algoId] = params

	return &AlgoOrderResponse{
		AlgoId:       algoId,
		ClientAlgoId: params.ClientAlgoId,
		OrderType:    string(params.Type),
		Symbol:       params.Symbol,
		Side:         params.Side,
		PositionSide: string(params.PositionSide),
		AlgoStatus:   "NEW",
		TriggerPrice: trigger,
		CreateTime:   time.Now().UnixMilli(),
	}, nil
}

func (c *FuturesMockClient) CancelAlgoOrder(ctx context.Context, symbol string, algoId int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return err
	}
	o, ok := c.algoOrders[algoId]
	if !ok || o.Symbol != symbol {
		return &APIError{StatusCode: 400, Code: -2011, Message: "Unknown order sent."}
	}
	delete(c.algoOrders, algoId)
	return nil
}

func (c *FuturesMockClient) CancelAllAlgoOrders(ctx context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, o := range c.algoOrders {
		if o.Symbol == symbol {
			delete(c.algoOrders, id)
		}
	}
	return nil
}

// checkTriggersLocked fills take-profit orders the price has reached.
// A SELL take-profit closes a LONG on a rise; a BUY one closes a SHORT on
// a fall.
func (c *FuturesMockClient) checkTriggersLocked(price float64) {
	for id, o := range c.algoOrders {
		trigger, _ := strconv.ParseFloat(o.TriggerPrice, 64)
		hit := (o.Side == "SELL" && price >= trigger) || (o.Side == "BUY" && price <= trigger)
		if !hit || o.Type != FuturesOrderTypeTakeProfitMarket {
			continue
		}
		delete(c.algoOrders, id)

		pos, ok := c.positions[o.Symbol+"_"+string(o.PositionSide)]
		if !ok {
			continue
		}
		qty := math.Abs(pos.PositionAmt)
		if !o.ClosePosition {
			if q, err := strconv.ParseFloat(o.Quantity, 64); err == nil && q > 0 && q < qty {
				qty = q
			}
		}
		_ = c.fillLocked(o.Symbol, o.Side, o.PositionSide, qty, trigger)
	}
}

// ==================== MARKET DATA ====================

func (c *FuturesMockClient) currentPriceLocked(ctx context.Context, symbol string) (float64, error) {
	if c.market != nil {
		p, err := c.market.GetFuturesCurrentPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		c.price = p
		c.checkTriggersLocked(p)
		return p, nil
	}
	if c.price <= 0 {
		return 0, fmt.Errorf("mock price for %s not set", symbol)
	}
	return c.price, nil
}

func (c *FuturesMockClient) GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return 0, err
	}
	return c.currentPriceLocked(ctx, symbol)
}

func (c *FuturesMockClient) GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if c.market != nil {
		return c.market.GetFuturesKlines(ctx, symbol, interval, limit)
	}

	c.mu.RLock()
	canned, ok := c.klines[interval]
	base := c.price
	c.mu.RUnlock()

	if ok {
		if len(canned) > limit {
			canned = canned[len(canned)-limit:]
		}
		return append([]Kline(nil), canned...), nil
	}
	if base <= 0 {
		return nil, fmt.Errorf("mock price for %s not set", symbol)
	}
	return syntheticKlines(base, limit), nil
}

// syntheticKlines produces a random walk ending near base.
func syntheticKlines(base float64, limit int) []Kline {
	klines := make([]Kline, limit)
	now := time.Now()
	price := base

	for i := limit - 1; i >= 0; i-- {
		open := price
		close := open * (1 + (rand.Float64()-0.5)*0.01)
		klines[i] = Kline{
			OpenTime:  now.Add(-time.Duration(limit-i) * time.Minute).UnixMilli(),
			Open:      open,
			High:      math.Max(open, close) * (1 + rand.Float64()*0.003),
			Low:       math.Min(open, close) * (1 - rand.Float64()*0.003),
			Close:     close,
			Volume:    1e5 + rand.Float64()*5e5,
			CloseTime: now.Add(-time.Duration(limit-i-1)*time.Minute).UnixMilli() - 1,
		}
		price = open
	}
	return klines
}

var _ FuturesClient = (*FuturesMockClient)(nil)
