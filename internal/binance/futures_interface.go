package binance

import "context"

// FuturesClient is the subset of the USDT-M futures API the bot trades
// through. Implemented by the signed REST client and the dry-run mock.
type FuturesClient interface {
	// Account
	GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error)
	GetPositions(ctx context.Context, symbol string) ([]FuturesPosition, error)

	// Settings
	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error)
	SetMarginType(ctx context.Context, symbol string, marginType MarginType) error
	SetPositionMode(ctx context.Context, dualSidePosition bool) error
	GetPositionMode(ctx context.Context) (*PositionModeResponse, error)

	// Trading
	PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error)
	PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error)
	CancelAlgoOrder(ctx context.Context, symbol string, algoId int64) error
	CancelAllAlgoOrders(ctx context.Context, symbol string) error

	// Market data
	GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error)
}
