package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// FuturesClientImpl is the signed REST client for USDT-M futures.
type FuturesClientImpl struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	recvWindow int
	maxElapsed time.Duration
	logger     *logging.Logger
}

// Option customises a FuturesClientImpl.
type Option func(*FuturesClientImpl)

// WithBaseURL points the client at another host (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *FuturesClientImpl) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default 15s-timeout client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *FuturesClientImpl) { c.httpClient = h }
}

// WithRateLimiter shares a limiter between clients.
func WithRateLimiter(l *RateLimiter) Option {
	return func(c *FuturesClientImpl) { c.limiter = l }
}

// WithRecvWindow sets the signed request validity window in milliseconds.
func WithRecvWindow(ms int) Option {
	return func(c *FuturesClientImpl) {
		if ms > 0 {
			c.recvWindow = ms
		}
	}
}

// WithMaxRetryElapsed bounds the total time spent retrying one request.
func WithMaxRetryElapsed(d time.Duration) Option {
	return func(c *FuturesClientImpl) { c.maxElapsed = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *FuturesClientImpl) { c.logger = l }
}

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(apiKey, secretKey string, testnet bool, opts ...Option) *FuturesClientImpl {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}

	// Trim any whitespace from keys - critical for signature generation
	c := &FuturesClientImpl{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    NewRateLimiter(10),
		recvWindow: 10000,
		maxElapsed: 20 * time.Second,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("binance")
	return c
}

// ==================== ACCOUNT ====================

// GetFuturesAccountInfo retrieves futures account information
func (c *FuturesClientImpl) GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}

	var accountInfo FuturesAccountInfo
	if err := json.Unmarshal(resp, &accountInfo); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}
	return &accountInfo, nil
}

// GetPositions retrieves position risk rows for one symbol. In hedge mode
// Binance returns a LONG and a SHORT row, either of which may be flat.
func (c *FuturesClientImpl) GetPositions(ctx context.Context, symbol string) ([]FuturesPosition, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol}, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var positions []FuturesPosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}
	return positions, nil
}

// ==================== LEVERAGE & MARGIN ====================

// SetLeverage sets the leverage for a symbol
func (c *FuturesClientImpl) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("error setting leverage: %w", err)
	}

	var leverageResp LeverageResponse
	if err := json.Unmarshal(resp, &leverageResp); err != nil {
		return nil, fmt.Errorf("error parsing leverage response: %w", err)
	}
	return &leverageResp, nil
}

// SetMarginType sets the margin type (ISOLATED or CROSSED). Already being
// in the requested mode is not an error.
func (c *FuturesClientImpl) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/marginType", map[string]string{
		"symbol":     symbol,
		"marginType": string(marginType),
	}, true)
	if err != nil && !IsAPIErrorCode(err, CodeNoNeedToChangeType) {
		return fmt.Errorf("error setting margin type: %w", err)
	}
	return nil
}

// SetPositionMode sets the position mode (Hedge or One-way)
func (c *FuturesClientImpl) SetPositionMode(ctx context.Context, dualSidePosition bool) error {
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", map[string]string{
		"dualSidePosition": strconv.FormatBool(dualSidePosition),
	}, true)
	if err != nil && !IsAPIErrorCode(err, CodeNoNeedToChangeMode) {
		return fmt.Errorf("error setting position mode: %w", err)
	}
	return nil
}

// GetPositionMode retrieves the current position mode
func (c *FuturesClientImpl) GetPositionMode(ctx context.Context) (*PositionModeResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil, true)
	if err != nil {
		return nil, fmt.Errorf("error getting position mode: %w", err)
	}

	var modeResp PositionModeResponse
	if err := json.Unmarshal(resp, &modeResp); err != nil {
		return nil, fmt.Errorf("error parsing position mode: %w", err)
	}
	return &modeResp, nil
}

// ==================== TRADING ====================

// PlaceFuturesOrder places a new futures order. Market orders ask for the
// RESULT response so the fill price comes back with the order.
func (c *FuturesClientImpl) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	reqParams := map[string]string{
		"symbol":           params.Symbol,
		"side":             params.Side,
		"type":             string(params.Type),
		"quantity":         params.Quantity,
		"newOrderRespType": "RESULT",
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.Price != "" {
		reqParams["price"] = params.Price
		reqParams["timeInForce"] = "GTC"
	}
	// reduceOnly is rejected in hedge mode; the position side already
	// determines what gets reduced
	if params.ReduceOnly && params.PositionSide == PositionSideBoth {
		reqParams["reduceOnly"] = "true"
	}
	if params.NewClientOrderId != "" {
		reqParams["newClientOrderId"] = params.NewClientOrderId
	}

	resp, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", reqParams, true)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var orderResp FuturesOrderResponse
	if err := json.Unmarshal(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &orderResp, nil
}

// PlaceAlgoOrder places a conditional order (TAKE_PROFIT_MARKET,
// STOP_MARKET) through the algo endpoint.
func (c *FuturesClientImpl) PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error) {
	reqParams := map[string]string{
		"algoType":     string(AlgoTypeConditional),
		"symbol":       params.Symbol,
		"side":         params.Side,
		"type":         string(params.Type),
		"triggerPrice": params.TriggerPrice,
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.ClosePosition {
		reqParams["closePosition"] = "true"
	} else if params.Quantity != "" {
		reqParams["quantity"] = params.Quantity
	}
	if params.WorkingType != "" {
		reqParams["workingType"] = string(params.WorkingType)
	}
	if params.ReduceOnly && !params.ClosePosition && params.PositionSide == PositionSideBoth {
		reqParams["reduceOnly"] = "true"
	}
	if params.ClientAlgoId != "" {
		reqParams["clientAlgoId"] = params.ClientAlgoId
	}

	resp, err := c.do(ctx, http.MethodPost, "/fapi/v1/algoOrder", reqParams, true)
	if err != nil {
		return nil, fmt.Errorf("error placing algo order: %w", err)
	}

	var algoResp AlgoOrderResponse
	if err := json.Unmarshal(resp, &algoResp); err != nil {
		return nil, fmt.Errorf("error parsing algo order response: %w", err)
	}
	return &algoResp, nil
}

// CancelAlgoOrder cancels one open algo order
func (c *FuturesClientImpl) CancelAlgoOrder(ctx context.Context, symbol string, algoId int64) error {
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/algoOrder", map[string]string{
		"symbol": symbol,
		"algoId": strconv.FormatInt(algoId, 10),
	}, true)
	if err != nil {
		return fmt.Errorf("error canceling algo order %d: %w", algoId, err)
	}
	return nil
}

// CancelAllAlgoOrders cancels all open algo orders for a symbol
func (c *FuturesClientImpl) CancelAllAlgoOrders(ctx context.Context, symbol string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/algoOpenOrders", map[string]string{"symbol": symbol}, true); err != nil {
		return fmt.Errorf("error canceling all algo orders: %w", err)
	}
	return nil
}

// ==================== MARKET DATA ====================

// GetFuturesKlines retrieves candlestick data for futures
func (c *FuturesClientImpl) GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(resp, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 11 {
			return nil, fmt.Errorf("error parsing klines: row has %d fields", len(raw))
		}
		klines = append(klines, Kline{
			OpenTime:                 parseInt(raw[0]),
			Open:                     parseFloat(raw[1]),
			High:                     parseFloat(raw[2]),
			Low:                      parseFloat(raw[3]),
			Close:                    parseFloat(raw[4]),
			Volume:                   parseFloat(raw[5]),
			CloseTime:                parseInt(raw[6]),
			QuoteAssetVolume:         parseFloat(raw[7]),
			NumberOfTrades:           int(parseInt(raw[8])),
			TakerBuyBaseAssetVolume:  parseFloat(raw[9]),
			TakerBuyQuoteAssetVolume: parseFloat(raw[10]),
		})
	}
	return klines, nil
}

// GetFuturesCurrentPrice retrieves the current price for a symbol
func (c *FuturesClientImpl) GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol}, false)
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(resp, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return priceResp.Price, nil
}

// ==================== HTTP HELPERS ====================

// sign creates a signature for the given query string
func (c *FuturesClientImpl) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// encode builds the query string. Signed requests get a fresh timestamp on
// every attempt so a retry is never rejected for an expired recvWindow.
func (c *FuturesClientImpl) encode(params map[string]string, signed bool) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	if !signed {
		return values.Encode()
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("recvWindow", strconv.Itoa(c.recvWindow))
	query := values.Encode()
	return query + "&signature=" + c.sign(query)
}

func (c *FuturesClientImpl) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseRetryDelay
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = c.maxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// do sends one request, retrying transient failures with exponential
// backoff. Order requests carry a client id, so a retried POST after a
// lost response is rejected as a duplicate instead of filling twice.
func (c *FuturesClientImpl) do(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	var body []byte
	attempt := 0

	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.URL.RawQuery = c.encode(params, signed)
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
			if weight, err := strconv.Atoi(usedWeight); err == nil {
				c.limiter.UpdateFromHeaders(weight)
			}
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := parseAPIError(resp.StatusCode, data)
			if banUntil := ParseBanUntilFromError(apiErr.Message); banUntil > 0 || resp.StatusCode == http.StatusTeapot {
				c.limiter.RecordRateLimitError(banUntil)
				return backoff.Permanent(apiErr)
			}
			if apiErr.Transient() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		body = data
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logging.BinanceAPIContext(c.logger, method, endpoint).Warn("request failed, retrying",
			"attempt", attempt, "retry_in", wait.String(), "error", err.Error())
	}

	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return body, nil
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

func parseInt(val interface{}) int64 {
	switch v := val.(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Ensure FuturesClientImpl implements FuturesClient
var _ FuturesClient = (*FuturesClientImpl)(nil)
