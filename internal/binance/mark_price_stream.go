package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

const (
	FuturesStreamURL        = "wss://fstream.binance.com/ws"
	FuturesTestnetStreamURL = "wss://stream.binancefuture.com/ws"

	streamReadTimeout = 60 * time.Second
)

// MarkPriceStream keeps the latest mark price of one symbol from the
// <symbol>@markPrice@1s websocket stream.
type MarkPriceStream struct {
	url    string
	logger *logging.Logger

	mu         sync.RWMutex
	price      float64
	updatedAt  time.Time
	reconnects int
	onUpdate   func(MarkPriceUpdate)
}

// NewMarkPriceStream creates a stream for symbol. baseURL may be empty to
// use the production or testnet endpoint.
func NewMarkPriceStream(symbol, baseURL string, testnet bool, logger *logging.Logger) *MarkPriceStream {
	if baseURL == "" {
		baseURL = FuturesStreamURL
		if testnet {
			baseURL = FuturesTestnetStreamURL
		}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &MarkPriceStream{
		url:    fmt.Sprintf("%s/%s@markPrice@1s", strings.TrimRight(baseURL, "/"), strings.ToLower(symbol)),
		logger: logger.WithComponent("mark-stream"),
	}
}

// OnUpdate registers a callback invoked for each message.
func (s *MarkPriceStream) OnUpdate(fn func(MarkPriceUpdate)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// Price returns the last mark price if it is younger than maxAge.
func (s *MarkPriceStream) Price(maxAge time.Duration) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.price <= 0 || time.Since(s.updatedAt) > maxAge {
		return 0, false
	}
	return s.price, true
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff. It only returns ctx.Err().
func (s *MarkPriceStream) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		err := s.session(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()

		wait := b.NextBackOff()
		s.logger.Warn("mark price stream disconnected", "error", fmt.Sprint(err), "retry_in", wait.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *MarkPriceStream) session(ctx context.Context, b *backoff.ExponentialBackOff) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Binance pings every few minutes; gorilla answers pings by default,
	// the deadline is extended on every frame.
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	s.logger.Info("mark price stream connected", "url", s.url)
	b.Reset()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *MarkPriceStream) handleMessage(msg []byte) {
	var update MarkPriceUpdate
	if err := json.Unmarshal(msg, &update); err != nil {
		s.logger.Debug("ignoring malformed mark price message", "error", err.Error())
		return
	}
	if update.EventType != "markPriceUpdate" || update.MarkPrice <= 0 {
		return
	}

	s.mu.Lock()
	s.price = update.MarkPrice
	s.updatedAt = time.Now()
	cb := s.onUpdate
	s.mu.Unlock()

	if cb != nil {
		cb(update)
	}
}

// Stats reports connection health for the control API.
func (s *MarkPriceStream) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"price":      s.price,
		"updated_at": s.updatedAt,
		"reconnects": s.reconnects,
	}
}
