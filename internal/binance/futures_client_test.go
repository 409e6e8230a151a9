package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*FuturesClientImpl, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewFuturesClient("key", "secret", false,
		WithBaseURL(srv.URL),
		WithRateLimiter(NewRateLimiter(1000)),
		WithMaxRetryElapsed(10*time.Second),
	)
	return c, srv
}

func TestSignedRequestCarriesSignatureAndKey(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("missing api key header")
		}
		if q.Get("signature") == "" || q.Get("timestamp") == "" || q.Get("recvWindow") != "10000" {
			t.Errorf("signed params missing: %s", r.URL.RawQuery)
		}
		if q.Get("positionSide") != "SHORT" || q.Get("reduceOnly") != "" {
			t.Errorf("hedge-mode order params wrong: %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"orderId":7,"status":"FILLED","avgPrice":"0.8230","executedQty":"9113","side":"SELL","positionSide":"SHORT"}`)
	})

	resp, err := c.PlaceFuturesOrder(context.Background(), FuturesOrderParams{
		Symbol:       "ADAUSDT",
		Side:         "SELL",
		PositionSide: PositionSideShort,
		Type:         FuturesOrderTypeMarket,
		Quantity:     "9113",
		ReduceOnly:   true,
	})
	if err != nil {
		t.Fatalf("PlaceFuturesOrder() error = %v", err)
	}
	if resp.AvgPrice != 0.823 || resp.ExecutedQty != 9113 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"code":-1001,"msg":"Internal error; unable to process your request."}`)
			return
		}
		fmt.Fprint(w, `{"symbol":"ADAUSDT","price":"0.8600"}`)
	})

	price, err := c.GetFuturesCurrentPrice(context.Background(), "ADAUSDT")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if price != 0.86 {
		t.Errorf("price = %v, want 0.86", price)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	})

	_, err := c.PlaceFuturesOrder(context.Background(), FuturesOrderParams{
		Symbol: "ADAUSDT", Side: "BUY", PositionSide: PositionSideLong, Type: FuturesOrderTypeMarket, Quantity: "1",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != -2019 || apiErr.Transient() {
		t.Errorf("unexpected api error %+v", apiErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPositionModeAlreadySetIsNotAnError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-4059,"msg":"No need to change position side."}`)
	})
	if err := c.SetPositionMode(context.Background(), true); err != nil {
		t.Errorf("SetPositionMode() error = %v", err)
	}
}

func TestBanStopsFurtherRequests(t *testing.T) {
	until := time.Now().Add(time.Minute).UnixMilli()
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprintf(w, `{"code":-1003,"msg":"Way too many requests; IP banned until %d."}`, until)
	})

	if _, err := c.GetFuturesCurrentPrice(context.Background(), "ADAUSDT"); err == nil {
		t.Fatal("expected error")
	}
	if !c.limiter.IsBanned() {
		t.Fatal("expected limiter to record the ban")
	}
	if _, err := c.GetFuturesCurrentPrice(context.Background(), "ADAUSDT"); err == nil {
		t.Fatal("expected banned request to fail")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("banned client still hit the server: %d calls", calls)
	}
}

func TestGetFuturesKlinesParsesRows(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "15m" {
			t.Errorf("interval = %s", r.URL.Query().Get("interval"))
		}
		fmt.Fprint(w, `[[1700000000000,"0.85","0.87","0.84","0.86","1000",1700000899999,"860",42,"600","516","0"]]`)
	})

	klines, err := c.GetFuturesKlines(context.Background(), "ADAUSDT", "15m", 1)
	if err != nil {
		t.Fatalf("GetFuturesKlines() error = %v", err)
	}
	if len(klines) != 1 {
		t.Fatalf("len = %d", len(klines))
	}
	k := klines[0]
	if k.High != 0.87 || k.Low != 0.84 || k.Close != 0.86 || k.Volume != 1000 || k.NumberOfTrades != 42 {
		t.Errorf("unexpected kline %+v", k)
	}
}

func TestParseBanUntilFromError(t *testing.T) {
	future := time.Now().Add(time.Hour).UnixMilli()
	tests := []struct {
		name string
		msg  string
		want int64
	}{
		{"banned", fmt.Sprintf("IP banned until %d.", future), future},
		{"no timestamp", "Too many requests", 0},
		{"past", "IP banned until 1000.", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseBanUntilFromError(tt.msg); got != tt.want {
				t.Errorf("ParseBanUntilFromError(%q) = %d, want %d", tt.msg, got, tt.want)
			}
		})
	}
}
