package marketdata_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/marketdata"
	"github.com/tradenova/trading-core/pkg/types"
)

func vendorFor(t *testing.T, srv *httptest.Server) *marketdata.VendorClient {
	t.Helper()
	return marketdata.NewVendorClient(zap.NewNop(), marketdata.VendorConfig{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		RequestsPerSec: 100,
	})
}

func TestVendorBarsPagination(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/aggs/", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprintf(w, `{"status":"OK","results":[
			{"t":1750167000000,"o":100,"h":101,"l":99,"c":100.5,"v":1200,"vw":100.2},
			{"t":1750167300000,"o":100.5,"h":102,"l":100,"c":101.5,"v":900,"vw":101.0}
		],"next_url":"http://%s/page2"}`, r.Host)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"OK","results":[
			{"t":1750167600000,"o":101.5,"h":103,"l":101,"c":102.5,"v":800,"vw":102.0}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	bars, err := vendorFor(t, srv).Bars(context.Background(), "SPY", types.Timeframe5m,
		time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 3 {
		t.Fatalf("len = %d, want both pages merged", len(bars))
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if bars[0].Close != 100.5 || bars[2].Close != 102.5 {
		t.Errorf("bars = %+v", bars)
	}
	want := time.UnixMilli(1750167000000).UTC()
	if !bars[0].Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", bars[0].Timestamp, want)
	}
}

func TestVendorChainStripsPrefixAndMapsFields(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/snapshot/options/SPY", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"OK","results":[
			{
				"details":{"ticker":"O:SPY250620C00550000","contract_type":"call",
					"strike_price":550,"expiration_date":"2025-06-20"},
				"last_quote":{"bid":1.03,"ask":1.07,"bid_size":12,"ask_size":10,
					"last_updated":1750167000000000000},
				"last_trade":{"price":1.04},
				"day":{"volume":321},
				"open_interest":1500,
				"implied_volatility":0.22,
				"greeks":{"delta":0.51,"gamma":0.04,"theta":-0.31,"vega":0.12}
			},
			{
				"details":{"ticker":"O:SPY_BAD","contract_type":"call",
					"strike_price":550,"expiration_date":"not-a-date"}
			}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	chain, err := vendorFor(t, srv).Chain(context.Background(), "SPY", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 1 {
		t.Fatalf("len = %d, want bad-expiration contract dropped", len(chain))
	}
	c := chain[0]
	if c.Symbol != "SPY250620C00550000" {
		t.Errorf("symbol = %q, want vendor prefix stripped", c.Symbol)
	}
	if c.Type != types.OptionCall || c.Strike != 550 {
		t.Errorf("contract = %+v", c)
	}
	if c.Bid != 1.03 || c.Ask != 1.07 || c.BidSize != 12 || c.Volume != 321 || c.OpenInterest != 1500 {
		t.Errorf("book = %+v", c)
	}
	if c.Greeks.Delta != 0.51 || c.Greeks.Theta != -0.31 {
		t.Errorf("greeks = %+v", c.Greeks)
	}
	wantQuoteTime := time.Unix(0, 1750167000000000000).UTC()
	if !c.QuoteTime.Equal(wantQuoteTime) {
		t.Errorf("quote time = %v, want %v", c.QuoteTime, wantQuoteTime)
	}
	if c.Expiration.Format("2006-01-02") != "2025-06-20" {
		t.Errorf("expiration = %v", c.Expiration)
	}
}

func TestVendorChainExpirationFilterInURL(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/snapshot/options/QQQ", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"status":"OK","results":[]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exp := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	if _, err := vendorFor(t, srv).Chain(context.Background(), "QQQ", &exp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotQuery, "expiration_date=2025-06-20") {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestVendorQuote(t *testing.T) {
	var gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/quotes/", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "OK",
			"results": []map[string]interface{}{{
				"bid_price": 1.01, "ask_price": 1.09,
				"bid_size": 7, "ask_size": 4,
				"sip_timestamp": 1750167000000000000,
			}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	q, err := vendorFor(t, srv).Quote(context.Background(), "SPY250620C00550000")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotPath, "O:SPY250620C00550000") {
		t.Errorf("path = %q, want vendor-prefixed ticker", gotPath)
	}
	if q.Symbol != "SPY250620C00550000" || q.Bid != 1.01 || q.Ask != 1.09 || q.BidSize != 7 {
		t.Errorf("quote = %+v", q)
	}
}

func TestVendorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"ERROR","error":"rate limit"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := vendorFor(t, srv).Bars(context.Background(), "SPY", types.Timeframe5m,
		time.Now().Add(-time.Hour), time.Now())
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v, want status 429 surfaced", err)
	}
}
