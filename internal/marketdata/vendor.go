package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradenova/trading-core/pkg/types"
)

// maxChainPages bounds next_url pagination; at 250 contracts a page this
// covers more than the chain truncation cap downstream.
const maxChainPages = 10

// VendorConfig configures the primary REST data source.
type VendorConfig struct {
	BaseURL        string
	APIKey         string
	RequestsPerSec float64
	Burst          int
}

// VendorClient is the Polygon-style REST client: rate-limited, behind a
// circuit breaker, paginating chains through next_url.
type VendorClient struct {
	logger  *zap.Logger
	config  VendorConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewVendorClient creates the primary data source client.
func NewVendorClient(logger *zap.Logger, config VendorConfig) *VendorClient {
	if config.Burst <= 0 {
		config.Burst = int(config.RequestsPerSec) + 1
	}
	settings := gobreaker.Settings{
		Name:    "vendor",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &VendorClient{
		logger:  logger.Named("vendor"),
		config:  config,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// aggsResponse is the vendor's bar aggregate payload.
type aggsResponse struct {
	Results []struct {
		Timestamp int64   `json:"t"` // epoch ms
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
		VWAP      float64 `json:"vw"`
	} `json:"results"`
	Status  string `json:"status"`
	NextURL string `json:"next_url"`
}

// chainResponse is one page of the option chain snapshot.
type chainResponse struct {
	Results []struct {
		Details struct {
			Ticker         string  `json:"ticker"`
			ContractType   string  `json:"contract_type"`
			StrikePrice    float64 `json:"strike_price"`
			ExpirationDate string  `json:"expiration_date"`
		} `json:"details"`
		LastQuote struct {
			Bid         float64 `json:"bid"`
			Ask         float64 `json:"ask"`
			BidSize     int64   `json:"bid_size"`
			AskSize     int64   `json:"ask_size"`
			LastUpdated int64   `json:"last_updated"` // epoch ns
		} `json:"last_quote"`
		LastTrade struct {
			Price float64 `json:"price"`
		} `json:"last_trade"`
		Day struct {
			Volume int64 `json:"volume"`
		} `json:"day"`
		OpenInterest int64   `json:"open_interest"`
		ImpliedVol   float64 `json:"implied_volatility"`
		Greeks       struct {
			Delta float64 `json:"delta"`
			Gamma float64 `json:"gamma"`
			Theta float64 `json:"theta"`
			Vega  float64 `json:"vega"`
		} `json:"greeks"`
	} `json:"results"`
	Status  string `json:"status"`
	NextURL string `json:"next_url"`
}

// quotesResponse is the vendor's latest-quote payload for one contract.
type quotesResponse struct {
	Results []struct {
		BidPrice     float64 `json:"bid_price"`
		AskPrice     float64 `json:"ask_price"`
		BidSize      int64   `json:"bid_size"`
		AskSize      int64   `json:"ask_size"`
		SipTimestamp int64   `json:"sip_timestamp"` // epoch ns
	} `json:"results"`
	Status string `json:"status"`
}

// Bars fetches aggregate bars for one underlying, ascending by timestamp.
func (v *VendorClient) Bars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	mult, span, err := timespan(tf)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%d/%d?adjusted=true&sort=asc&limit=50000",
		v.config.BaseURL, url.PathEscape(symbol), mult, span, start.UnixMilli(), end.UnixMilli())

	var bars []types.Bar
	for page := 0; endpoint != "" && page < maxChainPages; page++ {
		var resp aggsResponse
		if err := v.getJSON(ctx, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("vendor bars %s: %w", symbol, err)
		}
		for _, r := range resp.Results {
			bars = append(bars, types.Bar{
				Timestamp: time.UnixMilli(r.Timestamp).UTC(),
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
				VWAP:      r.VWAP,
			})
		}
		endpoint = resp.NextURL
	}
	return bars, nil
}

// Chain fetches the option chain snapshot for an underlying, following
// next_url up to maxChainPages. Vendor tickers carry an O: prefix which
// is stripped on ingest; nothing upstream ever sees it.
func (v *VendorClient) Chain(ctx context.Context, underlying string, expiration *time.Time) ([]types.OptionContract, error) {
	endpoint := fmt.Sprintf("%s/v3/snapshot/options/%s?limit=250", v.config.BaseURL, url.PathEscape(underlying))
	if expiration != nil {
		endpoint += "&expiration_date=" + expiration.Format("2006-01-02")
	}

	var contracts []types.OptionContract
	for page := 0; endpoint != "" && page < maxChainPages; page++ {
		var resp chainResponse
		if err := v.getJSON(ctx, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("vendor chain %s: %w", underlying, err)
		}
		for _, r := range resp.Results {
			exp, err := time.Parse("2006-01-02", r.Details.ExpirationDate)
			if err != nil {
				v.logger.Warn("skipping contract with bad expiration",
					zap.String("ticker", r.Details.Ticker),
					zap.String("expiration", r.Details.ExpirationDate))
				continue
			}
			contracts = append(contracts, types.OptionContract{
				Symbol:       types.StripVendorPrefix(r.Details.Ticker),
				Underlying:   underlying,
				Strike:       r.Details.StrikePrice,
				Expiration:   exp,
				Type:         types.OptionType(strings.ToLower(r.Details.ContractType)),
				Bid:          r.LastQuote.Bid,
				Ask:          r.LastQuote.Ask,
				Last:         r.LastTrade.Price,
				BidSize:      r.LastQuote.BidSize,
				AskSize:      r.LastQuote.AskSize,
				Volume:       r.Day.Volume,
				OpenInterest: r.OpenInterest,
				ImpliedVol:   r.ImpliedVol,
				Greeks: types.Greeks{
					Delta: r.Greeks.Delta,
					Gamma: r.Greeks.Gamma,
					Theta: r.Greeks.Theta,
					Vega:  r.Greeks.Vega,
				},
				QuoteTime: nsTime(r.LastQuote.LastUpdated),
			})
		}
		endpoint = resp.NextURL
	}
	return contracts, nil
}

// Quote fetches the latest quote for one option contract.
func (v *VendorClient) Quote(ctx context.Context, optionSymbol string) (*types.Quote, error) {
	ticker := "O:" + types.StripVendorPrefix(optionSymbol)
	endpoint := fmt.Sprintf("%s/v3/quotes/%s?limit=1&sort=timestamp&order=desc",
		v.config.BaseURL, url.PathEscape(ticker))

	var resp quotesResponse
	if err := v.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("vendor quote %s: %w", optionSymbol, err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("vendor quote %s: no results", optionSymbol)
	}
	r := resp.Results[0]
	return &types.Quote{
		Symbol:    types.StripVendorPrefix(optionSymbol),
		Bid:       r.BidPrice,
		Ask:       r.AskPrice,
		BidSize:   r.BidSize,
		AskSize:   r.AskSize,
		Timestamp: nsTime(r.SipTimestamp),
	}, nil
}

// getJSON performs one rate-limited, breaker-guarded GET and decodes the
// body into out.
func (v *VendorClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	if err := v.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := v.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+v.config.APIKey)
		req.Header.Set("Accept", "application/json")

		resp, err := v.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

// timespan maps a bar timeframe onto the vendor's range URL segments.
func timespan(tf types.Timeframe) (int, string, error) {
	switch tf {
	case types.Timeframe1m:
		return 1, "minute", nil
	case types.Timeframe5m:
		return 5, "minute", nil
	case types.Timeframe15m:
		return 15, "minute", nil
	case types.Timeframe1h:
		return 1, "hour", nil
	case types.Timeframe1d:
		return 1, "day", nil
	default:
		return 0, "", fmt.Errorf("unsupported timeframe %q", tf)
	}
}

func nsTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
