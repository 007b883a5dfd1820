package marketdata

import (
	"context"
	"fmt"
	"time"

	alpacadata "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// AlpacaConfig configures the fallback bar source.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// AlpacaBars serves equity bars when the primary vendor comes back empty
// or down. It is bars-only: chains and option quotes have no fallback.
type AlpacaBars struct {
	logger *zap.Logger
	client *alpacadata.Client
}

// NewAlpacaBars creates the fallback bar source.
func NewAlpacaBars(logger *zap.Logger, config AlpacaConfig) *AlpacaBars {
	client := alpacadata.NewClient(alpacadata.ClientOpts{
		APIKey:    config.APIKey,
		APISecret: config.APISecret,
		BaseURL:   config.BaseURL,
	})
	return &AlpacaBars{
		logger: logger.Named("alpaca_data"),
		client: client,
	}
}

// Bars fetches equity bars, ascending by timestamp. The SDK does not
// thread a context, so the deadline is honored by checking ctx before
// and after the call.
func (a *AlpacaBars) Bars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := alpacaTimeframe(tf)
	if err != nil {
		return nil, err
	}

	raw, err := a.client.GetBars(symbol, alpacadata.GetBarsRequest{
		TimeFrame: frame,
		Start:     start,
		End:       end,
		PageLimit: 10000,
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", symbol, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bars := make([]types.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, types.Bar{
			Timestamp: b.Timestamp.UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    float64(b.Volume),
			VWAP:      b.VWAP,
		})
	}
	return bars, nil
}

func alpacaTimeframe(tf types.Timeframe) (alpacadata.TimeFrame, error) {
	switch tf {
	case types.Timeframe1m:
		return alpacadata.OneMin, nil
	case types.Timeframe5m:
		return alpacadata.NewTimeFrame(5, alpacadata.Min), nil
	case types.Timeframe15m:
		return alpacadata.NewTimeFrame(15, alpacadata.Min), nil
	case types.Timeframe1h:
		return alpacadata.OneHour, nil
	case types.Timeframe1d:
		return alpacadata.OneDay, nil
	default:
		return alpacadata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", tf)
	}
}
