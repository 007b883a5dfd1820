package types

import "errors"

// Sentinel errors for the trading pipeline. Callers classify failures with
// errors.Is; wrapped context travels via fmt.Errorf("...: %w", err).
var (
	// ErrDataUnavailable means the data vendor could not produce bars or a
	// chain within its deadline. The cycle skips the symbol.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrInsufficientFeatures means the bar history is too short or a
	// computed feature is non-finite. The symbol is skipped, never traded
	// on partial features.
	ErrInsufficientFeatures = errors.New("insufficient feature history")

	// ErrNoLiquidContract means chain filtering left zero tradable
	// contracts for the intended direction.
	ErrNoLiquidContract = errors.New("no liquid contract")

	// ErrRiskBlocked means a risk layer vetoed the trade.
	ErrRiskBlocked = errors.New("risk blocked")

	// ErrBrokerTransient is a retryable broker failure (timeout, 5xx,
	// rate limit).
	ErrBrokerTransient = errors.New("transient broker error")

	// ErrBrokerPermanent is a non-retryable broker rejection (validation,
	// auth, insufficient buying power).
	ErrBrokerPermanent = errors.New("permanent broker error")

	// ErrOrderUncertain means an order was submitted but its terminal
	// state could not be confirmed within the bounded wait.
	ErrOrderUncertain = errors.New("order state uncertain")

	// ErrPositionExists means the underlying already carries an open
	// position. At most one per underlying at any time.
	ErrPositionExists = errors.New("position already open for underlying")

	// ErrMaxPositions means the book is at its configured position cap.
	ErrMaxPositions = errors.New("max open positions reached")

	// ErrSchedulerOverrun means a cycle was still running when the next
	// tick arrived; the tick is dropped, never queued.
	ErrSchedulerOverrun = errors.New("cycle overrun, tick skipped")
)

// Retryable reports whether err is worth retrying against the broker.
func Retryable(err error) bool {
	return errors.Is(err, ErrBrokerTransient)
}
