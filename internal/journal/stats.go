package journal

// Statistics carries running trade results across sessions. Streak is
// positive for consecutive wins, negative for consecutive losses.
// MaxDrawdown is the deepest peak-to-trough fall of cumulative realized
// P&L, reported as a positive dollar amount.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	PeakPnL       float64 `json:"peak_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	CurrentStreak int     `json:"current_streak"`
}

// Record folds one closed trade's realized P&L into the running totals.
// A flat trade counts as a loss.
func (s *Statistics) Record(pnl float64) {
	s.TotalTrades++
	s.TotalPnL += pnl

	if s.TotalPnL > s.PeakPnL {
		s.PeakPnL = s.TotalPnL
	}
	if dd := s.PeakPnL - s.TotalPnL; dd > s.MaxDrawdown {
		s.MaxDrawdown = dd
	}

	if pnl > 0 {
		s.WinningTrades++
		if s.CurrentStreak >= 0 {
			s.CurrentStreak++
		} else {
			s.CurrentStreak = 1
		}
		s.AverageWin = (s.AverageWin*float64(s.WinningTrades-1) + pnl) / float64(s.WinningTrades)
	} else {
		s.LosingTrades++
		if s.CurrentStreak <= 0 {
			s.CurrentStreak--
		} else {
			s.CurrentStreak = -1
		}
		s.AverageLoss = (s.AverageLoss*float64(s.LosingTrades-1) + pnl) / float64(s.LosingTrades)
	}

	s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
}
