package features

import (
	"github.com/tradenova/trading-core/pkg/types"
)

// detectFVGs scans bars for three-bar fair value gaps and tracks whether
// later price action filled them. A bullish gap exists when bar i's low
// sits above bar i-2's high; bearish when bar i's high sits below bar
// i-2's low. A gap counts as filled once a later bar trades through its
// far edge.
func detectFVGs(bars []types.Bar) []types.FVG {
	if len(bars) < 3 {
		return nil
	}

	var gaps []types.FVG
	for i := 2; i < len(bars); i++ {
		if bars[i].Low > bars[i-2].High {
			gaps = append(gaps, types.FVG{
				Index:   i,
				Upper:   bars[i].Low,
				Lower:   bars[i-2].High,
				Bullish: true,
			})
		} else if bars[i].High < bars[i-2].Low {
			gaps = append(gaps, types.FVG{
				Index:   i,
				Upper:   bars[i-2].Low,
				Lower:   bars[i].High,
				Bullish: false,
			})
		}
	}

	for gi := range gaps {
		g := &gaps[gi]
		for i := g.Index + 1; i < len(bars); i++ {
			if g.Bullish && bars[i].Low <= g.Lower {
				g.Filled = true
				break
			}
			if !g.Bullish && bars[i].High >= g.Upper {
				g.Filled = true
				break
			}
		}
	}
	return gaps
}
