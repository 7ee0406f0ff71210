// Package indicators computes the short-window momentum readings the
// bracket adjustment engine consumes: trend strength, relative volume and
// directional movement strength over recent one-minute bars.
package indicators

import (
	"errors"
	"math"
	"time"

	"bracketguard/internal/domain"
)

// ErrInsufficientData is returned when too few bars are available to
// compute a reading.
var ErrInsufficientData = errors.New("indicators: insufficient bars")

// Reading is a momentum snapshot for one symbol.
type Reading struct {
	// TrendStrength is the signed efficiency ratio of closes over the
	// window, in [-1, 1]. Positive values mean an up move.
	TrendStrength float64

	// VolumeRatio is recent average volume divided by the baseline average.
	VolumeRatio float64

	// DirectionalStrength is Wilder's ADX, in [0, 100].
	DirectionalStrength float64

	// AsOf is the end time of the newest bar used.
	AsOf time.Time
}

// Params controls the windows used by Compute.
type Params struct {
	TrendPeriod  int
	VolumePeriod int
	ADXPeriod    int
}

// DefaultParams suits a 60-bar window of one-minute bars.
func DefaultParams() Params {
	return Params{TrendPeriod: 20, VolumePeriod: 5, ADXPeriod: 14}
}

// MinBars returns the number of bars Compute needs.
func (p Params) MinBars() int {
	return max(p.TrendPeriod+1, 2*p.VolumePeriod, 2*p.ADXPeriod+1)
}

// Compute derives a Reading from bars ordered oldest first.
func Compute(bars []domain.Bar, p Params) (Reading, error) {
	if len(bars) < p.MinBars() || len(bars) == 0 {
		return Reading{}, ErrInsufficientData
	}
	return Reading{
		TrendStrength:       EfficiencyRatio(bars, p.TrendPeriod),
		VolumeRatio:         VolumeRatio(bars, p.VolumePeriod),
		DirectionalStrength: ADX(bars, p.ADXPeriod),
		AsOf:                bars[len(bars)-1].Timestamp.Add(time.Minute),
	}, nil
}

// SMA returns the simple moving average of the last period closes, or 0 if
// there are fewer bars than period.
func SMA(bars []domain.Bar, period int) float64 {
	if period <= 0 || len(bars) < period {
		return 0
	}
	var sum float64
	for _, b := range bars[len(bars)-period:] {
		sum += b.Close
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average of closes, seeded with the
// SMA of the first period bars. It returns 0 if there are fewer bars than
// period.
func EMA(bars []domain.Bar, period int) float64 {
	if period <= 0 || len(bars) < period {
		return 0
	}
	var sum float64
	for _, b := range bars[:period] {
		sum += b.Close
	}
	ema := sum / float64(period)
	k := 2.0 / float64(period+1)
	for _, b := range bars[period:] {
		ema = b.Close*k + ema*(1-k)
	}
	return ema
}

// EfficiencyRatio is the net close change over the last period bars
// divided by the sum of absolute bar-to-bar changes. It is 1 for a straight
// line up, -1 for a straight line down and near 0 for chop.
func EfficiencyRatio(bars []domain.Bar, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 0
	}
	win := bars[len(bars)-period-1:]
	var path float64
	for i := 1; i < len(win); i++ {
		path += math.Abs(win[i].Close - win[i-1].Close)
	}
	if path == 0 {
		return 0
	}
	return (win[len(win)-1].Close - win[0].Close) / path
}

// VolumeRatio compares the average volume of the last period bars to the
// average of all bars before them.
func VolumeRatio(bars []domain.Bar, period int) float64 {
	if period <= 0 || len(bars) <= period {
		return 0
	}
	split := len(bars) - period
	base := avgVolume(bars[:split])
	if base == 0 {
		return 0
	}
	return avgVolume(bars[split:]) / base
}

func avgVolume(bars []domain.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += float64(b.Volume)
	}
	return sum / float64(len(bars))
}

// TrueRange of bar i relative to the previous close.
func TrueRange(cur, prev domain.Bar) float64 {
	return math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

// ADX returns Wilder's average directional index. It needs 2*period+1 bars
// and returns 0 otherwise.
func ADX(bars []domain.Bar, period int) float64 {
	if period <= 0 || len(bars) < 2*period+1 {
		return 0
	}

	n := float64(period)
	var tr, plusDM, minusDM float64
	var dxs []float64

	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		var pdm, mdm float64
		if up > down && up > 0 {
			pdm = up
		}
		if down > up && down > 0 {
			mdm = down
		}
		t := TrueRange(bars[i], bars[i-1])

		if i <= period {
			tr += t
			plusDM += pdm
			minusDM += mdm
			if i < period {
				continue
			}
		} else {
			tr = tr - tr/n + t
			plusDM = plusDM - plusDM/n + pdm
			minusDM = minusDM - minusDM/n + mdm
		}

		if tr == 0 {
			dxs = append(dxs, 0)
			continue
		}
		pdi := 100 * plusDM / tr
		mdi := 100 * minusDM / tr
		if pdi+mdi == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, 100*math.Abs(pdi-mdi)/(pdi+mdi))
	}

	if len(dxs) < period {
		return 0
	}
	var adx float64
	for _, dx := range dxs[:period] {
		adx += dx
	}
	adx /= n
	for _, dx := range dxs[period:] {
		adx = (adx*(n-1) + dx) / n
	}
	return adx
}
