// Package scoring computes points for a single answered question.
//
// The curve is linear: a correct answer at the instant the round opens earns
// MaxPoints, decaying to FloorPoints at the time budget. Incorrect answers
// earn nothing. The math runs on decimals and truncates once at the end, so
// the same inputs always produce the same points.
package scoring

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MaxPoints is awarded for a correct answer at zero elapsed time.
	MaxPoints int64 = 1000
	// FloorPoints is awarded for a correct answer at the full time budget.
	FloorPoints int64 = 100
)

// Score returns the points earned for one response. Elapsed is clamped to
// [0, budget]; a non-positive budget degenerates to the floor.
func Score(correct bool, elapsed, budget time.Duration) int64 {
	if !correct {
		return 0
	}

	if budget <= 0 || elapsed >= budget {
		return FloorPoints
	}
	if elapsed < 0 {
		elapsed = 0
	}

	spread := decimal.NewFromInt(MaxPoints - FloorPoints)
	remaining := decimal.NewFromInt(int64(budget - elapsed))
	total := decimal.NewFromInt(int64(budget))

	earned := spread.Mul(remaining).Div(total)

	return FloorPoints + earned.IntPart()
}
