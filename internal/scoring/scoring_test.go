package scoring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/quizparty/internal/scoring"
)

func TestScore(t *testing.T) {
	const budget = 30 * time.Second

	tests := map[string]struct {
		correct bool
		elapsed time.Duration
		want    int64
	}{
		"incorrect answer earns nothing":            {correct: false, elapsed: time.Second, want: 0},
		"incorrect instant answer still earns zero": {correct: false, elapsed: 0, want: 0},
		"instant correct answer earns full marks":   {correct: true, elapsed: 0, want: scoring.MaxPoints},
		"correct at the budget earns the floor":     {correct: true, elapsed: budget, want: scoring.FloorPoints},
		"correct past the budget clamps to floor":   {correct: true, elapsed: 2 * budget, want: scoring.FloorPoints},
		"negative elapsed clamps to full marks":     {correct: true, elapsed: -time.Second, want: scoring.MaxPoints},
		"midpoint earns half the spread":            {correct: true, elapsed: 15 * time.Second, want: 550},
		"5s of 30s":                                 {correct: true, elapsed: 5 * time.Second, want: 850},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, scoring.Score(tt.correct, tt.elapsed, budget))
		})
	}
}

func TestScore_Monotonicity(t *testing.T) {
	t.Parallel()

	const budget = 20 * time.Second

	prev := scoring.Score(true, 0, budget)
	for e := time.Duration(0); e <= budget; e += 250 * time.Millisecond {
		got := scoring.Score(true, e, budget)

		assert.LessOrEqual(t, got, prev, "faster correct answers never earn less (elapsed=%s)", e)
		assert.GreaterOrEqual(t, got, scoring.FloorPoints, "correct answers are bounded below by the floor")
		assert.LessOrEqual(t, got, scoring.MaxPoints, "correct answers are bounded above by full marks")
		assert.Greater(t, got, scoring.Score(false, e, budget), "correct always beats incorrect")

		prev = got
	}
}

func TestScore_Deterministic(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		assert.Equal(t,
			scoring.Score(true, 7*time.Second+123*time.Millisecond, 30*time.Second),
			scoring.Score(true, 7*time.Second+123*time.Millisecond, 30*time.Second),
		)
	}
}

func TestScore_ZeroBudget(t *testing.T) {
	t.Parallel()

	assert.Equal(t, scoring.FloorPoints, scoring.Score(true, 0, 0))
	assert.Equal(t, int64(0), scoring.Score(false, 0, 0))
}
