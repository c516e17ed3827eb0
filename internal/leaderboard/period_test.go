package leaderboard_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/quizparty/internal/domain"
	"github.com/victornm/quizparty/internal/leaderboard"
)

func TestBucketStart(t *testing.T) {
	t.Parallel()

	// A Thursday evening, with a non-UTC zone to prove bucket math ignores it.
	loc := time.FixedZone("UTC+7", 7*3600)
	at := time.Date(2024, time.September, 19, 2, 30, 0, 0, loc) // 2024-09-18 19:30 UTC

	tests := map[string]struct {
		period domain.Period
		want   time.Time
	}{
		"daily truncates to UTC midnight": {
			period: domain.PeriodDaily,
			want:   time.Date(2024, time.September, 18, 0, 0, 0, 0, time.UTC),
		},
		"weekly snaps to ISO Monday": {
			period: domain.PeriodWeekly,
			want:   time.Date(2024, time.September, 16, 0, 0, 0, 0, time.UTC),
		},
		"monthly snaps to the first": {
			period: domain.PeriodMonthly,
			want:   time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC),
		},
		"all time is one bucket": {
			period: domain.PeriodAllTime,
			want:   time.Unix(0, 0).UTC(),
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, leaderboard.BucketStart(tt.period, at))
		})
	}
}

func TestBucketStart_SundayBelongsToPriorMonday(t *testing.T) {
	t.Parallel()

	sunday := time.Date(2024, time.September, 22, 23, 59, 0, 0, time.UTC)
	assert.Equal(t,
		time.Date(2024, time.September, 16, 0, 0, 0, 0, time.UTC),
		leaderboard.BucketStart(domain.PeriodWeekly, sunday))
}

func TestParsePeriod(t *testing.T) {
	t.Parallel()

	for _, p := range domain.Periods() {
		got, err := leaderboard.ParsePeriod(string(p))
		assert.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := leaderboard.ParsePeriod("hourly")
	assert.Error(t, err)
}
