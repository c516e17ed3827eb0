package leaderboard

import (
	"time"

	"github.com/victornm/quizparty/internal/domain"
	"github.com/victornm/quizparty/internal/errors"
)

// BucketStart returns the fixed start of the period bucket containing t.
// Bucket math is always UTC so every engine replica attributes a session's
// end time to the same bucket.
func BucketStart(p domain.Period, t time.Time) time.Time {
	t = t.UTC()

	switch p {
	case domain.PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case domain.PeriodWeekly:
		// ISO week: Monday is day 0.
		days := (int(t.Weekday()) + 6) % 7
		monday := t.AddDate(0, 0, -days)
		return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
	case domain.PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case domain.PeriodAllTime:
		return time.Unix(0, 0).UTC()
	}

	return time.Unix(0, 0).UTC()
}

// ParsePeriod validates a client-supplied period name.
func ParsePeriod(s string) (domain.Period, error) {
	switch domain.Period(s) {
	case domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly, domain.PeriodAllTime:
		return domain.Period(s), nil
	}

	return "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown period %q", s))
}
