package workflow

import "time"

// PeriodStart returns the first instant of the calendar month containing now, in UTC.
func PeriodStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextPeriodStart returns the first instant of the month after the one containing now.
func NextPeriodStart(now time.Time) time.Time {
	return PeriodStart(now).AddDate(0, 1, 0)
}
