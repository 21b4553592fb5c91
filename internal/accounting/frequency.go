package accounting

import (
	"strings"
	"time"
)

// ResetFrequency is the cadence on which a tier's balances return to quota.
type ResetFrequency string

const (
	ResetDaily   ResetFrequency = "daily"
	ResetWeekly  ResetFrequency = "weekly"
	ResetMonthly ResetFrequency = "monthly"
	ResetYearly  ResetFrequency = "yearly"
	ResetNever   ResetFrequency = "never"
)

// ParseResetFrequency normalizes and validates a reset frequency. Empty input means never.
func ParseResetFrequency(raw string) (ResetFrequency, error) {
	normalized := ResetFrequency(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case "":
		return ResetNever, nil
	case ResetDaily, ResetWeekly, ResetMonthly, ResetYearly, ResetNever:
		return normalized, nil
	}
	return "", invalidArgument("invalid reset_frequency %q (expected daily, weekly, monthly, yearly or never)", raw)
}

// Schedulable reports whether the frequency ever becomes due.
func (f ResetFrequency) Schedulable() bool {
	switch f {
	case ResetDaily, ResetWeekly, ResetMonthly, ResetYearly:
		return true
	}
	return false
}

// NextReset returns when a balance last reset at last becomes due. ok is false for never.
func (f ResetFrequency) NextReset(last time.Time) (next time.Time, ok bool) {
	last = last.UTC()
	switch f {
	case ResetDaily:
		return last.AddDate(0, 0, 1), true
	case ResetWeekly:
		return last.AddDate(0, 0, 7), true
	case ResetMonthly:
		return addMonthsClamped(last, 1), true
	case ResetYearly:
		return addMonthsClamped(last, 12), true
	}
	return time.Time{}, false
}

// MinInterval is the shortest possible period for the frequency, used to pre-filter due rows in SQL.
func (f ResetFrequency) MinInterval() time.Duration {
	switch f {
	case ResetDaily:
		return 24 * time.Hour
	case ResetWeekly:
		return 7 * 24 * time.Hour
	case ResetMonthly:
		return 28 * 24 * time.Hour
	case ResetYearly:
		return 365 * 24 * time.Hour
	}
	return 0
}

// IsDue reports whether a balance last reset at last is due at now.
func (f ResetFrequency) IsDue(last, now time.Time) bool {
	next, ok := f.NextReset(last)
	if !ok {
		return false
	}
	return !now.Before(next)
}

// addMonthsClamped adds months and clamps the day to the last day of the target month,
// so Jan 31 + 1 month is Feb 28/29 instead of rolling into March.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	firstOfTarget := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
