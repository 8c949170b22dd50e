package domain

import "time"

// MinuteOf returns t in UTC with seconds and sub-seconds zeroed. This is the
// planner's per-tick identifier and the minute_key stored on commands.
func MinuteOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// MinuteKey formats a minute for idempotency keys and logs.
func MinuteKey(t time.Time) string {
	return MinuteOf(t).Format(time.RFC3339)
}

// ClockHHMM returns the UTC wall-clock "HH:MM" that slot start/end times are
// matched against.
func ClockHHMM(t time.Time) string {
	return t.UTC().Format("15:04")
}

// DayOfWeekAt maps a UTC instant to the slot day-of-week enum.
func DayOfWeekAt(t time.Time) DayOfWeek {
	switch t.UTC().Weekday() {
	case time.Monday:
		return Monday
	case time.Tuesday:
		return Tuesday
	case time.Wednesday:
		return Wednesday
	case time.Thursday:
		return Thursday
	case time.Friday:
		return Friday
	case time.Saturday:
		return Saturday
	default:
		return Sunday
	}
}
