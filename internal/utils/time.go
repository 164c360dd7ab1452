package utils

import "time"

// TimeOfDayBucket maps a local hour to its coarse day segment.
// Ranges: 5-12 morning, 12-17 afternoon, 17-21 evening, 21-5 night.
func TimeOfDayBucket(t time.Time) string {
	hour := t.Hour()
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 21:
		return "evening"
	default:
		return "night"
	}
}

// StartOfDay returns local midnight for t.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
