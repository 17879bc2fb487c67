package dashboard

import "time"

// TimestampLayout renders times like "Jun 1, 2024, 9:30 AM".
const TimestampLayout = "Jan 2, 2006, 3:04 PM"

// FormatTimestamp formats t in loc, or in the local zone when loc is nil.
func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(TimestampLayout)
}

// StatusColor names the color of the presence dot for a status.
func StatusColor(status string) string {
	if status == StatusOnline {
		return "green"
	}
	return "red"
}
