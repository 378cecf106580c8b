package clock

import "time"

// SignedDuration renders a nanosecond quantity with an explicit leading sign.
// time.Duration already renders the minus sign; the plus makes offset
// directions unambiguous in logs and reports.
func SignedDuration(ns int64) string {
	d := time.Duration(ns)
	if d < 0 {
		return d.String()
	}
	return "+" + d.String()
}
