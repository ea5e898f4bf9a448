package service

import "time"

// DefaultBackoffMinutes is the retry wait table
var DefaultBackoffMinutes = []int{1, 3, 10, 30, 120}

// Backoff maps an attempt count to the wait before the next attempt
type Backoff struct {
	Minutes []int
}

// Delay returns Minutes[clamp(n-1, 0, len-1)] as a duration. It is total:
// n <= 0 maps to the first entry and an empty table waits zero.
func (b Backoff) Delay(n int) time.Duration {
	if len(b.Minutes) == 0 {
		return 0
	}
	i := n - 1
	if i < 0 {
		i = 0
	}
	if i > len(b.Minutes)-1 {
		i = len(b.Minutes) - 1
	}
	return time.Duration(b.Minutes[i]) * time.Minute
}
