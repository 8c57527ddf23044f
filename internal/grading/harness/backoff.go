package harness

import "time"

// ComputeBackoff doubles base once per earlier attempt, capped at max.
// A zero base disables waiting.
func ComputeBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		if max > 0 && base > max {
			return max
		}
		return base
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
