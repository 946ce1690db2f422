package budget

import (
	"regexp"
	"strconv"
	"time"
)

// RateLimit describes a usage limit reported by an agent CLI.
type RateLimit struct {
	DetectedAt time.Time
	ResetAt    time.Time
	RawMessage string
}

// Until returns the time left before the limit resets.
func (r RateLimit) Until(now time.Time) time.Duration {
	if r.ResetAt.IsZero() || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

var (
	// "Claude AI usage limit reached|1735689600"
	unixResetPattern = regexp.MustCompile(`usage limit reached\|(\d+)`)
	// "retry in 30 seconds", "retry after 30s"
	retryAfterPattern = regexp.MustCompile(`(?i)retry (?:in|after)\s+(\d+)\s*(?:seconds?|s)\b`)
	// Generic indicators.
	limitIndicator = regexp.MustCompile(`(?i)(rate.?limit|usage.?limit|too.?many.?requests|\b429\b)`)
	// Log echoes of earlier waits are not limits themselves.
	limitEcho = regexp.MustCompile(`(?i)(\[rate.?limit\]|waiting for reset)`)
)

// ParseRateLimit inspects CLI output and returns the limit it reports, if
// any. When no reset time is given, fallback is used.
func ParseRateLimit(output string, now time.Time, fallback time.Duration) (RateLimit, bool) {
	if output == "" || !limitIndicator.MatchString(output) || limitEcho.MatchString(output) {
		return RateLimit{}, false
	}

	info := RateLimit{DetectedAt: now, RawMessage: output}
	if m := unixResetPattern.FindStringSubmatch(output); m != nil {
		if ts, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			info.ResetAt = time.Unix(ts, 0)
			return info, true
		}
	}
	if m := retryAfterPattern.FindStringSubmatch(output); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			info.ResetAt = now.Add(time.Duration(secs) * time.Second)
			return info, true
		}
	}
	info.ResetAt = now.Add(fallback)
	return info, true
}
