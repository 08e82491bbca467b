package oauth

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ExpiringSoon reports whether a token with the given expiry needs a refresh
// when judged with the given pre-emptive buffer. A zero expiry (unknown)
// always counts as expiring: an unrefreshed stale token causes silent API
// failures downstream, whereas an unnecessary refresh is cheap.
// The boundary is inclusive: expiry exactly buffer away is already expiring.
func ExpiringSoon(expiresAt time.Time, buffer time.Duration) bool {
	if expiresAt.IsZero() {
		return true
	}
	return !time.Now().Add(buffer).Before(expiresAt)
}

// epochMillisCutoff separates epoch-second from epoch-millisecond magnitudes.
// Anything at or above this is interpreted as milliseconds (year ~5138 in
// seconds, year 1973 in milliseconds).
const epochMillisCutoff = 1e11

// ParseInstant normalizes a loosely-typed timestamp into a time.Time. It is
// applied once, at the API boundary where upstream OAuth callbacks hand us
// expiry values: already-parsed times, epoch seconds or milliseconds
// (distinguished by magnitude), and RFC3339 strings all occur in the wild.
// Returns ok=false when the value is absent or unparseable; callers treat
// that as "expiring now".
func ParseInstant(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t, true
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case int:
		return epochInstant(float64(t))
	case int64:
		return epochInstant(float64(t))
	case float64:
		return epochInstant(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return epochInstant(f)
		}
		return time.Time{}, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochInstant(f)
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func epochInstant(v float64) (time.Time, bool) {
	if v <= 0 {
		return time.Time{}, false
	}
	if v >= epochMillisCutoff {
		return time.UnixMilli(int64(v)), true
	}
	return time.Unix(int64(v), 0), true
}
