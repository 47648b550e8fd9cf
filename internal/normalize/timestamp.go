package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Unix values at or above this are taken as milliseconds (year 2001 in ms,
// year 33658 in seconds).
const millisThreshold = 1e12

// maxUnixMillis is 9999-12-31T23:59:59.999Z. Larger values are rejected
// rather than wrapped by the int64 conversion.
const maxUnixMillis = 253402300799999

// ParseTimestamp accepts unix seconds, unix milliseconds (integer or
// fractional) and RFC 3339 strings, returning a UTC time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return time.Time{}, fmt.Errorf("negative timestamp %d", n)
		}
		if n > maxUnixMillis {
			return time.Time{}, fmt.Errorf("timestamp %d out of range", n)
		}
		if n >= millisThreshold {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}
		if f > maxUnixMillis {
			return time.Time{}, fmt.Errorf("timestamp %q out of range", s)
		}
		if f >= millisThreshold {
			f /= 1000
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	return t.UTC(), nil
}
