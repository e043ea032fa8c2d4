// Package timing normalizes ambiguous timestamps arriving from untrusted
// upstream headers and derives request queue time from them.
//
// Load balancers and proxies stamp requests with an epoch timestamp whose
// unit is not tagged: seconds, milliseconds, or microseconds depending on the
// product. The unit is inferred by magnitude against a cutoff epoch early
// enough that every legitimate measurement exceeds it.
package timing

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// CutoffEpochS is the cutoff epoch in seconds: 2009-06-01 UTC. Any real
// seconds-since-epoch measurement exceeds it, and so do millisecond and
// microsecond renderings of the same instant.
var CutoffEpochS = float64(time.Date(2009, time.June, 1, 0, 0, 0, 0, time.UTC).Unix())

var (
	cutoffEpochMS = CutoffEpochS * 1e3
	cutoffEpochUS = CutoffEpochS * 1e6
)

// ConvertAmbiguousTimestampToNS converts an epoch timestamp of unknown unit
// (seconds, milliseconds, or microseconds) to nanoseconds. Values that cannot
// represent a plausible instant degrade to 0. +Inf propagates so callers can
// reject it with their own range checks; -Inf and NaN degrade to 0. Never
// panics, never errors.
func ConvertAmbiguousTimestampToNS(value float64) float64 {
	switch {
	case value > cutoffEpochUS:
		return value * 1e3
	case value > cutoffEpochMS:
		return value * 1e6
	case value > CutoffEpochS:
		return value * 1e9
	default:
		// Zero, negative, NaN, -Inf, and sub-cutoff magnitudes all land
		// here: nothing to measure.
		return 0.0
	}
}

// QueueTimeNS parses an upstream timing header ("t=<timestamp>" or a bare
// numeric timestamp) and returns the elapsed nanoseconds between that instant
// and requestStart. The second return is false when the header is malformed,
// the timestamp is implausible, or it lies further in the future than
// tolerance allows.
func QueueTimeNS(headerValue string, requestStart time.Time, tolerance time.Duration) (int64, bool) {
	value := strings.TrimPrefix(headerValue, "t=")
	if value == "" || value[0] < '0' || value[0] > '9' {
		// Leading-digit check rejects negatives, "inf", "nan", and other
		// creative inputs before ParseFloat gets a chance to accept them.
		return 0, false
	}

	ambiguous, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}

	startNS := ConvertAmbiguousTimestampToNS(ambiguous)
	if startNS == 0.0 || math.IsInf(startNS, 0) {
		return 0, false
	}

	requestStartNS := float64(requestStart.UnixNano())
	if startNS > requestStartNS+float64(tolerance.Nanoseconds()) {
		return 0, false
	}

	queueTime := int64(requestStartNS - startNS)
	if queueTime < 0 {
		// Within tolerance but nominally in the future: report zero wait
		// rather than a negative duration.
		queueTime = 0
	}
	return queueTime, true
}
