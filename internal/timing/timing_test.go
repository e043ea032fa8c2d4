package timing

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var refTimeS = float64(time.Date(2019, time.June, 1, 0, 0, 0, 0, time.UTC).Unix())

func TestConvertAmbiguousTimestampToNS(t *testing.T) {
	tests := []struct {
		given    float64
		expected float64
	}{
		{refTimeS, refTimeS * 1e9},
		{refTimeS * 1e3, refTimeS * 1e9},
		{refTimeS * 1e6, refTimeS * 1e9},
		{CutoffEpochS + 10, (CutoffEpochS + 10) * 1e9},
		{0.0, 0.0},
		{1000.0, 0.0},
		{-refTimeS, 0.0},
		{math.Inf(1), math.Inf(1)},
		{math.Inf(-1), 0.0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%g", tt.given), func(t *testing.T) {
			assert.Equal(t, tt.expected, ConvertAmbiguousTimestampToNS(tt.given))
		})
	}
}

func TestConvertAmbiguousTimestampToNSNaN(t *testing.T) {
	assert.Equal(t, 0.0, ConvertAmbiguousTimestampToNS(math.NaN()))
}

func TestQueueTimeNSValid(t *testing.T) {
	start := time.Now()
	queueStart := start.Add(-2 * time.Second).Unix()

	for _, withPrefix := range []bool{true, false} {
		header := fmt.Sprintf("%d", queueStart)
		if withPrefix {
			header = "t=" + header
		}

		ns, ok := QueueTimeNS(header, start, 0)
		assert.True(t, ok, header)
		assert.Greater(t, ns, int64(0), header)
		assert.Less(t, ns, int64(3*time.Second), header)
	}
}

func TestQueueTimeNSMillisAndMicros(t *testing.T) {
	start := time.Now()
	queueStart := start.Add(-2 * time.Second)

	for name, header := range map[string]string{
		"millis": fmt.Sprintf("t=%d", queueStart.UnixMilli()),
		"micros": fmt.Sprintf("t=%d", queueStart.UnixMicro()),
	} {
		ns, ok := QueueTimeNS(header, start, 0)
		assert.True(t, ok, name)
		assert.InDelta(t, float64(2*time.Second), float64(ns), float64(50*time.Millisecond), name)
	}
}

func TestQueueTimeNSInvalid(t *testing.T) {
	start := time.Now()

	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"prefix only", "t="},
		{"first char not a digit", "t=X"},
		{"trailing garbage", "t=0.3f"},
		{"one hour in the future", fmt.Sprintf("%d", start.Add(time.Hour).Unix())},
		{"before cutoff epoch", fmt.Sprintf("%d", time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC).Unix())},
		{"negative", "-1560000000"},
		{"inf", "inf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns, ok := QueueTimeNS(tt.header, start, 0)
			assert.False(t, ok)
			assert.Zero(t, ns)
		})
	}
}

func TestQueueTimeNSTolerance(t *testing.T) {
	start := time.Now()
	slightlyFuture := fmt.Sprintf("t=%d", start.Add(500*time.Millisecond).UnixMilli())

	_, ok := QueueTimeNS(slightlyFuture, start, 0)
	assert.False(t, ok)

	ns, ok := QueueTimeNS(slightlyFuture, start, time.Second)
	assert.True(t, ok)
	assert.Zero(t, ns, "future-but-tolerated timestamps clamp to zero wait")
}
