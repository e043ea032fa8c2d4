package nplusone

import (
	"runtime"
	"strings"
)

// Frame is one entry of a captured backtrace, attached to the triggering
// span's tags.
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// CaptureBacktrace walks the calling stack, skipping agent-internal frames,
// and returns up to depth application frames. This is the expensive operation
// the call-set threshold gates.
func CaptureBacktrace(depth int) []Frame {
	if depth <= 0 {
		return nil
	}

	// Oversample so agent frames can be filtered out and still leave depth
	// application frames.
	pcs := make([]uintptr, depth*2)
	n := runtime.Callers(2, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	out := make([]Frame, 0, depth)
	for {
		frame, more := frames.Next()
		if !agentFrame(frame.Function) {
			out = append(out, Frame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
			if len(out) >= depth {
				break
			}
		}
		if !more {
			break
		}
	}
	return out
}

// agentFrame reports whether a function belongs to the agent itself; those
// frames are noise in an N+1 diagnosis.
func agentFrame(function string) bool {
	return strings.Contains(function, "github.com/scoutapp/scout-apm-go/")
}
