// Package transport serializes finished requests into commands and ships
// them over a local socket to the core agent. Everything in here is
// best-effort: a fault on this side of the boundary is logged and swallowed,
// never surfaced to the monitored application.
package transport

import (
	"sort"
	"time"

	"github.com/bytedance/sonic"

	"github.com/scoutapp/scout-apm-go/internal/track"
)

// APIVersion is reported to the core agent on Register.
const APIVersion = "1.0"

// Command is a discrete typed event for the core agent. The wire form is a
// single-key JSON object {"CommandName": {...}} so each command is
// independently deserializable and self-describing.
type Command interface {
	Message() map[string]any
}

// Marshal encodes a command to its wire JSON.
func Marshal(cmd Command) ([]byte, error) {
	return sonic.Marshal(cmd.Message())
}

// timestamp renders command timestamps the way the core agent expects.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Register announces the application to the core agent. Sent once per
// connection before any request data.
type Register struct {
	App      string
	Key      string
	Hostname string
}

func (c Register) Message() map[string]any {
	return map[string]any{
		"Register": map[string]any{
			"app":         c.App,
			"key":         c.Key,
			"host":        c.Hostname,
			"language":    "go",
			"api_version": APIVersion,
		},
	}
}

// StartRequest opens a request on the core agent.
type StartRequest struct {
	RequestID string
	Timestamp time.Time
}

func (c StartRequest) Message() map[string]any {
	return map[string]any{
		"StartRequest": map[string]any{
			"request_id": c.RequestID,
			"timestamp":  timestamp(c.Timestamp),
		},
	}
}

// FinishRequest closes a request on the core agent.
type FinishRequest struct {
	RequestID string
	Timestamp time.Time
}

func (c FinishRequest) Message() map[string]any {
	return map[string]any{
		"FinishRequest": map[string]any{
			"request_id": c.RequestID,
			"timestamp":  timestamp(c.Timestamp),
		},
	}
}

// TagRequest attaches one tag to a request.
type TagRequest struct {
	RequestID string
	Tag       string
	Value     any
	Timestamp time.Time
}

func (c TagRequest) Message() map[string]any {
	return map[string]any{
		"TagRequest": map[string]any{
			"request_id": c.RequestID,
			"tag":        c.Tag,
			"value":      c.Value,
			"timestamp":  timestamp(c.Timestamp),
		},
	}
}

// StartSpan opens a span within a request.
type StartSpan struct {
	RequestID string
	SpanID    string
	ParentID  string
	Operation string
	Timestamp time.Time
}

func (c StartSpan) Message() map[string]any {
	m := map[string]any{
		"request_id": c.RequestID,
		"span_id":    c.SpanID,
		"operation":  c.Operation,
		"timestamp":  timestamp(c.Timestamp),
	}
	if c.ParentID != "" {
		m["parent_id"] = c.ParentID
	}
	return map[string]any{"StartSpan": m}
}

// StopSpan closes a span within a request.
type StopSpan struct {
	RequestID string
	SpanID    string
	Timestamp time.Time
}

func (c StopSpan) Message() map[string]any {
	return map[string]any{
		"StopSpan": map[string]any{
			"request_id": c.RequestID,
			"span_id":    c.SpanID,
			"timestamp":  timestamp(c.Timestamp),
		},
	}
}

// TagSpan attaches one tag to a span.
type TagSpan struct {
	RequestID string
	SpanID    string
	Tag       string
	Value     any
	Timestamp time.Time
}

func (c TagSpan) Message() map[string]any {
	return map[string]any{
		"TagSpan": map[string]any{
			"request_id": c.RequestID,
			"span_id":    c.SpanID,
			"tag":        c.Tag,
			"value":      c.Value,
			"timestamp":  timestamp(c.Timestamp),
		},
	}
}

// BatchCommand wraps the full command sequence for one finished request so
// it travels in a single frame.
type BatchCommand struct {
	Commands []Command
}

func (c BatchCommand) Message() map[string]any {
	msgs := make([]map[string]any, 0, len(c.Commands))
	for _, cmd := range c.Commands {
		msgs = append(msgs, cmd.Message())
	}
	return map[string]any{
		"BatchCommand": map[string]any{
			"commands": msgs,
		},
	}
}

// ErrorTag marks requests that ended in a server error.
const ErrorTag = "error"

// BuildBatch converts a finished request into its command sequence:
// StartRequest, per-span Start/Tag/Stop in span start order, request tags,
// FinishRequest.
func BuildBatch(req *track.Request) BatchCommand {
	requestID := req.ID.String()
	cmds := make([]Command, 0, 2+len(req.CompletedSpans)*2+len(req.Tags))

	cmds = append(cmds, StartRequest{
		RequestID: requestID,
		Timestamp: req.StartTime,
	})

	spans := make([]*track.Span, len(req.CompletedSpans))
	copy(spans, req.CompletedSpans)
	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].StartTime.Before(spans[j].StartTime)
	})

	for _, span := range spans {
		parentID := ""
		if span.Parent != nil {
			parentID = span.Parent.ID.String()
		}
		cmds = append(cmds, StartSpan{
			RequestID: requestID,
			SpanID:    span.ID.String(),
			ParentID:  parentID,
			Operation: span.Operation,
			Timestamp: span.StartTime,
		})
		for tag, value := range span.Tags {
			cmds = append(cmds, TagSpan{
				RequestID: requestID,
				SpanID:    span.ID.String(),
				Tag:       tag,
				Value:     value,
				Timestamp: span.StartTime,
			})
		}
		cmds = append(cmds, StopSpan{
			RequestID: requestID,
			SpanID:    span.ID.String(),
			Timestamp: span.StopTime,
		})
	}

	for tag, value := range req.Tags {
		cmds = append(cmds, TagRequest{
			RequestID: requestID,
			Tag:       tag,
			Value:     value,
			Timestamp: req.StartTime,
		})
	}
	if req.Errored {
		cmds = append(cmds, TagRequest{
			RequestID: requestID,
			Tag:       ErrorTag,
			Value:     "true",
			Timestamp: req.StartTime,
		})
	}

	cmds = append(cmds, FinishRequest{
		RequestID: requestID,
		Timestamp: req.EndTime,
	})

	return BatchCommand{Commands: cmds}
}
