// Package filter redacts sensitive data from captured request parameters and
// builds the filtered query strings reported to the core agent.
package filter

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/scoutapp/scout-apm-go/internal/config"
	"github.com/scoutapp/scout-apm-go/internal/logging"
)

// Filtered is the literal marker substituted for sensitive values.
const Filtered = "[FILTERED]"

// DefaultSensitiveMarkers match parameter keys case-insensitively by
// substring. A key containing any marker is redacted regardless of its value.
func DefaultSensitiveMarkers() []string {
	return []string{
		"password", "passwd", "pwd",
		"secret", "token",
		"api_key", "apikey",
		"auth",
		"cookie", "session",
		"private",
		"ssn", "card",
	}
}

// Set is an unordered collection. Sets are opaque to the filter: membership
// carries no key association, so they pass through unchanged.
type Set map[string]struct{}

// Param is one captured query parameter. Order and duplicate keys are
// preserved as the framework adapter supplied them.
type Param struct {
	Key   string
	Value any
}

// Filter redacts sensitive values and applies the configured URI reporting
// policy.
type Filter struct {
	config  *config.Store
	logger  *logging.Logger
	markers []string
}

// New creates a filter with the default sensitive-key markers.
func New(cfg *config.Store, logger *logging.Logger) *Filter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Filter{
		config:  cfg,
		logger:  logger,
		markers: DefaultSensitiveMarkers(),
	}
}

// NewWithMarkers creates a filter with a custom denylist.
func NewWithMarkers(cfg *config.Store, logger *logging.Logger, markers []string) *Filter {
	f := New(cfg, logger)
	f.markers = markers
	return f
}

// Element filters value under key. A sensitive key redacts the whole value.
// Otherwise mappings are rebuilt with each entry filtered under its own key,
// sequences are rebuilt with each element filtered under the parent key, sets
// pass through unchanged, and scalars pass through unchanged. The input is
// never mutated.
//
// Filtering is metadata work and must never take down the host application:
// any panic inside the recursion is recovered and the value passes through
// unfiltered with a debug log line.
func (f *Filter) Element(key string, value any) (result any) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Debug("panic while filtering element", zap.Any("panic", r))
			result = value
		}
	}()

	return f.filterElement(key, value)
}

func (f *Filter) filterElement(key string, value any) any {
	if f.sensitiveKey(key) {
		return Filtered
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = f.filterElement(k, item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = f.filterElement(key, item)
		}
		return out
	case Set:
		return v
	default:
		return value
	}
}

// sensitiveKey reports whether key matches the denylist.
func (f *Filter) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range f.markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Path builds the reported URI for a request path and its captured
// parameters. In path-only reporting mode the parameters are discarded
// entirely; otherwise each value is filtered, stringified, and URL-encoded,
// with keys sorted and duplicate keys keeping their relative order.
func (f *Filter) Path(path string, params []Param) (result string) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Debug("panic while building filtered path", zap.Any("panic", r))
			result = path
		}
	}()

	if f.config != nil && f.config.String(config.URIReporting) == config.URIReportingPath {
		return path
	}
	if len(params) == 0 {
		return path
	}

	values := url.Values{}
	for _, p := range params {
		values.Add(p.Key, stringify(f.Element(p.Key, p.Value)))
	}
	return path + "?" + values.Encode()
}

// IgnorePath reports whether path matches any configured ignore prefix.
// Plain prefix match, no patterns.
func (f *Filter) IgnorePath(path string) bool {
	if f.config == nil {
		return false
	}
	for _, prefix := range f.config.Strings(config.Ignore) {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// stringify coerces captured parameter values to strings. Adapters usually
// hand us strings, but mutated query dicts can carry anything.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
