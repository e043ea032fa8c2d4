// Package config implements the agent's layered settings store.
//
// Resolution precedence for every option: explicit override > environment
// variable (SCOUT_<NAME>) > config file > compiled-in default. Every
// recognized option always resolves to a defined value. Overrides support
// scoped push/pop so request-local or test-local settings cannot leak.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/scoutapp/scout-apm-go/internal/logging"
)

// Recognized option names.
const (
	Monitor               = "monitor"
	Name                  = "name"
	Key                   = "key"
	Ignore                = "ignore"
	URIReporting          = "uri_reporting"
	ApplicationRoot       = "application_root"
	Hostname              = "hostname"
	CoreAgentLaunch       = "core_agent_launch"
	CoreAgentSocketPath   = "core_agent_socket_path"
	LogLevel              = "log_level"
	ConfigFile            = "config_file"
	SendQueueSize         = "send_queue_size"
	PayloadCompression    = "payload_compression"
	QueueTimeTolerance    = "queue_time_tolerance"
	NPlusOneThreshold     = "nplusone_threshold"
	BacktraceDepth        = "backtrace_depth"
	RegistrySweepInterval = "registry_sweep_interval"
	RegistryRequestTTL    = "registry_request_ttl"
)

// URI reporting modes.
const (
	URIReportingFilteredParams = "filtered_params"
	URIReportingPath           = "path"
)

// defaults returns the compiled-in value for every recognized option.
func defaults() map[string]any {
	return map[string]any{
		Monitor:               false,
		Name:                  "",
		Key:                   "",
		Ignore:                []string(nil),
		URIReporting:          URIReportingFilteredParams,
		ApplicationRoot:       "",
		Hostname:              "",
		CoreAgentLaunch:       true,
		CoreAgentSocketPath:   "/tmp/scout_apm_core/core-agent.sock",
		LogLevel:              "warn",
		ConfigFile:            "",
		SendQueueSize:         256,
		PayloadCompression:    false,
		QueueTimeTolerance:    time.Duration(0),
		NPlusOneThreshold:     5,
		BacktraceDepth:        32,
		RegistrySweepInterval: time.Minute,
		RegistryRequestTTL:    10 * time.Minute,
	}
}

// envOptions is the environment layer. Pointer fields distinguish "unset"
// from zero values; envconfig leaves nil pointers alone.
//
// Field names resolve only under the SCOUT_ prefix (SCOUT_MONITOR,
// SCOUT_URI_REPORTING, ...). An `envconfig:"..."` tag must not be used here:
// envconfig treats the tag as an alternative name and falls back to the bare,
// unprefixed variable, so an ambient MONITOR or HOSTNAME in the host's
// environment would leak into the agent's settings.
type envOptions struct {
	Monitor             *bool
	Name                *string
	Key                 *string
	Ignore              []string
	URIReporting        *string        `split_words:"true"`
	ApplicationRoot     *string        `split_words:"true"`
	Hostname            *string
	CoreAgentLaunch     *bool          `split_words:"true"`
	CoreAgentSocketPath *string        `split_words:"true"`
	LogLevel            *string        `split_words:"true"`
	ConfigFile          *string        `split_words:"true"`
	SendQueueSize       *int           `split_words:"true"`
	PayloadCompression  *bool          `split_words:"true"`
	QueueTimeTolerance  *time.Duration `split_words:"true"`
	// Spelled to split as NPLUSONE_THRESHOLD, matching the option name.
	NplusoneThreshold     *int           `split_words:"true"`
	BacktraceDepth        *int           `split_words:"true"`
	RegistrySweepInterval *time.Duration `split_words:"true"`
	RegistryRequestTTL    *time.Duration `split_words:"true"`
}

// EnvPrefix is the prefix for all agent environment variables.
const EnvPrefix = "SCOUT"

// Store resolves option values through the override, environment, file, and
// default layers. Safe for concurrent use.
type Store struct {
	logger *logging.Logger

	mu        sync.RWMutex
	overrides map[string]any
	env       map[string]any
	file      map[string]any
	defaults  map[string]any
}

// New creates a store with the environment layer populated and, if a config
// file is resolvable at construction time, the file layer loaded.
func New(logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Store{
		logger:    logger,
		overrides: make(map[string]any),
		env:       loadEnv(logger),
		file:      make(map[string]any),
		defaults:  defaults(),
	}

	if path := s.String(ConfigFile); path != "" {
		s.Load(path)
	}

	return s
}

// loadEnv reads SCOUT_* environment variables into the env layer.
func loadEnv(logger *logging.Logger) map[string]any {
	var opts envOptions
	if err := envconfig.Process(EnvPrefix, &opts); err != nil {
		logger.Debug("failed to process environment config", zap.Error(err))
		return map[string]any{}
	}

	layer := make(map[string]any)
	put := func(name string, v any) { layer[name] = v }

	if opts.Monitor != nil {
		put(Monitor, *opts.Monitor)
	}
	if opts.Name != nil {
		put(Name, *opts.Name)
	}
	if opts.Key != nil {
		put(Key, *opts.Key)
	}
	if opts.Ignore != nil {
		put(Ignore, opts.Ignore)
	}
	if opts.URIReporting != nil {
		put(URIReporting, *opts.URIReporting)
	}
	if opts.ApplicationRoot != nil {
		put(ApplicationRoot, *opts.ApplicationRoot)
	}
	if opts.Hostname != nil {
		put(Hostname, *opts.Hostname)
	}
	if opts.CoreAgentLaunch != nil {
		put(CoreAgentLaunch, *opts.CoreAgentLaunch)
	}
	if opts.CoreAgentSocketPath != nil {
		put(CoreAgentSocketPath, *opts.CoreAgentSocketPath)
	}
	if opts.LogLevel != nil {
		put(LogLevel, *opts.LogLevel)
	}
	if opts.ConfigFile != nil {
		put(ConfigFile, *opts.ConfigFile)
	}
	if opts.SendQueueSize != nil {
		put(SendQueueSize, *opts.SendQueueSize)
	}
	if opts.PayloadCompression != nil {
		put(PayloadCompression, *opts.PayloadCompression)
	}
	if opts.QueueTimeTolerance != nil {
		put(QueueTimeTolerance, *opts.QueueTimeTolerance)
	}
	if opts.NplusoneThreshold != nil {
		put(NPlusOneThreshold, *opts.NplusoneThreshold)
	}
	if opts.BacktraceDepth != nil {
		put(BacktraceDepth, *opts.BacktraceDepth)
	}
	if opts.RegistrySweepInterval != nil {
		put(RegistrySweepInterval, *opts.RegistrySweepInterval)
	}
	if opts.RegistryRequestTTL != nil {
		put(RegistryRequestTTL, *opts.RegistryRequestTTL)
	}

	return layer
}

// Load parses a yml/yaml/toml file into the file layer, replacing any
// previously loaded file contents. Unknown extensions and parse errors leave
// the file layer empty: a broken config file must degrade to "unconfigured",
// never break the host application.
func (s *Store) Load(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug("config file not readable", zap.Error(err))
		s.setFileLayer(map[string]any{})
		return
	}

	parsed := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, &parsed)
	case ".toml":
		err = toml.Unmarshal(data, &parsed)
	default:
		err = fmt.Errorf("unsupported config file extension: %s", path)
	}
	if err != nil {
		s.logger.Debug("config file not parseable", zap.Error(err))
		s.setFileLayer(map[string]any{})
		return
	}

	layer := make(map[string]any, len(parsed))
	for k, v := range parsed {
		if _, ok := s.defaults[k]; !ok {
			continue // unrecognized option names are ignored, not errors
		}
		layer[k] = v
	}
	s.setFileLayer(layer)
}

func (s *Store) setFileLayer(layer map[string]any) {
	s.mu.Lock()
	s.file = layer
	s.mu.Unlock()
}

// Set pushes a single override, taking precedence over every other layer.
func (s *Store) Set(name string, value any) {
	s.mu.Lock()
	s.overrides[name] = value
	s.mu.Unlock()
}

// Update pushes a batch of overrides.
func (s *Store) Update(overrides map[string]any) {
	s.mu.Lock()
	for k, v := range overrides {
		s.overrides[k] = v
	}
	s.mu.Unlock()
}

// ResetAll clears the override layer entirely, restoring env/file/default
// resolution.
func (s *Store) ResetAll() {
	s.mu.Lock()
	s.overrides = make(map[string]any)
	s.mu.Unlock()
}

// Scoped pushes overrides and returns a restore function that reinstates the
// exact prior override state for the touched names. Restore is idempotent and
// safe under defer, so overrides cannot outlive their scope even on panic.
func (s *Store) Scoped(overrides map[string]any) (restore func()) {
	s.mu.Lock()
	prior := make(map[string]any, len(overrides))
	present := make(map[string]bool, len(overrides))
	for k, v := range overrides {
		prior[k], present[k] = s.overrides[k], hasKey(s.overrides, k)
		s.overrides[k] = v
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			for k := range overrides {
				if present[k] {
					s.overrides[k] = prior[k]
				} else {
					delete(s.overrides, k)
				}
			}
			s.mu.Unlock()
		})
	}
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

// Value resolves an option through override > env > file > default. Returns
// nil for unrecognized names.
func (s *Store) Value(name string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.overrides[name]; ok {
		return v
	}
	if v, ok := s.env[name]; ok {
		return v
	}
	if v, ok := s.file[name]; ok {
		return v
	}
	return s.defaults[name]
}

// Recognized reports whether name is a known option.
func (s *Store) Recognized(name string) bool {
	_, ok := s.defaults[name]
	return ok
}

// Bool resolves an option as a bool, coercing strings from file layers.
func (s *Store) Bool(name string) bool {
	switch v := s.Value(name).(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	default:
		return false
	}
}

// String resolves an option as a string.
func (s *Store) String(name string) string {
	switch v := s.Value(name).(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Strings resolves an option as a string slice. File layers decode YAML/TOML
// sequences as []any; a comma-separated string is also accepted.
func (s *Store) Strings(name string) []string {
	switch v := s.Value(name).(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	default:
		return nil
	}
}

// Int resolves an option as an int, coercing the numeric types file decoders
// produce.
func (s *Store) Int(name string) int {
	switch v := s.Value(name).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Duration resolves an option as a time.Duration, accepting Go duration
// strings from file layers.
func (s *Store) Duration(name string) time.Duration {
	switch v := s.Value(name).(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v)
	case int64:
		return time.Duration(v)
	case float64:
		return time.Duration(v)
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	default:
		return 0
	}
}
