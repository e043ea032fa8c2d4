package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutapp/scout-apm-go/internal/logging"
)

// scrubEnv removes every SCOUT_* variable from the process environment for
// the duration of the test, so stores built here never see the runner's own
// agent settings. t.Setenv registers the restore before the unset.
func scrubEnv(t *testing.T) {
	t.Helper()
	for _, entry := range os.Environ() {
		if !strings.HasPrefix(entry, EnvPrefix+"_") {
			continue
		}
		k, v, _ := strings.Cut(entry, "=")
		t.Setenv(k, v)
		os.Unsetenv(k)
	}
}

// newStore builds a store against a scrubbed environment. env pairs are set
// after the scrub, before construction.
func newStore(t *testing.T, env ...string) *Store {
	t.Helper()
	scrubEnv(t)
	for i := 0; i+1 < len(env); i += 2 {
		t.Setenv(env[i], env[i+1])
	}
	return New(logging.Nop())
}

func TestDefaultsResolveForEveryOption(t *testing.T) {
	s := newStore(t)

	names := []string{
		Monitor, Name, Key, Ignore, URIReporting, ApplicationRoot, Hostname,
		CoreAgentLaunch, CoreAgentSocketPath, LogLevel, ConfigFile,
		SendQueueSize, PayloadCompression, QueueTimeTolerance,
		NPlusOneThreshold, BacktraceDepth, RegistrySweepInterval,
		RegistryRequestTTL,
	}
	for _, name := range names {
		assert.True(t, s.Recognized(name), name)
	}

	assert.False(t, s.Bool(Monitor))
	assert.Equal(t, URIReportingFilteredParams, s.String(URIReporting))
	assert.Equal(t, 5, s.Int(NPlusOneThreshold))
	assert.Equal(t, time.Minute, s.Duration(RegistrySweepInterval))
	assert.Nil(t, s.Value("not_an_option"))
}

func TestOverrideRoundTrip(t *testing.T) {
	s := newStore(t)

	s.Set(Monitor, true)
	assert.True(t, s.Bool(Monitor))

	s.ResetAll()
	assert.False(t, s.Bool(Monitor))
}

func TestOverridePrecedenceOverEnv(t *testing.T) {
	s := newStore(t, "SCOUT_URI_REPORTING", "path")

	assert.Equal(t, URIReportingPath, s.String(URIReporting))

	s.Set(URIReporting, URIReportingFilteredParams)
	assert.Equal(t, URIReportingFilteredParams, s.String(URIReporting))

	s.ResetAll()
	assert.Equal(t, URIReportingPath, s.String(URIReporting))
}

func TestEnvLayer(t *testing.T) {
	s := newStore(t,
		"SCOUT_MONITOR", "true",
		"SCOUT_IGNORE", "/health,/api",
		"SCOUT_NPLUSONE_THRESHOLD", "7",
		"SCOUT_QUEUE_TIME_TOLERANCE", "2s",
	)

	assert.True(t, s.Bool(Monitor))
	assert.Equal(t, []string{"/health", "/api"}, s.Strings(Ignore))
	assert.Equal(t, 7, s.Int(NPlusOneThreshold))
	assert.Equal(t, 2*time.Second, s.Duration(QueueTimeTolerance))
}

func TestEnvLayerIgnoresUnprefixedNames(t *testing.T) {
	// Bare variables like MONITOR or HOSTNAME are common ambient noise in
	// containers and CI; only the SCOUT_ prefixed names may resolve.
	s := newStore(t,
		"MONITOR", "true",
		"NAME", "ambient-app",
		"KEY", "ambient-key",
		"LOG_LEVEL", "debug",
		"HOSTNAME", "ambient-host",
		"URI_REPORTING", "path",
	)

	assert.False(t, s.Bool(Monitor))
	assert.Equal(t, "", s.String(Name))
	assert.Equal(t, "", s.String(Key))
	assert.Equal(t, "warn", s.String(LogLevel))
	assert.Equal(t, "", s.String(Hostname))
	assert.Equal(t, URIReportingFilteredParams, s.String(URIReporting))
}

func TestFileLayerYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scout.yml")
	content := "monitor: true\nname: testapp\nignore:\n  - /health\nsend_queue_size: 64\nnot_recognized: whatever\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := newStore(t)
	s.Load(path)

	assert.True(t, s.Bool(Monitor))
	assert.Equal(t, "testapp", s.String(Name))
	assert.Equal(t, []string{"/health"}, s.Strings(Ignore))
	assert.Equal(t, 64, s.Int(SendQueueSize))
	assert.Nil(t, s.Value("not_recognized"))
}

func TestFileLayerTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scout.toml")
	content := "monitor = true\nkey = \"abc123\"\nignore = [\"/health\", \"/api\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := newStore(t)
	s.Load(path)

	assert.True(t, s.Bool(Monitor))
	assert.Equal(t, "abc123", s.String(Key))
	assert.Equal(t, []string{"/health", "/api"}, s.Strings(Ignore))
}

func TestFileLayerBrokenFileDegrades(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scout.yml")
	require.NoError(t, os.WriteFile(path, []byte("monitor: [unclosed"), 0o644))

	s := newStore(t)
	s.Load(path)

	// Broken file resolves like no file at all.
	assert.False(t, s.Bool(Monitor))
}

func TestEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scout.yml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	s := newStore(t, "SCOUT_LOG_LEVEL", "error")
	s.Load(path)

	assert.Equal(t, "error", s.String(LogLevel))
}

func TestConfigFileFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scout.yml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\n"), 0o644))

	s := newStore(t, "SCOUT_CONFIG_FILE", path)

	assert.Equal(t, "from-file", s.String(Name))
}

func TestScopedRestoresPriorState(t *testing.T) {
	s := newStore(t)
	s.Set(Name, "outer")

	restore := s.Scoped(map[string]any{Name: "inner", Monitor: true})
	assert.Equal(t, "inner", s.String(Name))
	assert.True(t, s.Bool(Monitor))

	restore()
	assert.Equal(t, "outer", s.String(Name))
	assert.False(t, s.Bool(Monitor))

	// Restore is idempotent.
	restore()
	assert.Equal(t, "outer", s.String(Name))
}

func TestScopedNests(t *testing.T) {
	s := newStore(t)

	outer := s.Scoped(map[string]any{NPlusOneThreshold: 2})
	inner := s.Scoped(map[string]any{NPlusOneThreshold: 3})

	assert.Equal(t, 3, s.Int(NPlusOneThreshold))
	inner()
	assert.Equal(t, 2, s.Int(NPlusOneThreshold))
	outer()
	assert.Equal(t, 5, s.Int(NPlusOneThreshold))
}

func TestScopedRestoreSurvivesPanic(t *testing.T) {
	s := newStore(t)

	func() {
		defer func() { _ = recover() }()
		restore := s.Scoped(map[string]any{Monitor: true})
		defer restore()
		panic("handler exploded")
	}()

	assert.False(t, s.Bool(Monitor))
}

func TestConcurrentOverrides(t *testing.T) {
	s := newStore(t)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			restore := s.Scoped(map[string]any{Key: "worker"})
			_ = s.String(Key)
			restore()
		}
	}()

	for i := 0; i < 1000; i++ {
		_ = s.Bool(Monitor)
		_ = s.Strings(Ignore)
	}
	<-done
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scout.yml")
	require.NoError(t, os.WriteFile(path, []byte("name: before\n"), 0o644))

	s := newStore(t)
	s.Set(ConfigFile, path)
	s.Load(path)
	require.Equal(t, "before", s.String(Name))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("name: after\n"), 0o644))

	require.Eventually(t, func() bool {
		return s.String(Name) == "after"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchWithoutFile(t *testing.T) {
	s := newStore(t)
	err := s.Watch(context.Background())
	assert.ErrorIs(t, err, ErrNoConfigFile)
}
