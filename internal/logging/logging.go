// Package logging configures the process-wide zerolog logger for master-kit.
// Configuration is resolved once per process from (highest to lowest priority):
// explicit Configure options, environment variables (MASTERKIT_*), defaults.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Environment variables honored by Configure.
const (
	// EnvLogLevel selects the minimum level (trace, debug, info, warn, error).
	EnvLogLevel = "MASTERKIT_LOG_LEVEL"

	// EnvLogTimestamp toggles timestamps on console output.
	EnvLogTimestamp = "MASTERKIT_LOG_TIMESTAMP"

	// EnvLogNoColor disables ANSI color on console output.
	EnvLogNoColor = "MASTERKIT_LOG_NOCOLOR"

	// EnvTrace enables trace-level dispatcher markers. It is distinct from
	// EnvLogLevel so a phase harness can flip tracing on without knowing
	// about log levels.
	EnvTrace = "MASTERKIT_TRACE"
)

// Profile selects a configuration baseline.
type Profile int

const (
	// ProfileRuntime is the default CLI profile: info level, console writer
	// on stderr so stdout stays parseable.
	ProfileRuntime Profile = iota

	// ProfileTest is used by package tests: debug level, no timestamps.
	ProfileTest
)

var (
	configureOnce sync.Once
	root          zerolog.Logger
)

// Configure initializes the root logger. Safe to call more than once; only
// the first call wins (the dispatcher may be re-entered by delegated hook
// processes that each call Configure).
func Configure(profile Profile) {
	configureOnce.Do(func() {
		root = build(profile, os.Stderr)
	})
}

// ConfigureRuntime applies the runtime profile.
func ConfigureRuntime() { Configure(ProfileRuntime) }

// ConfigureTests applies the test profile.
func ConfigureTests() { Configure(ProfileTest) }

// For returns a child logger tagged with the originating component.
func For(component string) zerolog.Logger {
	Configure(ProfileRuntime)
	return root.With().Str("component", component).Logger()
}

// Tracing reports whether trace-level markers are enabled, either via
// MASTERKIT_TRACE or a trace-or-lower log level.
func Tracing() bool {
	if on, ok := parseBool(os.Getenv(EnvTrace)); ok && on {
		return true
	}
	return zerolog.GlobalLevel() <= zerolog.TraceLevel
}

func build(profile Profile, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	timestamp := true
	noColor := false

	if profile == ProfileTest {
		level = zerolog.DebugLevel
		timestamp = false
		noColor = true
	}

	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		noColor = v
	}
	if on, ok := parseBool(os.Getenv(EnvTrace)); ok && on {
		level = zerolog.TraceLevel
	}

	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: out, NoColor: noColor, TimeFormat: time.Kitchen}
	if !timestamp {
		console.PartsExclude = []string{zerolog.TimestampFieldName}
	}

	return zerolog.New(console).With().Timestamp().Logger()
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
