// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level written to Output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Dir enables per-run log files. When set, every event at debug and above
	// is written to {Dir}/{stamp}.log and warnings and above are additionally
	// written to {Dir}/issues_report_{stamp}.log.
	Dir string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Files holds the per-run log files opened by Setup.
type Files struct {
	MainPath   string
	IssuesPath string

	main   *os.File
	issues *os.File
}

// Close flushes and closes both log files.
func (f *Files) Close() error {
	if f == nil {
		return nil
	}
	var firstErr error
	for _, file := range []*os.File{f.main, f.issues} {
		if file == nil {
			continue
		}
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Setup configures the global zerolog logger.
//
// When cfg.Dir is set the returned Files must be closed by the caller once
// logging is finished.
func Setup(cfg Config) (zerolog.Logger, *Files, error) {
	level := parseLevel(cfg.Level)

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var console io.Writer = cfg.Output
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.DateTime}
	}

	writers := []io.Writer{
		&zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: console},
			Level:  level,
		},
	}

	var files *Files
	if cfg.Dir != "" {
		var err error
		files, err = openRunFiles(cfg.Dir, time.Now().UTC())
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writers = append(writers,
			zerolog.LevelWriterAdapter{Writer: files.main},
			&zerolog.FilteredLevelWriter{
				Writer: zerolog.LevelWriterAdapter{Writer: files.issues},
				Level:  zerolog.WarnLevel,
			},
		)
	}

	// Files receive debug events even when the console is quieter, so the
	// global level only gates what nothing wants to see.
	global := level
	if files != nil && zerolog.DebugLevel < global {
		global = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(global)

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	log.Logger = logger

	return logger, files, nil
}

func openRunFiles(dir string, now time.Time) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	stamp := now.Format("20060102_150405")
	files := &Files{
		MainPath:   filepath.Join(dir, stamp+".log"),
		IssuesPath: filepath.Join(dir, "issues_report_"+stamp+".log"),
	}

	var err error
	if files.main, err = os.OpenFile(files.MainPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		return nil, fmt.Errorf("open main log: %w", err)
	}
	if files.issues, err = os.OpenFile(files.IssuesPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		files.main.Close()
		return nil, fmt.Errorf("open issues log: %w", err)
	}
	return files, nil
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Critical starts a message at the fatal level without terminating the
// process. It marks conditions that end the run, such as an empty key list
// or a fully exhausted key pool.
func Critical(logger *zerolog.Logger) *zerolog.Event {
	return logger.WithLevel(zerolog.FatalLevel)
}

// MaskKey returns a printable form of an access key that only reveals its
// last four characters.
func MaskKey(key string) string {
	runes := []rune(key)
	if len(runes) <= 4 {
		return "..." + key
	}
	return "..." + string(runes[len(runes)-4:])
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Key selection (chosen key, today's usage)
//   - Request flow (entity, masked key)
//   - Skipped entities whose artifact already exists
//
// Info: Normal operation events
//   - Saved artifacts
//   - Per-entity progress (i/total)
//   - Time based and upstream detected quota resets
//   - Run start and final summary
//
// Warn: Warning conditions that don't prevent operation
//   - Key reached its daily limit, rotation required
//   - Quota exceeded responses
//   - Invalid key removal
//   - Unparseable persisted timestamps
//
// Error: Error conditions requiring attention
//   - Entity failed after all attempts
//   - Request and decode failures
//   - Usage or artifact persistence failures
//
// Fatal (via Critical, never exits):
//   - Empty entity or key list
//   - Every key exhausted
//
// Context Fields:
//   - ogrn: entity identifier
//   - key: masked access key (last four characters)
//   - today_requests / total_requests: key usage counters
//   - outcome: fetch classification
//   - attempt / max_attempts: per-entity attempt counters
//   - run_id: batch run identifier
