// Package logging provides leveled, component-tagged loggers for the
// daemon's supervisors. Every component of one process run appends to a
// single run-scoped file, so one recovery episode can be read as an
// interleaved story across watchdog, keeper and monitor. When file logging
// is unavailable the logger degrades to stderr instead of failing the caller.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level orders log severities. Entries below a logger's minimum are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a configuration string to a Level. Empty means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Config is the logging policy shared by every component logger.
type Config struct {
	// Dir is where run log files are written. Empty means ~/.vigil/logs.
	Dir string `yaml:"dir"`

	// Level is the minimum severity written: debug, info, warn or error.
	// Empty means info.
	Level string `yaml:"level"`
}

// DefaultConfig returns the logging policy for unattended operation.
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// Validate rejects unusable policy.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	return nil
}

var (
	runID     string
	runIDOnce sync.Once
)

// currentRunID names the log file all components of this process share.
func currentRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// Logger writes leveled, component-tagged entries to the shared run file.
type Logger struct {
	component string
	min       Level

	mu        sync.Mutex
	out       *log.Logger
	file      *os.File
	closeOnce sync.Once
}

// New creates a component logger with the given policy. When the log
// directory cannot be prepared or the run file cannot be opened, it returns
// a stderr-backed logger together with the error, so callers keep a usable
// logger either way.
func New(component string, cfg Config) (*Logger, error) {
	min, err := ParseLevel(cfg.Level)
	if err != nil {
		return fallback(component, LevelInfo, err), err
	}

	dir := cfg.Dir
	if dir == "" {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			err := fmt.Errorf("failed to resolve home directory: %w", homeErr)
			return fallback(component, min, err), err
		}
		dir = filepath.Join(home, ".vigil", "logs")
	}
	if mkErr := os.MkdirAll(dir, 0750); mkErr != nil {
		err := fmt.Errorf("failed to create log directory: %w", mkErr)
		return fallback(component, min, err), err
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-vigil.log", currentRunID()))
	file, openErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if openErr != nil {
		err := fmt.Errorf("failed to open log file: %w", openErr)
		return fallback(component, min, err), err
	}

	return &Logger{
		component: component,
		min:       min,
		out:       log.New(file, "", 0),
		file:      file,
	}, nil
}

// NewLogger creates a component logger with the default policy.
func NewLogger(component string) (*Logger, error) {
	return New(component, DefaultConfig())
}

// fallback builds a stderr logger carrying the same component tag and level.
func fallback(component string, min Level, cause error) *Logger {
	l := &Logger{
		component: component,
		min:       min,
		out:       log.New(os.Stderr, "", 0),
	}
	l.write(LevelWarn, fmt.Sprintf("file logging unavailable, using stderr: %v", cause))
	return l
}

func (l *Logger) write(level Level, message string) {
	if level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	l.out.Printf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
}

// Debugf logs a debug-level message.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.write(LevelDebug, fmt.Sprintf(format, v...))
}

// Infof logs an info-level message.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write(LevelInfo, fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level message.
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.write(LevelWarn, fmt.Sprintf(format, v...))
}

// Errorf logs an error-level message.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write(LevelError, fmt.Sprintf(format, v...))
}

// Close closes the underlying run file. Safe to call multiple times and on
// stderr-backed loggers.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}
