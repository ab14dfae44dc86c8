// Package log provides structured, colored logging for the relay daemon.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component names. Each subsystem logs under one of these.
const (
	ComponentRelay   = "relay"
	ComponentNet     = "net"
	ComponentSync    = "sync"
	ComponentCache   = "cache"
	ComponentTxn     = "txn"
	ComponentChain   = "chain"
	ComponentWallet  = "wallet"
	ComponentRPC     = "rpc"
	ComponentStorage = "storage"
	ComponentNode    = "node"
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and the file (always JSON for machine parsing).
func Init(level string, jsonOutput bool, file string) error {
	if file == "" {
		if jsonOutput {
			Logger = NewJSONLogger(os.Stdout, level)
		} else {
			Logger = NewConsoleLogger(os.Stdout, level)
		}
		return nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = consoleWriter(os.Stdout)
	}
	Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
	return nil
}

// Disable silences all output. Tests call it to keep go test output clean.
func Disable() {
	Logger = zerolog.Nop()
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(consoleWriter(w)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ValidLevel reports whether level is one of the accepted level names.
func ValidLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
