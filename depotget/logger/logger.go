package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LogLevelSilent disables all logging
	LogLevelSilent LogLevel = iota
	// LogLevelError shows only errors
	LogLevelError
	// LogLevelWarn shows warnings and errors
	LogLevelWarn
	// LogLevelInfo shows info, warnings, and errors (verbose mode)
	LogLevelInfo
	// LogLevelDebug shows all logs including debug information
	LogLevelDebug
)

var zerologLevels = map[LogLevel]zerolog.Level{
	LogLevelSilent: zerolog.Disabled,
	LogLevelError:  zerolog.ErrorLevel,
	LogLevelWarn:   zerolog.WarnLevel,
	LogLevelInfo:   zerolog.InfoLevel,
	LogLevelDebug:  zerolog.DebugLevel,
}

var (
	currentLevel = LogLevelError
	log          = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(zerolog.ErrorLevel).
			With().Timestamp().Logger()
)

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	currentLevel = level
	zl, ok := zerologLevels[level]
	if !ok {
		zl = zerolog.ErrorLevel
	}
	log = log.Level(zl)
}

// GetLogLevel returns the current log level
func GetLogLevel() LogLevel {
	return currentLevel
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	log.Debug().Msgf(format, redactArgs(args)...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	log.Info().Msgf(format, redactArgs(args)...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	log.Warn().Msgf(format, redactArgs(args)...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	log.Error().Msgf(format, redactArgs(args)...)
}

// redactArgs removes secure-link tokens from logged values. CDN URLs carry
// short-lived auth tokens in their query string and must never hit the logs.
func redactArgs(args []interface{}) []interface{} {
	for i, arg := range args {
		if s, ok := arg.(string); ok {
			args[i] = redactSensitive(s)
		}
	}
	return args
}

func redactSensitive(message string) string {
	if strings.Contains(message, "token=") {
		parts := strings.Split(message, "token=")
		for i := 1; i < len(parts); i++ {
			endIdx := strings.IndexAny(parts[i], "& \n")
			if endIdx == -1 {
				endIdx = len(parts[i])
			}
			parts[i] = "***" + parts[i][endIdx:]
		}
		message = strings.Join(parts, "token=")
	}
	return message
}
