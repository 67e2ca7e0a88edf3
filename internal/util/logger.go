// Package util provides logging and host helpers shared by the fieldlink
// packages.
package util

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

const logFilePrefix = "fieldlink_"

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
	// ConsoleOut defaults to stdout. The interactive console swaps it so
	// log lines do not interleave with the prompt.
	ConsoleOut io.Writer `json:"-"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		Console:    true,
	}
}

// InitLogger initializes the zerolog global logger with file and console
// output. The returned closer flushes the log file on shutdown.
func InitLogger(cfg LogConfig) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	// An empty directory logs to the console only.
	var logFile *os.File
	var writers []io.Writer
	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
		}

		// One file per day; the date in the name keeps them in age order.
		logFileName := fmt.Sprintf("%s%s.log", logFilePrefix, time.Now().Format("2006-01-02"))
		logFilePath := filepath.Join(cfg.Directory, logFileName)

		logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
		}
		// File gets JSON, the console gets the human-readable form.
		writers = append(writers, logFile)
	}

	if cfg.Console || logFile == nil {
		out := cfg.ConsoleOut
		if out == nil {
			out = os.Stdout
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05.000",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "fieldlink").
		Caller().
		Logger()

	if logFile == nil {
		log.Debug().Str("level", level.String()).Msg("logger initialized (console only)")
		return io.NopCloser(nil), nil
	}

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFile.Name()).
		Msg("logger initialized")

	go cleanOldLogs(cfg.Directory, cfg.MaxBackups)

	return logFile, nil
}

// cleanOldLogs keeps the newest maxBackups fieldlink log files.
func cleanOldLogs(directory string, maxBackups int) []string {
	if maxBackups < 1 {
		return nil
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil
	}

	// ReadDir sorts by name, which is oldest first for dated files.
	var logFiles []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, logFilePrefix) && filepath.Ext(name) == ".log" {
			logFiles = append(logFiles, name)
		}
	}

	var removed []string
	for i := 0; i < len(logFiles)-maxBackups; i++ {
		path := filepath.Join(directory, logFiles[i])
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("failed to remove old log file")
			continue
		}
		removed = append(removed, logFiles[i])
		log.Debug().Str("file", path).Msg("removed old log file")
	}
	return removed
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// StationLogger is ComponentLogger with the station and team attached.
func StationLogger(component, station string, team uint16) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("station", station).
		Uint16("team", team).
		Logger()
}
