// Package util holds the process-wide helpers: logging setup, host
// inspection and TLS material for the admin API.
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

// AppName prefixes log files, MQTT client ids and topics.
const AppName = "bedrock"

// AppVersion is stamped at build time with -ldflags "-X".
var AppVersion = "dev"

// LogConfig selects the log level and where records go. Files hold JSON
// records, the console gets the human readable form.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`

	// ConsoleOut replaces stdout for console records.
	ConsoleOut io.Writer `json:"-"`
}

// DefaultLogConfig is used until the configuration file has been read.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxSizeMB:  10,
		MaxBackups: 5,
		Console:    true,
	}
}

// InitLogger installs the global logger described by cfg and prunes old
// log files in the background.
func InitLogger(cfg LogConfig) error {
	logger, path, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	log.Logger = logger

	log.Info().
		Str("level", zerolog.GlobalLevel().String()).
		Str("log_file", path).
		Msg("logger initialized")

	go cleanOldLogs(cfg.Directory, cfg.MaxBackups)
	return nil
}

// NewLogger builds a logger writing to the day's log file and, when
// enabled, the console. It also sets the global level. The returned path
// is the file in use.
func NewLogger(cfg LogConfig) (zerolog.Logger, string, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return zerolog.Nop(), "", fmt.Errorf("create log directory %s: %w", cfg.Directory, err)
	}
	path := currentLogFile(cfg.Directory, time.Now(), int64(cfg.MaxSizeMB)<<20)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Nop(), "", fmt.Errorf("open log file %s: %w", path, err)
	}

	writers := []io.Writer{file}
	if cfg.Console {
		out := cfg.ConsoleOut
		if out == nil {
			out = os.Stdout
		}
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", AppName).
		Caller().
		Logger()
	return logger, path, nil
}

// LogFileName is the daily log file written on day t.
func LogFileName(t time.Time) string {
	return fmt.Sprintf("%s_%s.log", AppName, t.Format("2006-01-02"))
}

// currentLogFile returns the day's file, or the first numbered
// continuation of it still below maxBytes. A non-positive maxBytes never
// rolls over.
func currentLogFile(dir string, day time.Time, maxBytes int64) string {
	base := LogFileName(day)
	path := filepath.Join(dir, base)
	if maxBytes <= 0 {
		return path
	}
	stem := strings.TrimSuffix(base, ".log")
	for n := 1; ; n++ {
		fi, err := os.Stat(path)
		if err != nil || fi.Size() < maxBytes {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s.%d.log", stem, n))
	}
}

// cleanOldLogs keeps the newest maxBackups log files of this application.
func cleanOldLogs(directory string, maxBackups int) {
	if maxBackups <= 0 {
		return
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}

	// ReadDir sorts by name and daily names sort oldest first.
	var logFiles []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, AppName+"_") && filepath.Ext(name) == ".log" {
			logFiles = append(logFiles, name)
		}
	}

	for i := 0; i < len(logFiles)-maxBackups; i++ {
		path := filepath.Join(directory, logFiles[i])
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("failed to remove old log file")
			continue
		}
		log.Debug().Str("file", path).Msg("removed old log file")
	}
}
