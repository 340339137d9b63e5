package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-appsec/interceptor/socketghost/config"
)

const (
	LogWriterConsole = "console"
	LogWriterFile    = "file"

	defaultLogFileName = "socketghost.log"
)

// SetupLogging configures the global zerolog logger from cfg. Relative log
// file paths are resolved against dataDir. The returned closer releases the
// log file, if any.
func SetupLogging(cfg config.LogConfig, dataDir string) (io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	for _, w := range cfg.Writers {
		if w != LogWriterConsole && w != LogWriterFile {
			return nil, fmt.Errorf("unknown log writer %q", w)
		}
	}

	var writers []io.Writer
	var closer io.Closer = nopCloser{}
	if len(cfg.Writers) == 0 || slices.Contains(cfg.Writers, LogWriterConsole) {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	if slices.Contains(cfg.Writers, LogWriterFile) {
		path := cfg.File
		if path == "" {
			path = defaultLogFileName
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writers = append(writers, lj)
		closer = lj
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
