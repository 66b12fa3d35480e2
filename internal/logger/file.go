package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB = 100
	defaultMaxFiles  = 5
)

// filePath is cfg.FilePath, or logs/<service>.log when unset.
func filePath(cfg Config) string {
	if cfg.FilePath != "" {
		return cfg.FilePath
	}
	name := cfg.Service
	if name == "" {
		name = "unsend"
	}
	return filepath.Join("logs", name+".log")
}

// rotatingFile opens a size-rotated, gzip-compressed log file.
func rotatingFile(cfg Config) *lumberjack.Logger {
	size, files := cfg.MaxSizeMB, cfg.MaxFiles
	if size <= 0 {
		size = defaultMaxSizeMB
	}
	if files <= 0 {
		files = defaultMaxFiles
	}
	return &lumberjack.Logger{
		Filename:   filePath(cfg),
		MaxSize:    size,
		MaxBackups: files,
		Compress:   true,
	}
}

// destination resolves cfg.Output: stdout (default), file, or both.
func destination(cfg Config) io.Writer {
	switch cfg.Output {
	case "file":
		return rotatingFile(cfg)
	case "both":
		return zerolog.MultiLevelWriter(os.Stdout, rotatingFile(cfg))
	default:
		return os.Stdout
	}
}
