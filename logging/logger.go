// Package logging builds the process loggers: zap for the farm and logrus
// for the monitor access log.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and an optional rotated log file
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func (c Config) level() (zapcore.Level, error) {
	if c.Level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(c.Level))); err != nil {
		return lvl, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	return lvl, nil
}

func (c Config) encoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if c.Format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func (c Config) fileSink() zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	})
}

// New builds a zap logger writing to stdout and, when File is set, to a
// rotated JSON file.
func New(cfg Config) (*zap.Logger, error) {
	lvl, err := cfg.level()
	if err != nil {
		return nil, err
	}

	cores := []zapcore.Core{
		zapcore.NewCore(cfg.encoder(), zapcore.Lock(os.Stdout), lvl),
	}
	if cfg.File != "" {
		fileCfg := cfg
		fileCfg.Format = "json"
		cores = append(cores, zapcore.NewCore(fileCfg.encoder(), cfg.fileSink(), lvl))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// NewAccessLogger builds the JSON logrus logger used for HTTP access lines
func NewAccessLogger(w io.Writer, cfg Config) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}
