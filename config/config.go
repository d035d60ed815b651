// This package defines a common config struct which can be used by any
// subsystem within pairwise.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                bool
	RootDir              string
	LoggingPrefix        string
	MaxMessageSizeBytes  int
	MaxSendAttempts      int
	RetryBaseDelayMs     uint64
	RetryMaxDelayMs      uint64
	RetryJitterMs        uint64
	SendSpacingMs        uint64
	DrainIntervalMs      uint64
	KeyRotationDays      int
	OneTimePreKeyCount   int
	writer               io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	return zap.New(core, opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithMaxMessageSizeBytes(n int) Option {
	return func(c *Config) {
		c.MaxMessageSizeBytes = n
	}
}

func WithMaxSendAttempts(n int) Option {
	return func(c *Config) {
		c.MaxSendAttempts = n
	}
}

func WithRetryBaseDelayMs(n uint64) Option {
	return func(c *Config) {
		c.RetryBaseDelayMs = n
	}
}

func WithRetryMaxDelayMs(n uint64) Option {
	return func(c *Config) {
		c.RetryMaxDelayMs = n
	}
}

func WithRetryJitterMs(n uint64) Option {
	return func(c *Config) {
		c.RetryJitterMs = n
	}
}

func WithSendSpacingMs(n uint64) Option {
	return func(c *Config) {
		c.SendSpacingMs = n
	}
}

func WithDrainIntervalMs(n uint64) Option {
	return func(c *Config) {
		c.DrainIntervalMs = n
	}
}

func WithKeyRotationDays(n int) Option {
	return func(c *Config) {
		c.KeyRotationDays = n
	}
}

func WithOneTimePreKeyCount(n int) Option {
	return func(c *Config) {
		c.OneTimePreKeyCount = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:               os.Getenv("DEBUG") == "1",
		RootDir:             ".",
		LoggingPrefix:       "",
		MaxMessageSizeBytes: 64 * 1024,
		MaxSendAttempts:     5,
		RetryBaseDelayMs:    1000,
		RetryMaxDelayMs:     60000,
		RetryJitterMs:       1000,
		SendSpacingMs:       20,
		DrainIntervalMs:     250,
		KeyRotationDays:     30,
		OneTimePreKeyCount:  10,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return c
}
