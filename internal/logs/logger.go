// Package logs sets up zap logging for the bridge. Stdout carries the MCP
// stdio channel, so console output always goes to stderr and file output
// lives under the data directory.
package logs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pulse-fitness/pulsebridge-go/internal/config"
)

// Log level constants.
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Logger wraps a zap.Logger with the atomic level handle so the MCP
// logging/setLevel request can adjust verbosity at runtime.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// SetLevel adjusts the runtime log level from an MCP logging level string.
func (l *Logger) SetLevel(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// ParseLevel maps a level name (including the MCP logging levels) to a zap
// level. Unknown names are an error rather than a silent default.
func ParseLevel(name string) (zapcore.Level, error) {
	switch name {
	case LogLevelTrace, LogLevelDebug:
		return zap.DebugLevel, nil
	case LogLevelInfo, "notice":
		return zap.InfoLevel, nil
	case LogLevelWarn, "warning":
		return zap.WarnLevel, nil
	case LogLevelError, "critical", "alert", "emergency":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// Setup creates the bridge logger from configuration. dataDir anchors the
// default log directory when the config does not name one.
func Setup(cfg *config.LogConfig, dataDir string) (*Logger, error) {
	if cfg == nil {
		cfg = config.DefaultLogConfig()
	}

	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		lvl = zap.InfoLevel
	}
	atomic := zap.NewAtomicLevelAt(lvl)

	var cores []zapcore.Core

	if cfg.EnableConsole {
		cores = append(cores, zapcore.NewCore(
			consoleEncoder(),
			zapcore.AddSync(os.Stderr),
			atomic,
		))
	}

	if cfg.EnableFile {
		fileCore, err := newFileCore(cfg, dataDir, atomic)
		if err != nil {
			return nil, fmt.Errorf("failed to create file core: %w", err)
		}
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("no log outputs configured")
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return &Logger{Logger: logger, level: atomic}, nil
}

func newFileCore(cfg *config.LogConfig, dataDir string, lvl zapcore.LevelEnabler) (zapcore.Core, error) {
	dir := cfg.LogDir
	if dir == "" {
		dir = filepath.Join(dataDir, "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	filename := cfg.Filename
	if filename == "" {
		filename = "main.log"
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, filename),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	var encoder zapcore.Encoder
	if cfg.JSONFormat {
		encoder = jsonEncoder()
	} else {
		encoder = fileEncoder()
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(rotator), lvl), nil
}

func consoleEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func fileEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func jsonEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}
