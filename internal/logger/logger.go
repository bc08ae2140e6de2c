// Package logger provides leveled structured logging.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// FileConfig enables an additional JSON log file with size-based rotation.
// An empty Path disables file output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger provides leveled logging.
type Logger struct {
	level  Level
	logger *zap.SugaredLogger
}

var defaultLogger *Logger

// ParseLevel maps a level name to a Level. Unknown names map to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Init initializes the default logger with the specified level and format.
// Format "text" writes human-readable console lines, anything else writes JSON.
func Init(level string, format string, file FileConfig) {
	l := ParseLevel(level)
	enabler := zap.NewAtomicLevelAt(l.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var consoleEnc zapcore.Encoder
	if strings.ToLower(format) == "text" {
		textCfg := encCfg
		textCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(textCfg)
	} else {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), enabler),
	}
	if file.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), enabler))
	}

	z := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	defaultLogger = &Logger{
		level:  l,
		logger: z.Sugar(),
	}
}

// Sync flushes buffered log entries.
func Sync() {
	if defaultLogger != nil {
		_ = defaultLogger.logger.Sync()
	}
}

func Debug(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= DebugLevel {
		defaultLogger.logger.Debugf(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= InfoLevel {
		defaultLogger.logger.Infof(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= WarnLevel {
		defaultLogger.logger.Warnf(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= ErrorLevel {
		defaultLogger.logger.Errorf(format, args...)
	}
}

// Fatal logs at error level and exits the process with status 1.
func Fatal(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.logger.Errorf("FATAL: "+format, args...)
		_ = defaultLogger.logger.Sync()
	}
	os.Exit(1)
}
