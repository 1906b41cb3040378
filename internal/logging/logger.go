package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls how New builds a logger.
type Options struct {
	Level string
	// Console selects the human-readable encoder. The JSON encoder is used otherwise.
	Console bool
	// Dir, when set, tees JSON output into Dir/<FileName>.
	Dir      string
	FileName string
}

// ParseLevel maps a config level string to a zap level. Unknown values fall back to info.
func ParseLevel(levelString string) (zapcore.Level, bool) {
	switch levelString {
	case "debug":
		return zapcore.DebugLevel, true
	case "info", "":
		return zapcore.InfoLevel, true
	case "warn":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	case "fatal":
		return zapcore.FatalLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// New builds the process logger. Logs always go to stderr so stdout stays free for results.
func New(opts Options) (*zap.Logger, error) {
	logLevel, ok := ParseLevel(opts.Level)
	if !ok {
		fmt.Fprintf(os.Stderr, "Invalid log level specified: %s. Defaulting to info.\n", opts.Level)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var consoleEncoder zapcore.Encoder
	if opts.Console {
		consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
		consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		consoleEncoderCfg.TimeKey = "ts"
		consoleEncoderCfg.CallerKey = ""
		consoleEncoder = zapcore.NewConsoleEncoder(consoleEncoderCfg)
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), logLevel)

	if opts.Dir == "" {
		return zap.New(consoleCore, zap.AddStacktrace(zapcore.ErrorLevel)), nil
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		logger := zap.New(consoleCore)
		logger.Error("Failed to create log directory, logging to console only", zap.String("directory", opts.Dir), zap.Error(err))
		return logger, nil
	}

	fileName := opts.FileName
	if fileName == "" {
		fileName = "clustercheck.log"
	}
	logPath := filepath.Join(opts.Dir, fileName)
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(zapcore.Lock(file)),
		logLevel,
	)

	return zap.New(zapcore.NewTee(fileCore, consoleCore), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
