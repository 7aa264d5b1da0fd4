// Package logger builds the zap logger used across nqstore and names the
// loggers of its subsystems.
package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log line.
const ServiceName = "nqstore"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr".
	OutputFile string `yaml:"output_file"`
	// SampleInitial and SampleThereafter thin out repeated messages: per
	// second, the first SampleInitial lines with the same message are kept and
	// then every SampleThereafter-th. Zero keeps everything.
	SampleInitial    int `yaml:"sample_initial"`
	SampleThereafter int `yaml:"sample_thereafter"`
	// Fields are added to every line, e.g. a node or deployment name.
	Fields map[string]string `yaml:"fields"`
}

// DefaultConfig logs info and above to stderr in console format, keeping stdout for CLI output.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "console", OutputFile: "stderr"}
}

// New creates a new zap.Logger based on the provided configuration.
// It's designed to be called once at application startup.
func New(config Config) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, logLevel)
	if config.SampleInitial > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, config.SampleInitial, max(config.SampleThereafter, 1))
	}

	return zap.New(core, zap.AddCaller()).With(staticFields(config.Fields)...), nil
}

func staticFields(extra map[string]string) []zap.Field {
	fields := []zap.Field{zap.String("service", ServiceName)}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if k != "service" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, extra[k]))
	}
	return fields
}

// Store scopes l to one database directory. Every subsystem logger derived
// from it reports which store it belongs to.
func Store(l *zap.Logger, dataDir string) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.With(zap.String("data_dir", dataDir))
}

// Component names the logger of one subsystem and tags its lines with a
// component field.
func Component(l *zap.Logger, name string, fields ...zap.Field) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.Named(name).With(append([]zap.Field{zap.String("component", name)}, fields...)...)
}

func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr", "":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
