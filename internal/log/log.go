// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package log

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the sink and verbosity of a logger.
type Options struct {
	Dir   string // log directory, default /tmp
	Name  string // file name without extension, default the binary name
	Debug bool
	// Stdout logs to standard output instead of <Dir>/<Name>.log.
	Stdout bool
	// Sink overrides both file and stdout output.
	Sink zapcore.WriteSyncer
}

// NewLogger returns a JSON zap logger with epoch timestamps and two-letter levels.
func NewLogger(opts Options) (*zap.Logger, error) {
	level := zap.InfoLevel
	if opts.Debug {
		level = zap.DebugLevel
	}

	sink := opts.Sink
	switch {
	case sink != nil:
	case opts.Stdout:
		sink = zapcore.AddSync(os.Stdout)
	default:
		file, err := openLogFile(opts.Dir, opts.Name)
		if err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig(opts.Debug)), sink, level)
	if opts.Debug {
		return zap.New(core, zap.AddCaller()), nil
	}
	return zap.New(core), nil
}

func encoderConfig(debug bool) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.EpochTimeEncoder
	cfg.LevelKey = "lv"
	cfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(l.CapitalString()[:2])
	}
	if debug {
		cfg.EncodeCaller = zapcore.ShortCallerEncoder
		cfg.CallerKey = "call"
	}
	return cfg
}

func openLogFile(dir, name string) (*os.File, error) {
	if dir == "" {
		dir = "/tmp"
	}
	if name == "" {
		name = filepath.Base(os.Args[0])
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, name+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}
