package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

// newLogger builds the process logger: stderr at cfg.Level and, when
// cfg.File is set, a file sink at cfg.FileLevel. The returned func closes
// the file.
func newLogger(cfg LogConfig) (hclog.InterceptLogger, func() error, error) {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		return nil, nil, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfiguration, cfg.Level)
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "cuckoo",
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: cfg.JSON,
	})
	if cfg.File == "" {
		return logger, func() error { return nil }, nil
	}

	fileLevel := hclog.LevelFromString(cfg.FileLevel)
	if fileLevel == hclog.NoLevel {
		return nil, nil, fmt.Errorf("%w: unknown file log level %q", ErrInvalidConfiguration, cfg.FileLevel)
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open log file: %w", err)
	}

	sink := hclog.NewSinkAdapter(&hclog.LoggerOptions{
		Level:      fileLevel,
		Output:     file,
		JSONFormat: cfg.JSON,
	})
	logger.RegisterSink(sink)

	return logger, func() error {
		logger.DeregisterSink(sink)
		return file.Close()
	}, nil
}
