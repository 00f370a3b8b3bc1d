package config

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logging hands out component loggers that share one destination.
type Logging struct {
	out     io.Writer
	rotator *lumberjack.Logger
	verbose bool
}

// NewLogging builds the process log destination. With log.file set, output
// goes to a rotating file and every component logs. Otherwise components
// log to stderr only when log.verbose is set.
func NewLogging(cfg LogConfig) (*Logging, error) {
	if cfg.File == "" {
		return &Logging{out: os.Stderr, verbose: cfg.Verbose}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Logging{out: rotator, rotator: rotator, verbose: true}, nil
}

// Logger returns a logger prefixed with "[component] ". Quiet setups get a
// logger that discards everything.
func (l *Logging) Logger(component string) *log.Logger {
	if !l.verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// SetVerbose forces component logging on or off. Long-running commands turn
// it on so the terminal shows daemon activity.
func (l *Logging) SetVerbose(verbose bool) {
	l.verbose = verbose
}

// Close releases the log file, if any.
func (l *Logging) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}
