// Package logging provides the supervisor's own rotating log file.
// Worker logs are separate per-task files owned by internal/proc.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.Mutex
	logger *log.Logger
	sink   io.WriteCloser
)

// Init routes supervisor log output to a rotating file under dir.
// Safe to call more than once; later calls replace the sink.
func Init(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		_ = sink.Close()
	}
	sink = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "shepherd.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	logger = log.New(sink, "", log.LstdFlags|log.LUTC)
	return nil
}

// Infof logs a formatted line to the supervisor log. Falls back to stderr
// before Init is called (e.g. in tests).
func Infof(format string, args ...interface{}) {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l == nil {
		log.Printf(format, args...)
		return
	}
	l.Printf(format, args...)
}

// Errorf logs a formatted error line with an ERROR prefix.
func Errorf(format string, args ...interface{}) {
	Infof("ERROR: "+format, args...)
}

// Close flushes and closes the rotating sink.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return nil
	}
	err := sink.Close()
	sink = nil
	logger = nil
	return err
}
