package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var (
	mu  sync.RWMutex
	out *log.Logger

	DebugEnabled = false

	logFile *os.File
)

// InitLogging sets up logging. With a path, lines are appended to that file;
// otherwise they go to stderr. Debug lines are written only in debug mode.
func InitLogging(debugMode bool, logPath string) error {
	var w io.Writer = os.Stderr

	if logPath != "" {
		logDir := filepath.Dir(logPath)
		err := os.MkdirAll(logDir, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		w = f

		mu.Lock()
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		mu.Unlock()
	}

	SetOutput(w, debugMode)

	return nil
}

// SetOutput redirects logging to w. Tests pass a buffer.
func SetOutput(w io.Writer, debugMode bool) {
	mu.Lock()
	defer mu.Unlock()

	DebugEnabled = debugMode
	out = log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// Close closes the log file if open.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	out = nil
}

func printf(level, format string, v ...any) {
	mu.RLock()
	l := out
	debug := DebugEnabled
	mu.RUnlock()

	if l != nil && (level != debugLevel || debug) {
		l.Output(3, fmt.Sprintf(level+format, v...))
	}
}

const debugLevel = "[DEBUG] "

func Infof(format string, v ...any) {
	printf("[INFO] ", format, v...)
}

// Errorf logs an error message.
func Errorf(format string, v ...any) {
	printf("[ERROR] ", format, v...)
}

func Debugf(format string, v ...any) {
	printf(debugLevel, format, v...)
}

func Warnf(format string, v ...any) {
	printf("[WARNING] ", format, v...)
}
