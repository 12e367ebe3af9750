// Package logger is a levelled file logger that keeps its file bounded to
// MaxLogLines lines.
package logger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MaxLogLines defines the maximum number of lines to keep in the log file
const MaxLogLines = 5000

// LogLevel represents the logging level
type LogLevel int32

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "TRACE"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel. Unknown names map to INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LogLevelTrace
	case "DEBUG":
		return LogLevelDebug
	case "INFO":
		return LogLevelInfo
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LimitedLogger writes timestamped, levelled lines to a file and trims the
// file once it grows past MaxLogLines.
type LimitedLogger struct {
	file      *os.File
	lineCount int
	level     atomic.Int32
	mutex     sync.Mutex
	// rotate is false for stderr and other non-seekable outputs
	rotate bool
}

var globalLoggerPtr atomic.Pointer[LimitedLogger]

// defaultLogger is used until Open or NewLimitedLogger installs a global one.
var defaultLogger = newStderrLogger()

func newStderrLogger() *LimitedLogger {
	ll := &LimitedLogger{file: os.Stderr}
	ll.level.Store(int32(LogLevelInfo))
	return ll
}

// Open opens (or creates) the log file at path and installs it as the global
// logger.
func Open(path string, level LogLevel) (*LimitedLogger, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return NewLimitedLogger(file, level), nil
}

// NewLimitedLogger wraps file and installs the result as the global logger.
func NewLimitedLogger(file *os.File, level LogLevel) *LimitedLogger {
	ll := &LimitedLogger{
		file:   file,
		rotate: true,
	}
	ll.level.Store(int32(level))

	ll.countExistingLines()
	globalLoggerPtr.Store(ll)
	return ll
}

// SetLevel changes the minimum level that is written.
func (ll *LimitedLogger) SetLevel(level LogLevel) {
	ll.level.Store(int32(level))
}

// Level returns the current minimum level.
func (ll *LimitedLogger) Level() LogLevel {
	return LogLevel(ll.level.Load())
}

func (ll *LimitedLogger) shouldLog(level LogLevel) bool {
	return level >= ll.Level()
}

func (ll *LimitedLogger) logWithLevel(level LogLevel, format string, v ...any) {
	if !ll.shouldLog(level) {
		return
	}
	msg := fmt.Sprintf("%s [%s] %s\n", time.Now().Format("2006/01/02 15:04:05"), level.String(), fmt.Sprintf(format, v...))
	ll.Write([]byte(msg))
}

// Debug logs a debug message
func (ll *LimitedLogger) Debug(format string, v ...any) {
	ll.logWithLevel(LogLevelDebug, format, v...)
}

// Info logs an info message
func (ll *LimitedLogger) Info(format string, v ...any) {
	ll.logWithLevel(LogLevelInfo, format, v...)
}

// Warn logs a warning message
func (ll *LimitedLogger) Warn(format string, v ...any) {
	ll.logWithLevel(LogLevelWarn, format, v...)
}

// Error logs an error message
func (ll *LimitedLogger) Error(format string, v ...any) {
	ll.logWithLevel(LogLevelError, format, v...)
}

// Fatal logs an error message and exits with code 1
func (ll *LimitedLogger) Fatal(format string, v ...any) {
	ll.logWithLevel(LogLevelError, format, v...)
	os.Exit(1)
}

func getLogger() *LimitedLogger {
	if gl := globalLoggerPtr.Load(); gl != nil {
		return gl
	}
	return defaultLogger
}

// Package-level logging functions that use the global logger (or stderr if not initialized)
func Debug(format string, v ...any) { getLogger().Debug(format, v...) }
func Info(format string, v ...any)  { getLogger().Info(format, v...) }
func Warn(format string, v ...any)  { getLogger().Warn(format, v...) }
func Error(format string, v ...any) { getLogger().Error(format, v...) }
func Fatal(format string, v ...any) { getLogger().Fatal(format, v...) }

// Printf logs at DEBUG level. It matches the func(string, ...any) shape that
// RPC libraries accept for their own diagnostics.
func Printf(format string, v ...any) { getLogger().Debug(format, v...) }

var noopFunc = func() {}

// Trace returns a function that logs the elapsed time when called.
// Usage: defer logger.Trace("operation")()
func Trace(name string) func() {
	gl := getLogger()
	if !gl.shouldLog(LogLevelTrace) {
		return noopFunc
	}
	start := time.Now()
	return func() {
		gl.logWithLevel(LogLevelTrace, "%s: %v", name, time.Since(start))
	}
}

func (ll *LimitedLogger) countExistingLines() {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()

	ll.file.Seek(0, io.SeekStart)
	scanner := bufio.NewScanner(ll.file)

	count := 0
	for scanner.Scan() {
		count++
	}
	ll.lineCount = count

	ll.file.Seek(0, io.SeekEnd)
}

// Write implements io.Writer
func (ll *LimitedLogger) Write(p []byte) (n int, err error) {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()

	n, err = ll.file.Write(p)
	if err != nil {
		return n, err
	}

	ll.lineCount += strings.Count(string(p), "\n")
	if ll.rotate && ll.lineCount > MaxLogLines {
		ll.rotateLogFile()
	}
	return n, nil
}

// rotateLogFile keeps the newest MaxLogLines/2 lines. It scans backwards from
// the end of the file so the whole log never has to be held in memory.
func (ll *LimitedLogger) rotateLogFile() {
	keepLines := MaxLogLines / 2

	size, err := ll.file.Seek(0, io.SeekEnd)
	if err != nil || size == 0 {
		return
	}

	buf := make([]byte, min(int(size), 64*1024))
	newlineCount := 0
	cutOffset := int64(0)

scan:
	for pos := size; pos > 0; {
		readSize := min(int64(len(buf)), pos)
		pos -= readSize
		ll.file.Seek(pos, io.SeekStart)
		n, err := ll.file.Read(buf[:readSize])
		if err != nil || n == 0 {
			break
		}
		for i := n - 1; i >= 0; i-- {
			if buf[i] != '\n' {
				continue
			}
			newlineCount++
			// the trailing newline closes the last line, so one extra is needed
			if newlineCount == keepLines+1 {
				cutOffset = pos + int64(i) + 1
				break scan
			}
		}
	}

	ll.file.Seek(cutOffset, io.SeekStart)
	kept, err := io.ReadAll(ll.file)
	if err != nil {
		return
	}

	ll.file.Truncate(0)
	ll.file.Seek(0, io.SeekStart)
	ll.file.Write(kept)

	ll.lineCount = strings.Count(string(kept), "\n")
}

// Close closes the underlying file and falls back to stderr logging.
func (ll *LimitedLogger) Close() error {
	globalLoggerPtr.CompareAndSwap(ll, nil)
	return ll.file.Close()
}
