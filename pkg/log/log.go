package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

type Level string

const (
	TraceLevel    Level = "trace"
	DebugLevel    Level = "debug"
	InfoLevel     Level = "info"
	WarningLevel  Level = "warn"
	ErrorLevel    Level = "error"
	FatalLevel    Level = "fatal"
	DisabledLevel Level = "disabled"
)

var severity = map[Level]int{
	TraceLevel:    5,
	DebugLevel:    4,
	InfoLevel:     3,
	WarningLevel:  2,
	ErrorLevel:    1,
	FatalLevel:    0,
	DisabledLevel: -1,
}

type sink struct {
	log   *log.Logger
	level Level
}

func (s *sink) println(level Level, args ...any) {
	if !enabled(level, s.level) {
		return
	}
	ts := time.Now().Local()
	prefix := []any{
		fmt.Sprintf("%s.%03d", ts.Format("2006-01-02 15:04:05"), ts.Nanosecond()/1000000),
		fmt.Sprintf("- %5s -", level),
	}
	s.log.Println(append(prefix, args...)...)
}

func (s *sink) printf(level Level, format string, args ...any) {
	if !enabled(level, s.level) {
		return
	}
	s.println(level, fmt.Sprintf(format, args...))
}

var (
	stdout = &sink{log.New(os.Stdout, "", 0), InfoLevel}
	stderr = &sink{log.New(os.Stderr, "", 0), InfoLevel}
)

// Set the log level of all subsequent log records.
func SetLevel(level Level) error {
	if !Valid(level) {
		return fmt.Errorf("no such log level: %s", level)
	}
	stdout.level = level
	stderr.level = level
	return nil
}

// Returns true if the level is a recognized log level.
func Valid(level Level) bool {
	_, ok := severity[level]
	return ok
}

func enabled(level, configured Level) bool {
	if !Valid(level) || !Valid(configured) {
		return false
	}
	return severity[level] <= severity[configured]
}

func Trace(args ...any) {
	stdout.println(TraceLevel, args...)
}

func Debug(args ...any) {
	stdout.println(DebugLevel, args...)
}

func Info(args ...any) {
	stdout.println(InfoLevel, args...)
}

func Warn(args ...any) {
	stderr.println(WarningLevel, args...)
}

func Error(args ...any) {
	stderr.println(ErrorLevel, args...)
}

func Fatal(args ...any) {
	stderr.println(FatalLevel, args...)
	os.Exit(1)
}

func Tracef(format string, args ...any) {
	stdout.printf(TraceLevel, format, args...)
}

func Debugf(format string, args ...any) {
	stdout.printf(DebugLevel, format, args...)
}

func Infof(format string, args ...any) {
	stdout.printf(InfoLevel, format, args...)
}

func Warnf(format string, args ...any) {
	stderr.printf(WarningLevel, format, args...)
}

func Errorf(format string, args ...any) {
	stderr.printf(ErrorLevel, format, args...)
}

func Fatalf(format string, args ...any) {
	stderr.printf(FatalLevel, format, args...)
	os.Exit(1)
}

type writeFunc func([]byte) (int, error)

func (fn writeFunc) Write(data []byte) (int, error) {
	return fn(data)
}

// Returns a writer which logs written data at the given level.
// Useful for routing output of third party libraries into the log.
func NewLogWriter(level Level) io.Writer {
	return writeFunc(func(data []byte) (int, error) {
		switch level {
		case TraceLevel:
			Tracef("%s", data)
		case DebugLevel:
			Debugf("%s", data)
		case WarningLevel:
			Warnf("%s", data)
		case ErrorLevel:
			Errorf("%s", data)
		default:
			Infof("%s", data)
		}
		return len(data), nil
	})
}
