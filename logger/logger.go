package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/op/go-logging"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Byte-level framing and GATT dispatch details
	DEBUG                 // Decoded packets, queue transitions
	INFO                  // Connection lifecycle, requests and acks
	WARN                  // Dropped packets, retries, unexpected callbacks
	ERROR                 // Transport failures
)

const module = "gaia"

var (
	currentLevel LogLevel = INFO
	mu           sync.RWMutex

	backendLog = logging.MustGetLogger(module)
	lineFormat = logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.5s} ▶ %{message}`,
	)
)

func init() {
	SetOutput(os.Stdout)
	if env := os.Getenv("GAIA_LOG_LEVEL"); env != "" {
		SetLevel(ParseLevel(env))
	}
}

// SetOutput points the logging backend at w
func SetOutput(w io.Writer) {
	backend := logging.NewBackendFormatter(logging.NewLogBackend(w, "", 0), lineFormat)
	leveled := logging.AddModuleLevel(backend)
	// log() does the gating, TRACE included; go-logging has no level below DEBUG
	leveled.SetLevel(logging.DEBUG, module)
	backendLog.SetBackend(leveled)
}

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel converts a string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	if level < GetLevel() {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if prefix != "" {
		msg = "[" + prefix + "] " + msg
	}

	switch level {
	case TRACE:
		backendLog.Debug("TRACE " + msg)
	case DEBUG:
		backendLog.Debug(msg)
	case INFO:
		backendLog.Info(msg)
	case WARN:
		backendLog.Warning(msg)
	case ERROR:
		backendLog.Error(msg)
	}
}

// Trace logs a trace message (framing bytes, GATT dispatch)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message (decoded packets)
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (high-level events)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON renders v on one line: protobuf messages through protojson, anything else through encoding/json
func ToJSON(v interface{}) string {
	var (
		data []byte
		err  error
	)
	if msg, ok := v.(proto.Message); ok {
		data, err = protojson.Marshal(msg)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Sprintf("<unencodable %T: %v>", v, err)
	}
	return string(data)
}

func logJSON(level LogLevel, prefix, label string, v interface{}) {
	// Skip the encoding when the line would be dropped anyway
	if level < GetLevel() {
		return
	}
	log(level, prefix, "%s %s", label, ToJSON(v))
}

// TraceJSON logs label followed by v as JSON at TRACE
func TraceJSON(prefix, label string, v interface{}) {
	logJSON(TRACE, prefix, label, v)
}

// DebugJSON logs label followed by v as JSON at DEBUG
func DebugJSON(prefix, label string, v interface{}) {
	logJSON(DEBUG, prefix, label, v)
}
