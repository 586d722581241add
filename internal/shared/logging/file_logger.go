package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	logDirEnvVar    = "OTTO_LOG_DIR"
	logStdoutEnvVar = "OTTO_LOG_STDOUT"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

type LogCategory string

const (
	LogCategoryService   LogCategory = "service"
	LogCategoryTransport LogCategory = "transport"
)

var (
	categoryMu      sync.Mutex
	categoryLoggers = make(map[LogCategory]*fileLogger)
)

// fileLogger provides structured logging to per-category otto log files.
type fileLogger struct {
	file       *os.File
	logger     *log.Logger
	level      LogLevel
	mu         sync.Mutex
	component  string
	enableFile bool
	category   LogCategory
	taskID     string
}

// NewCategorizedLogger creates a logger for a specific category and component.
func NewCategorizedLogger(category LogCategory, component string) Logger {
	base := getOrCreateCategoryLogger(category)
	return &fileLogger{
		file:       base.file,
		logger:     base.logger,
		level:      base.level,
		component:  component,
		enableFile: base.enableFile,
		category:   category,
	}
}

func getOrCreateCategoryLogger(category LogCategory) *fileLogger {
	categoryMu.Lock()
	defer categoryMu.Unlock()

	if logger, ok := categoryLoggers[category]; ok {
		return logger
	}

	logger := newFileLogger("", DEBUG, true, category)
	categoryLoggers[category] = logger
	return logger
}

func newFileLogger(component string, level LogLevel, enableFile bool, category LogCategory) *fileLogger {
	l := &fileLogger{
		level:      level,
		component:  component,
		enableFile: enableFile,
		category:   category,
	}

	if enableFile {
		logDir, err := resolveLogDirectory()
		if err != nil {
			log.Printf("Failed to resolve log directory: %v", err)
			return l
		}
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Printf("Failed to create log directory %s: %v", logDir, err)
			return l
		}

		logPath := filepath.Join(logDir, logFileName(category))
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("Failed to open log file: %v", err)
			return l
		}

		l.file = file
		l.logger = log.New(file, "", 0) // We'll format ourselves
	}

	return l
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

func logFileName(category LogCategory) string {
	switch category {
	case LogCategoryTransport:
		return "otto-transport.log"
	default:
		return "otto-service.log"
	}
}

// SetLevel sets the minimum log level
func (l *fileLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the log file
func (l *fileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// WithTaskID returns a shallow copy of the logger that tags log lines with a task id.
func (l *fileLogger) WithTaskID(taskID string) *fileLogger {
	if l == nil {
		return nil
	}
	if strings.TrimSpace(taskID) == "" {
		return l
	}
	return &fileLogger{
		file:       l.file,
		logger:     l.logger,
		level:      l.level,
		component:  l.component,
		enableFile: l.enableFile,
		category:   l.category,
		taskID:     taskID,
	}
}

// log is the internal logging function
func (l *fileLogger) log(level LogLevel, format string, args ...any) {
	if level < l.level || !l.enableFile {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Get caller info
	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [SERVICE] [ComponentName] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	levelStr := levelToString(level)
	component := l.component
	if component == "" {
		component = "OTTO"
	}

	message := fmt.Sprintf(format, args...)
	category := strings.ToUpper(string(l.category))
	if category == "" {
		category = "SERVICE"
	}

	var logLine string
	if taskID := strings.TrimSpace(l.taskID); taskID != "" {
		logLine = fmt.Sprintf("%s [%s] [%s] [%s] [task_id=%s] %s:%d - %s\n",
			timestamp, levelStr, category, component, taskID, file, line, message)
	} else {
		logLine = fmt.Sprintf("%s [%s] [%s] [%s] %s:%d - %s\n",
			timestamp, levelStr, category, component, file, line, message)
	}

	if l.logger != nil {
		l.logger.Print(logLine)
	}
	if os.Getenv(logStdoutEnvVar) != "" {
		fmt.Print(logLine)
	}
}

// Debug logs a debug message
func (l *fileLogger) Debug(format string, args ...any) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *fileLogger) Info(format string, args ...any) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *fileLogger) Warn(format string, args ...any) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *fileLogger) Error(format string, args ...any) {
	l.log(ERROR, format, args...)
}

// levelToString converts LogLevel to string
func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
