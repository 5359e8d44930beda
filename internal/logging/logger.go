// Package logging provides config-driven categorized logging for cppdex.
// Each subsystem logs to its own file under <workspace>/.cppdex/logs/ with a
// date prefix; the backing core is zap so entries can be emitted as console
// text or structured JSON. When debug mode is off the whole package is a
// silent no-op except for error-level entries, which always reach stderr.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, workspace registration
	CategoryStore    Category = "store"    // Fact store reads, schema
	CategoryWriter   Category = "writer"   // Single-writer batches, retries
	CategoryQuery    Category = "query"    // Orchestrator pipeline
	CategoryExtract  Category = "extract"  // Extractor subprocess runs
	CategoryRecall   Category = "recall"   // FTS / ripgrep / vector recall
	CategoryContext  Category = "context"  // Context manager, overlay GC
	CategorySync     Category = "sync"     // Sync job engine, webhooks
	CategoryServer   Category = "server"   // HTTP surface
	CategoryManifest Category = "manifest" // Manifest load / refresh
)

// Options controls logging behaviour; mirrored from config.LoggingConfig to
// avoid a circular import.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggersMu sync.RWMutex
	loggers   = make(map[Category]*Logger)
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	level     zapcore.Level = zapcore.InfoLevel
)

// Initialize sets up the logging directory and options. Should be called once
// at startup with the workspace path.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	optsMu.Lock()
	opts = o
	switch o.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}
	optsMu.Unlock()

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	logsDir = filepath.Join(workspace, ".cppdex", "logs")
	loggersMu.Unlock()

	if !o.DebugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== cppdex logging initialized ===")
	boot.Info("logs directory: %s", logsDir)
	boot.Info("level: %s json: %v", o.Level, o.JSONFormat)
	return nil
}

// IsCategoryEnabled reports whether a category writes log files.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, ok := opts.Categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Returns a no-op logger
// when the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	optsMu.RLock()
	if opts.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	lvl := level
	optsMu.RUnlock()

	core := zapcore.NewCore(enc, zapcore.AddSync(file), lvl)
	l := &Logger{
		category: category,
		sugar:    zap.New(core).Sugar().With("cat", string(category)),
	}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error always reaches stderr as well, so operational bugs (e.g. "database is
// locked") are visible even in production mode.
func (l *Logger) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.sugar != nil {
		l.sugar.Error(msg)
	}
	fmt.Fprintf(os.Stderr, "[%s] ERROR %s\n", l.category, msg)
}

// Sync flushes all category loggers. Called on shutdown.
func Sync() {
	loggersMu.RLock()
	defer loggersMu.RUnlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
}

// Convenience wrappers for the hot categories.

func Store(format string, args ...interface{})  { Get(CategoryStore).Info(format, args...) }
func Writer(format string, args ...interface{}) { Get(CategoryWriter).Info(format, args...) }
func Query(format string, args ...interface{})  { Get(CategoryQuery).Info(format, args...) }
func SyncLog(format string, args ...interface{}) {
	Get(CategorySync).Info(format, args...)
}

func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func QueryDebug(format string, args ...interface{}) { Get(CategoryQuery).Debug(format, args...) }
