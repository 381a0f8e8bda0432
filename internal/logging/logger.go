// Package logging provides config-driven categorized logging for cozo,
// built on zap. Log lines go to .cozo/logs/ under the workspace, one file
// per day, each line tagged with its category; logging is controlled by
// debug_mode in .cozo/config.json - when false, every logger is a no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a log subsystem; it becomes the zap logger's name.
type Category string

const (
	CategoryBoot       Category = "boot"       // Engine open/close
	CategoryParser     Category = "parser"     // Lexing and parsing
	CategoryCompiler   Category = "compiler"   // Compilation and rule ordering
	CategoryStratifier Category = "stratifier" // Stratification
	CategoryEvaluator  Category = "evaluator"  // Fixed-point evaluation
	CategoryStorage    Category = "storage"    // bolt transactions and encoding
	CategoryTriggers   Category = "triggers"   // Trigger firing
	CategoryEngine     Category = "engine"     // Top-level Run dispatch
	CategoryCLI        Category = "cli"        // cozo CLI commands
)

// loggingConfig mirrors the logging section of config.Config to avoid a
// circular import between internal/logging and internal/config.
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

type configFile struct {
	Logging loggingConfig `json:"logging"`
}

// Logger is a category-scoped printf-style facade over a zap sugared
// logger. A Logger with a nil inner logger is a no-op (debug mode off or
// category disabled).
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu        sync.RWMutex
	loggers   = map[Category]*Logger{}
	workspace string
	logsDir   string
	config    loggingConfig
	root      *zap.Logger
	logFile   *os.File
)

// Initialize loads the logging section of .cozo/config.json from ws and,
// when debug mode is on, opens the day's log file and builds the zap core
// every Get-returned logger writes through. Call once at startup.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}
	mu.Lock()
	defer mu.Unlock()
	workspace = ws
	logsDir = filepath.Join(workspace, ".cozo", "logs")
	loggers = map[Category]*Logger{}

	if err := loadConfigLocked(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not load config: %v\n", err)
		config.DebugMode = false
	}
	if !config.DebugMode {
		return nil
	}
	if err := openRootLocked(); err != nil {
		return err
	}
	root.Sugar().Named(string(CategoryBoot)).Infof("cozo logging initialized (workspace=%s, level=%s)", workspace, config.Level)
	return nil
}

func loadConfigLocked() error {
	path := filepath.Join(workspace, ".cozo", "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config = loggingConfig{}
			return nil
		}
		return err
	}
	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	config = cf.Logging
	return nil
}

// openRootLocked builds the zap core: one append-mode file per day, JSON or
// console encoding per config, levelled per config.
func openRootLocked() error {
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	path := filepath.Join(logsDir, time.Now().Format("2006-01-02")+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	var enc zapcore.Encoder
	if config.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(file), levelFor(config.Level))
	root = zap.New(core)
	logFile = file
	return nil
}

func levelFor(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ReloadConfig re-reads the config from disk and rebuilds the zap core;
// call after config changes.
func ReloadConfig() error {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	if err := loadConfigLocked(); err != nil {
		return err
	}
	if !config.DebugMode {
		return nil
	}
	return openRootLocked()
}

// IsDebugMode reports whether debug logging is currently enabled.
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled reports whether category should log, given debug mode
// and the config's per-category allow-list.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return isCategoryEnabledLocked(category)
}

func isCategoryEnabledLocked(category Category) bool {
	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or lazily creates) the logger for category. Returns a no-op
// logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	if root == nil || !isCategoryEnabledLocked(category) {
		return &Logger{category: category}
	}
	l := &Logger{category: category, sugar: root.Sugar().Named(string(category))}
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

func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a child logger carrying the given structured fields on
// every subsequent line, zap-style.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// CloseAll syncs and closes the log file; call at shutdown.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	if root != nil {
		_ = root.Sync()
		root = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	loggers = map[Category]*Logger{}
}

// Boot, EngineDebug etc. are convenience wrappers so call sites don't need
// to hold onto a *Logger for a one-off message.

func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

func EngineDebug(format string, args ...interface{}) { Get(CategoryEngine).Debug(format, args...) }

func StorageDebug(format string, args ...interface{}) { Get(CategoryStorage).Debug(format, args...) }

func TriggersDebug(format string, args ...interface{}) { Get(CategoryTriggers).Debug(format, args...) }

func EvaluatorDebug(format string, args ...interface{}) {
	Get(CategoryEvaluator).Debug(format, args...)
}
