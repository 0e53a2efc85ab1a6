package logging

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	defaultManager *Manager
	managerMu      sync.Mutex
)

// Manager hands out named loggers that share one sink and one level.
type Manager struct {
	mu      sync.RWMutex
	root    *Logger
	loggers map[string]*Logger
	config  *Config
	closer  io.Closer
}

// NewManager creates a manager whose loggers write to the sink in config.
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	w, err := openOutput(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create default logger: %w", err)
	}

	m := &Manager{
		root:    newLogger(config, w),
		loggers: make(map[string]*Logger),
		config:  config,
	}
	if c, ok := w.(io.Closer); ok && config.Output == "file" {
		m.closer = c
	}
	m.loggers["default"] = m.root
	return m, nil
}

// GetManager returns the process-wide manager, creating it with defaults on first use.
func GetManager() *Manager {
	managerMu.Lock()
	defer managerMu.Unlock()
	if defaultManager == nil {
		defaultManager, _ = NewManager(DefaultConfig())
	}
	return defaultManager
}

// Configure replaces the process-wide manager. Loggers obtained earlier keep
// writing to the previous sink.
func Configure(config *Config) error {
	m, err := NewManager(config)
	if err != nil {
		return err
	}
	managerMu.Lock()
	old := defaultManager
	defaultManager = m
	managerMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// GetLogger returns the logger for a module, tagging it with a module attribute.
func (m *Manager) GetLogger(name string) *Logger {
	m.mu.RLock()
	logger, exists := m.loggers[name]
	m.mu.RUnlock()
	if exists {
		return logger
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if logger, exists := m.loggers[name]; exists {
		return logger
	}
	logger = m.root.With("module", name)
	m.loggers[name] = logger
	return logger
}

// UpdateConfig applies a new level to all loggers. Sink changes need Configure.
func (m *Manager) UpdateConfig(config *Config) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()

	m.root.SetLevel(config.Level)
	m.root.Info("Logger level updated", "level", config.Level)
	return nil
}

// GetLoggerNames lists the modules that have requested a logger.
func (m *Manager) GetLoggerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.loggers))
	for name := range m.loggers {
		names = append(names, name)
	}
	return names
}

// Close releases the log file, if any.
func (m *Manager) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

// GetLogger returns a named logger from the process-wide manager.
func GetLogger(name string) *Logger {
	return GetManager().GetLogger(name)
}

func Default() *Logger {
	return GetLogger("default")
}

func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
