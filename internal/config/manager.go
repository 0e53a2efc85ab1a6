// Package config loads the tuner daemon configuration from YAML, fills in
// defaults, and polls the file so that channel presets and logging levels can
// be edited without restarting the daemon.
package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

const (
	DefaultEventLoopInterval = 500 * time.Millisecond
	DefaultSignalInterval    = 5 * time.Second
	DefaultCommitAttempts    = 3
	DefaultLnbToneKHz        = 22
	DefaultMetricsPath       = "/metrics"
)

type ConfigManager struct {
	config       types.SystemConfig
	configPath   string
	configLock   sync.RWMutex
	watchers     []func(types.SystemConfig)
	watchersLock sync.RWMutex
	lastModified time.Time
	pollInterval time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	watching     bool
	logger       *logging.Logger
}

func NewConfigManager(configPath string) *ConfigManager {
	return &ConfigManager{
		configPath:   configPath,
		pollInterval: time.Second,
		logger:       logging.GetLogger("config"),
	}
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (types.SystemConfig, error) {
	var config types.SystemConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := validateConfig(&config); err != nil {
		return config, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func (cm *ConfigManager) LoadConfig(path string) error {
	cm.configLock.Lock()
	defer cm.configLock.Unlock()

	if path != "" {
		cm.configPath = path
	}

	info, err := os.Stat(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return err
	}

	cm.config = config
	cm.lastModified = info.ModTime()

	cm.logger.Info("Configuration loaded", "config_path", cm.configPath, "cards", len(config.Cards), "channels", len(config.Channels))
	return nil
}

func (cm *ConfigManager) Reload() error {
	return cm.LoadConfig("")
}

func (cm *ConfigManager) GetConfig() types.SystemConfig {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()
	return cm.config
}

// SetConfig validates config, writes it to disk and notifies watchers.
func (cm *ConfigManager) SetConfig(config types.SystemConfig) error {
	cm.configLock.Lock()
	err := cm.saveLocked(config)
	cm.configLock.Unlock()
	if err != nil {
		return err
	}

	cm.notifyWatchers()
	cm.logger.Info("Configuration updated and saved", "config_path", cm.configPath)
	return nil
}

func (cm *ConfigManager) saveLocked(config types.SystemConfig) error {
	if err := validateConfig(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.config = config
	if info, err := os.Stat(cm.configPath); err == nil {
		cm.lastModified = info.ModTime()
	}
	return nil
}

func (cm *ConfigManager) WatchChanges(callback func(types.SystemConfig)) {
	cm.watchersLock.Lock()
	defer cm.watchersLock.Unlock()

	cm.watchers = append(cm.watchers, callback)
}

// StartWatching polls the config file and reloads it when its mtime moves.
func (cm *ConfigManager) StartWatching(ctx context.Context) error {
	cm.configLock.Lock()
	defer cm.configLock.Unlock()

	if cm.watching {
		return fmt.Errorf("config watcher is already running")
	}

	ctx, cm.cancel = context.WithCancel(ctx)
	cm.watching = true

	cm.wg.Add(1)
	go cm.watchFile(ctx)

	cm.logger.Info("Started watching config file", "config_path", cm.configPath)
	return nil
}

func (cm *ConfigManager) StopWatching() error {
	cm.configLock.Lock()
	if !cm.watching {
		cm.configLock.Unlock()
		return fmt.Errorf("config watcher is not running")
	}
	cm.watching = false
	cancel := cm.cancel
	cm.configLock.Unlock()

	cancel()
	cm.wg.Wait()

	cm.logger.Info("Stopped watching config file")
	return nil
}

func (cm *ConfigManager) watchFile(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.checkFileChanges()
		}
	}
}

func (cm *ConfigManager) checkFileChanges() {
	info, err := os.Stat(cm.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			cm.logger.Error("Error checking config file", "error", err)
		}
		return
	}

	cm.configLock.RLock()
	changed := info.ModTime().After(cm.lastModified)
	cm.configLock.RUnlock()
	if !changed {
		return
	}

	cm.logger.Info("Config file modified, reloading")
	if err := cm.Reload(); err != nil {
		cm.logger.Error("Failed to reload config", "error", err)
		return
	}
	cm.notifyWatchers()
}

func (cm *ConfigManager) notifyWatchers() {
	cm.watchersLock.RLock()
	watchers := make([]func(types.SystemConfig), len(cm.watchers))
	copy(watchers, cm.watchers)
	cm.watchersLock.RUnlock()

	config := cm.GetConfig()
	for _, watcher := range watchers {
		go watcher(config)
	}
}

func validateConfig(config *types.SystemConfig) error {
	if config.EventLoopInterval <= 0 {
		config.EventLoopInterval = DefaultEventLoopInterval
	}
	if config.IPC.Type == "" {
		config.IPC.Type = "tcp"
	}
	if config.IPC.BufferSize <= 0 {
		config.IPC.BufferSize = 4096
	}
	if config.IPC.Timeout <= 0 {
		config.IPC.Timeout = 5 * time.Second
	}
	if config.HTTP.MetricsPath == "" {
		config.HTTP.MetricsPath = DefaultMetricsPath
	}
	if config.Channels == nil {
		config.Channels = make(map[string]types.ChannelSpec)
	}

	if len(config.Cards) == 0 {
		return fmt.Errorf("at least one card must be configured")
	}

	for id, card := range config.Cards {
		if _, err := types.ParseDeliverySystem(card.Kind); err != nil {
			return fmt.Errorf("card %s: %w", id, err)
		}
		switch card.Protocol {
		case "":
			card.Protocol = "sim"
		case "sim", "modbus", "serial":
		default:
			return fmt.Errorf("card %s: unsupported protocol %q", id, card.Protocol)
		}
		if card.Protocol != "sim" && card.Endpoint == "" {
			return fmt.Errorf("card %s must have an endpoint", id)
		}
		if card.DevicePath == "" {
			card.DevicePath = string(id)
		}
		switch card.Pipeline {
		case "":
			card.Pipeline = "ts"
		case "ts", "gst":
		default:
			return fmt.Errorf("card %s: unsupported pipeline %q", id, card.Pipeline)
		}
		switch card.PidPolicy {
		case "":
			card.PidPolicy = "capture_all"
		case "capture_all", "explicit":
		default:
			return fmt.Errorf("card %s: unsupported pid policy %q", id, card.PidPolicy)
		}
		switch card.LnbToneKHz {
		case 0:
			card.LnbToneKHz = DefaultLnbToneKHz
		case 22, 33, 44:
		default:
			return fmt.Errorf("card %s: lnb tone must be 22, 33 or 44 kHz", id)
		}
		switch {
		case card.CommitAttempts <= 0:
			card.CommitAttempts = DefaultCommitAttempts
		case card.CommitAttempts > DefaultCommitAttempts:
			return fmt.Errorf("card %s: commit attempts must be at most %d", id, DefaultCommitAttempts)
		}
		if card.SignalInterval <= 0 {
			card.SignalInterval = DefaultSignalInterval
		}
		if card.Timeout <= 0 {
			card.Timeout = 2 * time.Second
		}
		config.Cards[id] = card
	}

	for name, spec := range config.Channels {
		if spec.Name == "" {
			spec.Name = name
			config.Channels[name] = spec
		}
		if _, err := spec.Channel(); err != nil {
			return fmt.Errorf("channel %s: %w", name, err)
		}
	}

	return nil
}

func (cm *ConfigManager) GetCardConfig(id types.DeviceID) (types.CardConfig, error) {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()

	card, exists := cm.config.Cards[id]
	if !exists {
		return types.CardConfig{}, fmt.Errorf("card %s not found in configuration", id)
	}
	return card, nil
}

// GetChannel resolves a channel preset by name.
func (cm *ConfigManager) GetChannel(name string) (types.Channel, error) {
	cm.configLock.RLock()
	spec, exists := cm.config.Channels[name]
	cm.configLock.RUnlock()

	if !exists {
		return nil, fmt.Errorf("channel preset '%s' not found", name)
	}
	return spec.Channel()
}

func (cm *ConfigManager) ListChannels() []string {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()

	names := make([]string, 0, len(cm.config.Channels))
	for name := range cm.config.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddChannel stores a new preset and saves the file.
func (cm *ConfigManager) AddChannel(name string, spec types.ChannelSpec) error {
	cm.configLock.Lock()
	if _, exists := cm.config.Channels[name]; exists {
		cm.configLock.Unlock()
		return fmt.Errorf("channel preset '%s' already exists", name)
	}

	next := cloneConfig(cm.config)
	next.Channels[name] = spec
	err := cm.saveLocked(next)
	cm.configLock.Unlock()
	if err != nil {
		return err
	}

	cm.notifyWatchers()
	return nil
}

func (cm *ConfigManager) RemoveChannel(name string) error {
	cm.configLock.Lock()
	if _, exists := cm.config.Channels[name]; !exists {
		cm.configLock.Unlock()
		return fmt.Errorf("channel preset '%s' not found", name)
	}

	next := cloneConfig(cm.config)
	delete(next.Channels, name)
	err := cm.saveLocked(next)
	cm.configLock.Unlock()
	if err != nil {
		return err
	}

	cm.notifyWatchers()
	return nil
}

func cloneConfig(c types.SystemConfig) types.SystemConfig {
	out := c
	out.Cards = make(map[types.DeviceID]types.CardConfig, len(c.Cards))
	for k, v := range c.Cards {
		out.Cards[k] = v
	}
	out.Channels = make(map[string]types.ChannelSpec, len(c.Channels))
	for k, v := range c.Channels {
		out.Channels[k] = v
	}
	return out
}

func (cm *ConfigManager) CreateDefaultConfig() error {
	networkID, transportID, serviceID := 1, 1089, 28006
	defaultConfig := types.SystemConfig{
		EventLoopInterval: DefaultEventLoopInterval,
		Logging: types.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Cards: map[types.DeviceID]types.CardConfig{
			"card-0": {
				DevicePath:     "sim://card-0",
				Kind:           "satellite",
				Protocol:       "sim",
				Stream:         "testdata/astra.ts",
				Pipeline:       "ts",
				PidPolicy:      "capture_all",
				LnbToneKHz:     DefaultLnbToneKHz,
				CommitAttempts: DefaultCommitAttempts,
				SignalInterval: DefaultSignalInterval,
				Timeout:        2 * time.Second,
			},
		},
		Channels: map[string]types.ChannelSpec{
			"das-erste-hd": {
				Kind:         "satellite",
				Name:         "Das Erste HD",
				Provider:     "ARD",
				NetworkID:    &networkID,
				TransportID:  &transportID,
				ServiceID:    &serviceID,
				PmtPID:       5100,
				Frequency:    11494000,
				SymbolRate:   22000,
				Polarisation: "horizontal",
				Band:         "universal",
			},
		},
		IPC: types.IPCConfig{
			Type:       "tcp",
			Address:    "127.0.0.1",
			Port:       9560,
			Timeout:    5 * time.Second,
			BufferSize: 4096,
		},
		HTTP: types.HTTPConfig{
			ListenAddress: ":9561",
			MetricsPath:   DefaultMetricsPath,
		},
	}

	return cm.SetConfig(defaultConfig)
}

func (cm *ConfigManager) GetConfigPath() string {
	return cm.configPath
}

// LoggingConfig converts the logging section for the logging package.
func LoggingConfig(c types.LoggingConfig) *logging.Config {
	out := logging.DefaultConfig()
	if c.Level != "" {
		out.Level = strings.ToLower(c.Level)
	}
	if c.Format != "" {
		out.Format = c.Format
	}
	if c.Output != "" {
		out.Output = c.Output
	}
	out.OutputPath = c.OutputPath
	out.AddSource = c.AddSource
	return out
}
