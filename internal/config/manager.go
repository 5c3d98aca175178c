// Package config loads the orchestrator's configuration files and watches
// them for changes. Typed access to loom.yaml goes through LoomConfigManager;
// the generic ConfigManager underneath also feeds capability profile and
// policy reloads.
package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConfigFormat is a supported configuration file format.
type ConfigFormat string

const (
	FormatJSON ConfigFormat = "json"
	FormatYAML ConfigFormat = "yaml"
)

// writeSettleDelay absorbs rapid successive writes from editors that save in
// multiple syscalls.
const writeSettleDelay = 50 * time.Millisecond

// ChangeEvent describes one configuration file change.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // create, modify, delete
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when a watched configuration file changes.
type ChangeHandler func(event ChangeEvent) error

// ConfigManager watches a directory of yaml/json configuration files and
// fans out parsed changes to registered handlers. Policy files (.rego) get
// their own reload hook since they are not parsed here.
type ConfigManager struct {
	configDir      string
	configs        map[string]map[string]interface{}
	handlers       map[string][]ChangeHandler
	validators     map[string]func(map[string]interface{}) error
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	started        bool
	stopCh         chan struct{}
	logger         *zap.Logger
	mu             sync.RWMutex
	watcherMu      sync.Mutex

	// Polling fallback for filesystems where fsnotify is unreliable.
	pollInterval  time.Duration
	enablePolling bool
}

// NewConfigManager creates a manager for the given directory, creating it if
// needed.
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	return &ConfigManager{
		configDir:    configDir,
		configs:      make(map[string]map[string]interface{}),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]func(map[string]interface{}) error),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
	}, nil
}

// Start loads every config file in the directory and begins watching.
// Loading happens outside cm.mu so handlers may call back into the manager.
func (cm *ConfigManager) Start() error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	// fsnotify watches are per-directory, so subdirectories (the policies
	// dir in particular) are added explicitly.
	err := filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return cm.watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	if err := cm.loadAllConfigs(); err != nil {
		return fmt.Errorf("load initial configs: %w", err)
	}

	cm.mu.Lock()
	cm.started = true
	loaded := len(cm.configs)
	polling := cm.enablePolling
	cm.mu.Unlock()

	go cm.watchLoop()
	if polling {
		go cm.pollLoop()
	}

	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop ends watching and releases the underlying watcher.
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.started {
		return nil
	}
	close(cm.stopCh)
	if err := cm.watcher.Close(); err != nil {
		cm.logger.Error("Error closing file watcher", zap.Error(err))
	}
	cm.started = false
	cm.logger.Info("Configuration manager stopped")
	return nil
}

// RegisterHandler subscribes a handler to changes of one file.
func (cm *ConfigManager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[filename] = append(cm.handlers[filename], handler)
}

// RegisterValidator guards one file: failing validation keeps the previous
// configuration in place.
func (cm *ConfigManager) RegisterValidator(filename string, validator func(map[string]interface{}) error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[filename] = validator
}

// RegisterPolicyHandler subscribes to .rego file changes in the config
// directory.
func (cm *ConfigManager) RegisterPolicyHandler(handler func() error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.policyHandlers = append(cm.policyHandlers, handler)
}

// GetConfig returns a copy of the parsed configuration for one file.
func (cm *ConfigManager) GetConfig(filename string) (map[string]interface{}, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[filename]
	if !exists {
		return nil, false
	}
	result := make(map[string]interface{}, len(config))
	for k, v := range config {
		result[k] = v
	}
	return result, true
}

// ReloadConfig re-reads one file on demand.
func (cm *ConfigManager) ReloadConfig(filename string) error {
	return cm.loadConfigFile(filepath.Join(cm.configDir, filename), "manual_reload")
}

// SetConfig injects a configuration programmatically, running validators and
// handlers as if the file had changed. Used by tests.
func (cm *ConfigManager) SetConfig(filename string, config map[string]interface{}) error {
	cm.mu.RLock()
	validator := cm.validators[filename]
	cm.mu.RUnlock()

	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("validate %s: %w", filename, err)
		}
	}

	cm.mu.Lock()
	cm.configs[filename] = config
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.dispatch(handlers, ChangeEvent{
		File:      filename,
		Action:    "programmatic_set",
		Config:    copyConfig(config),
		Timestamp: time.Now(),
	})
	return nil
}

// EnablePolling turns on the polling fallback. Must be called before Start.
func (cm *ConfigManager) EnablePolling(interval time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.enablePolling = true
	cm.pollInterval = interval
}

func (cm *ConfigManager) watchLoop() {
	for {
		select {
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleWatchEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) pollLoop() {
	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()

	lastMod := make(map[string]time.Time)
	for {
		select {
		case <-cm.stopCh:
			return
		case <-ticker.C:
			cm.checkForChanges(lastMod)
		}
	}
}

func (cm *ConfigManager) checkForChanges(lastMod map[string]time.Time) {
	err := filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		filename := filepath.Base(path)
		if info.ModTime().After(lastMod[filename]) {
			lastMod[filename] = info.ModTime()
			return cm.loadConfigFile(path, "polling_detected")
		}
		return nil
	})
	if err != nil {
		cm.logger.Error("Polling check failed", zap.Error(err))
	}
}

func (cm *ConfigManager) handleWatchEvent(event fsnotify.Event) {
	cm.watcherMu.Lock()
	defer cm.watcherMu.Unlock()

	filename := filepath.Base(event.Name)
	isConfig := isConfigFile(event.Name)
	isPolicy := isPolicyFile(event.Name)
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create != 0:
		action = "create"
	case event.Op&fsnotify.Write != 0:
		action = "modify"
	case event.Op&fsnotify.Remove != 0:
		action = "delete"
	case event.Op&fsnotify.Rename != 0:
		action = "rename"
	case event.Op&fsnotify.Chmod != 0:
		return
	default:
		action = event.Op.String()
	}

	if action == "delete" || action == "rename" {
		if isConfig {
			cm.handleFileRemoval(filename)
		}
		// Policies referencing the removed file must still be recompiled.
		if isPolicy {
			cm.handlePolicyReload(filename, action)
		}
		return
	}

	time.Sleep(writeSettleDelay)
	if isConfig {
		if err := cm.loadConfigFile(event.Name, action); err != nil {
			cm.logger.Error("Failed to load config file",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
	if isPolicy {
		cm.handlePolicyReload(filename, action)
	}
}

func (cm *ConfigManager) loadAllConfigs() error {
	return filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		return cm.loadConfigFile(path, "initial_load")
	})
}

func (cm *ConfigManager) loadConfigFile(filePath, action string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", filePath, err)
	}

	filename := filepath.Base(filePath)
	config := make(map[string]interface{})
	format := detectFormat(filename)
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("parse JSON config %s: %w", filename, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("parse YAML config %s: %w", filename, err)
		}
	}

	cm.mu.RLock()
	validator := cm.validators[filename]
	cm.mu.RUnlock()
	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("validate %s: %w", filename, err)
		}
	}

	cm.mu.Lock()
	cm.configs[filename] = config
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.dispatch(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    copyConfig(config),
		Timestamp: time.Now(),
	})

	cm.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.String("format", string(format)),
		zap.Int("keys", len(config)),
	)
	return nil
}

func (cm *ConfigManager) handleFileRemoval(filename string) {
	cm.mu.Lock()
	lastKnown := cm.configs[filename]
	delete(cm.configs, filename)
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.dispatch(handlers, ChangeEvent{
		File:      filename,
		Action:    "delete",
		Config:    copyConfig(lastKnown),
		Timestamp: time.Now(),
	})
	cm.logger.Info("Configuration file removed", zap.String("filename", filename))
}

func (cm *ConfigManager) handlePolicyReload(filename, action string) {
	cm.mu.RLock()
	handlers := append([]func() error(nil), cm.policyHandlers...)
	cm.mu.RUnlock()

	cm.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, handler := range handlers {
		if err := handler(); err != nil {
			cm.logger.Error("Policy reload handler failed",
				zap.String("file", filename),
				zap.Error(err),
			)
		}
	}
}

// dispatch runs handlers on their own goroutines so a slow handler never
// stalls the watch loop. Errors are logged, not propagated.
func (cm *ConfigManager) dispatch(handlers []ChangeHandler, event ChangeEvent) {
	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				cm.logger.Error("Configuration handler error",
					zap.String("filename", event.File),
					zap.String("action", event.Action),
					zap.Error(err),
				)
			}
		}()
	}
}

func copyConfig(config map[string]interface{}) map[string]interface{} {
	if config == nil {
		return nil
	}
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out
}

func isConfigFile(filename string) bool {
	switch filepath.Ext(filename) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func isPolicyFile(filename string) bool {
	return filepath.Ext(filename) == ".rego"
}

func detectFormat(filename string) ConfigFormat {
	switch filepath.Ext(filename) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}
