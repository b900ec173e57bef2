package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Settings is the explicit configuration threaded into the config tool and
// dispatcher; there is no ambient global.
type Settings struct {
	// ConfigFile is the JSON descriptor file. Empty disables persistence.
	ConfigFile string
	// EnvPrefix leads environment descriptor keys (<prefix>_<name>_<setting>).
	EnvPrefix string
}

// ConfigTool owns the descriptor store and the dispatcher built from it.
// Every successful mutation atomically rebuilds the dispatcher and persists
// the store; a failed rebuild rolls back the in-memory change so the live
// descriptor set and the live dispatcher stay mutually consistent.
type ConfigTool struct {
	settings Settings
	logger   *zap.Logger

	mu          sync.Mutex
	descriptors map[string]Descriptor
	dispatcher  *Dispatcher
}

// NewConfigTool loads descriptors from the environment and the config file
// (file entries fully replace same-named environment entries) and builds the
// initial dispatcher. A dispatcher build failure at load time is logged and
// leaves the tool dispatcherless so a later config mutation can repair it.
func NewConfigTool(settings Settings, logger *zap.Logger) (*ConfigTool, error) {
	if settings.EnvPrefix == "" {
		settings.EnvPrefix = DefaultEnvPrefix
	}

	envDescs := loadDescriptorsFromEnv(os.Environ(), settings.EnvPrefix)
	fileDescs, err := loadDescriptorsFromFile(settings.ConfigFile)
	if err != nil {
		return nil, err
	}
	descriptors, err := mergeDescriptors(envDescs, fileDescs)
	if err != nil {
		return nil, err
	}

	t := &ConfigTool{
		settings:    settings,
		logger:      logger,
		descriptors: descriptors,
	}

	if len(descriptors) > 0 {
		dispatcher, err := NewDispatcher(descriptors, logger)
		if err != nil {
			logger.Error("failed to build dispatcher from loaded descriptors", zap.Error(err))
		} else {
			t.dispatcher = dispatcher
			logger.Info("loaded database configurations", zap.Int("count", len(descriptors)))
		}
	}
	return t, nil
}

// Dispatcher returns the live dispatcher; nil when no valid descriptors are
// registered.
func (t *ConfigTool) Dispatcher() *Dispatcher {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dispatcher
}

// ConnectionNames returns the registered connection names in sorted order.
func (t *ConfigTool) ConnectionNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.descriptors))
	for name := range t.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListConnections returns every descriptor with secret-bearing fields
// redacted.
func (t *ConfigTool) ListConnections() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	connections := make(map[string]Descriptor, len(t.descriptors))
	for name, desc := range t.descriptors {
		connections[name] = desc.Redacted()
	}
	return map[string]any{
		"total_connections": len(connections),
		"connections":       connections,
	}
}

// TestConnections probes every registered connection.
func (t *ConfigTool) TestConnections(ctx context.Context) (map[string]any, error) {
	dispatcher := t.Dispatcher()
	if dispatcher == nil {
		return nil, fmt.Errorf("no database connections configured")
	}
	return dispatcher.TestAllConnections(ctx), nil
}

// AddConnection registers a new descriptor. Existing names must go through
// UpdateConnection.
func (t *ConfigTool) AddConnection(name string, config Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.descriptors[name]; exists {
		return fmt.Errorf("connection %s already exists; use update_connection to modify it", name)
	}
	if config.Kind() == "" {
		return fmt.Errorf("missing required field: database_type")
	}

	t.descriptors[name] = config.Clone()
	if err := t.rebuildLocked(); err != nil {
		delete(t.descriptors, name)
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return t.saveLocked()
}

// RemoveConnection deletes a descriptor. The dispatcher becomes nil when the
// last descriptor goes away.
func (t *ConfigTool) RemoveConnection(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, exists := t.descriptors[name]
	if !exists {
		return fmt.Errorf("connection %s not found", name)
	}

	delete(t.descriptors, name)
	if err := t.rebuildLocked(); err != nil {
		t.descriptors[name] = old
		return fmt.Errorf("failed to remove connection: %w", err)
	}
	return t.saveLocked()
}

// UpdateConnection merges a partial config into an existing descriptor
// field-by-field. On rebuild failure the pre-update descriptor is restored
// exactly before the error is reported.
func (t *ConfigTool) UpdateConnection(name string, partial Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, exists := t.descriptors[name]
	if !exists {
		return fmt.Errorf("connection %s not found; use add_connection to create it", name)
	}

	updated := old.Clone()
	for k, v := range partial {
		updated[k] = v
	}

	t.descriptors[name] = updated
	if err := t.rebuildLocked(); err != nil {
		t.descriptors[name] = old
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return t.saveLocked()
}

// rebuildLocked replaces the dispatcher from the current descriptor set,
// disposing the previous dispatcher's adapters on success. Caller holds the
// mutex.
func (t *ConfigTool) rebuildLocked() error {
	if len(t.descriptors) == 0 {
		if t.dispatcher != nil {
			t.dispatcher.DisconnectAll()
		}
		t.dispatcher = nil
		return nil
	}

	dispatcher, err := NewDispatcher(t.descriptors, t.logger)
	if err != nil {
		return err
	}
	if t.dispatcher != nil {
		t.dispatcher.DisconnectAll()
	}
	t.dispatcher = dispatcher
	return nil
}

func (t *ConfigTool) saveLocked() error {
	if err := saveDescriptors(t.settings.ConfigFile, t.descriptors); err != nil {
		t.logger.Error("failed to persist descriptors", zap.Error(err))
		return err
	}
	return nil
}

// Close disconnects every adapter.
func (t *ConfigTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dispatcher != nil {
		t.dispatcher.DisconnectAll()
	}
}
