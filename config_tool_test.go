package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTestConfigTool(t *testing.T, configFile string) *ConfigTool {
	t.Helper()
	tool, err := NewConfigTool(Settings{
		ConfigFile: configFile,
		EnvPrefix:  "DISPATCHTEST",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	t.Cleanup(tool.Close)
	return tool
}

func sqliteDescriptor(dir string) Descriptor {
	return Descriptor{
		"database_type": "sqlite",
		"database":      filepath.Join(dir, "test.db"),
	}
}

func TestConfigTool_AddConnection(t *testing.T) {
	dir := t.TempDir()
	tool := newTestConfigTool(t, filepath.Join(dir, "connections.json"))

	if tool.Dispatcher() != nil {
		t.Fatal("Expected no dispatcher before any connection is added")
	}

	if err := tool.AddConnection("local", sqliteDescriptor(dir)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	dispatcher := tool.Dispatcher()
	if dispatcher == nil {
		t.Fatal("Expected dispatcher after add")
	}
	if names := dispatcher.Names(); len(names) != 1 || names[0] != "local" {
		t.Errorf("Expected [local], got %v", names)
	}

	// The mutation must be persisted.
	data, err := os.ReadFile(filepath.Join(dir, "connections.json"))
	if err != nil {
		t.Fatalf("Expected config file written: %v", err)
	}
	var saved map[string]Descriptor
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("Config file is not valid JSON: %v", err)
	}
	if saved["local"].Kind() != KindSQLite {
		t.Errorf("Unexpected persisted descriptor: %v", saved)
	}
}

func TestConfigTool_AddConnection_Duplicate(t *testing.T) {
	dir := t.TempDir()
	tool := newTestConfigTool(t, "")

	if err := tool.AddConnection("local", sqliteDescriptor(dir)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	err := tool.AddConnection("local", sqliteDescriptor(dir))
	if err == nil {
		t.Fatal("Expected duplicate add to fail")
	}
	if !strings.Contains(err.Error(), "update_connection") {
		t.Errorf("Expected error to point at update_connection, got: %v", err)
	}
}

func TestConfigTool_AddConnection_MissingKind(t *testing.T) {
	tool := newTestConfigTool(t, "")

	err := tool.AddConnection("bad", Descriptor{"host": "somewhere"})
	if err == nil {
		t.Fatal("Expected add without database_type to fail")
	}
	if !strings.Contains(err.Error(), "database_type") {
		t.Errorf("Expected error to name database_type, got: %v", err)
	}
}

func TestConfigTool_AddConnection_RollbackOnBuildFailure(t *testing.T) {
	dir := t.TempDir()
	tool := newTestConfigTool(t, "")

	if err := tool.AddConnection("good", sqliteDescriptor(dir)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// PostgreSQL descriptors require a database name, so adapter construction
	// fails and the add must roll back without disturbing existing adapters.
	err := tool.AddConnection("broken", Descriptor{
		"database_type": "postgresql",
		"host":          "db.internal",
	})
	if err == nil {
		t.Fatal("Expected add of invalid descriptor to fail")
	}

	dispatcher := tool.Dispatcher()
	if dispatcher == nil {
		t.Fatal("Expected surviving dispatcher after rollback")
	}
	if names := dispatcher.Names(); len(names) != 1 || names[0] != "good" {
		t.Errorf("Expected rollback to [good], got %v", names)
	}
	if len(tool.ConnectionNames()) != 1 {
		t.Errorf("Expected descriptor store rolled back, got %v", tool.ConnectionNames())
	}
}

func TestConfigTool_RemoveConnection(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "connections.json")
	tool := newTestConfigTool(t, configFile)

	if err := tool.AddConnection("local", sqliteDescriptor(dir)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := tool.RemoveConnection("local"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if tool.Dispatcher() != nil {
		t.Error("Expected nil dispatcher after removing the last connection")
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		t.Fatalf("Expected config file present: %v", err)
	}
	if strings.Contains(string(data), "local") {
		t.Errorf("Expected removal persisted, file still has: %s", data)
	}
}

func TestConfigTool_RemoveConnection_Unknown(t *testing.T) {
	tool := newTestConfigTool(t, "")

	if err := tool.RemoveConnection("ghost"); err == nil {
		t.Error("Expected removing unknown connection to fail")
	}
}

func TestConfigTool_UpdateConnection_MergesFields(t *testing.T) {
	dir := t.TempDir()
	tool := newTestConfigTool(t, "")

	if err := tool.AddConnection("local", sqliteDescriptor(dir)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	newPath := filepath.Join(dir, "other.db")
	if err := tool.UpdateConnection("local", Descriptor{"database": newPath}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	listed := tool.ListConnections()
	connections := listed["connections"].(map[string]Descriptor)
	desc := connections["local"]
	if desc.GetString("database", "") != newPath {
		t.Errorf("Expected merged path, got %v", desc)
	}
	if desc.Kind() != KindSQLite {
		t.Errorf("Expected untouched fields preserved, got %v", desc)
	}
}

func TestConfigTool_UpdateConnection_RollbackOnBuildFailure(t *testing.T) {
	dir := t.TempDir()
	tool := newTestConfigTool(t, "")

	original := sqliteDescriptor(dir)
	if err := tool.AddConnection("local", original); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Switching kind to snowflake leaves the merged descriptor without the
	// account/credential fields that adapter needs, so the rebuild fails and
	// the pre-update descriptor must come back exactly.
	err := tool.UpdateConnection("local", Descriptor{"database_type": "snowflake"})
	if err == nil {
		t.Fatal("Expected update to invalid descriptor to fail")
	}

	connections := tool.ListConnections()["connections"].(map[string]Descriptor)
	if !reflect.DeepEqual(connections["local"], original) {
		t.Errorf("Expected descriptor restored exactly, got %v, want %v", connections["local"], original)
	}
	if tool.Dispatcher() == nil {
		t.Error("Expected dispatcher to survive failed update")
	}
}

func TestConfigTool_UpdateConnection_Unknown(t *testing.T) {
	tool := newTestConfigTool(t, "")

	err := tool.UpdateConnection("ghost", Descriptor{"host": "x"})
	if err == nil {
		t.Fatal("Expected updating unknown connection to fail")
	}
	if !strings.Contains(err.Error(), "add_connection") {
		t.Errorf("Expected error to point at add_connection, got: %v", err)
	}
}

func TestConfigTool_ListConnections_RedactsSecrets(t *testing.T) {
	tool := newTestConfigTool(t, "")

	desc := sqliteDescriptor(t.TempDir())
	desc["password"] = "hunter2"
	if err := tool.AddConnection("local", desc); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	listed := tool.ListConnections()
	if listed["total_connections"] != 1 {
		t.Errorf("Expected total_connections 1, got %v", listed["total_connections"])
	}
	connections := listed["connections"].(map[string]Descriptor)
	if connections["local"]["password"] != redactedPlaceholder {
		t.Errorf("Expected password redacted, got %v", connections["local"]["password"])
	}
}

func TestConfigTool_LoadsFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DISPATCHTEST_CACHE_DATABASE_TYPE", "sqlite")
	t.Setenv("DISPATCHTEST_CACHE_DATABASE", filepath.Join(dir, "cache.db"))

	tool := newTestConfigTool(t, "")

	names := tool.ConnectionNames()
	if len(names) != 1 || names[0] != "cache" {
		t.Fatalf("Expected [cache], got %v", names)
	}
	if tool.Dispatcher() == nil {
		t.Error("Expected dispatcher built from environment descriptors")
	}
}
