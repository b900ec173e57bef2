package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Backend kinds.
const (
	KindPostgreSQL = "postgresql"
	KindMySQL      = "mysql"
	KindSQLite     = "sqlite"
	KindSnowflake  = "snowflake"
	KindGeneric    = "generic"
)

// DefaultEnvPrefix is the leading segment of environment-derived descriptor
// keys: <prefix>_<name>_<setting>.
const DefaultEnvPrefix = "DB"

const redactedPlaceholder = "***hidden***"

// secretFields are descriptor keys whose values must never appear in
// list_connections output.
var secretFields = []string{"password", "private_key", "private_key_passphrase"}

// Descriptor is one named connection configuration. It is kept as a generic
// record rather than a struct so that partial updates merge field-by-field
// and the JSON persistence format round-trips exactly.
type Descriptor map[string]any

// Kind returns the backend kind, normalized to lower case. Empty when the
// descriptor carries none.
func (d Descriptor) Kind() string {
	v, _ := d["database_type"].(string)
	return strings.ToLower(v)
}

// GetString returns a string field, or fallback when absent or non-string.
func (d Descriptor) GetString(key, fallback string) string {
	if v, ok := d[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// GetInt returns an integer field, tolerating the types JSON and env loading
// produce (int, float64, numeric string).
func (d Descriptor) GetInt(key string, fallback int) int {
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// GetBool returns a boolean field, accepting bool or string forms.
func (d Descriptor) GetBool(key string, fallback bool) bool {
	switch v := d[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// Clone returns a deep-enough copy for rollback purposes: top-level keys are
// copied, and the one nested field we store (session_parameters) is copied a
// level down.
func (d Descriptor) Clone() Descriptor {
	out := make(Descriptor, len(d))
	for k, v := range d {
		if m, ok := v.(map[string]any); ok {
			nested := make(map[string]any, len(m))
			for nk, nv := range m {
				nested[nk] = nv
			}
			out[k] = nested
			continue
		}
		out[k] = v
	}
	return out
}

// Redacted returns a copy with secret-bearing fields replaced by a
// placeholder.
func (d Descriptor) Redacted() Descriptor {
	out := d.Clone()
	for _, key := range secretFields {
		if _, ok := out[key]; ok {
			out[key] = redactedPlaceholder
		}
	}
	return out
}

// loadDescriptorsFromEnv scans the environment for keys shaped
// <prefix>_<NAME>_<SETTING> and groups them by connection name. Setting names
// are lower-cased and numeric-looking values are coerced to integers. Groups
// lacking a database_type are discarded entirely.
func loadDescriptorsFromEnv(environ []string, prefix string) map[string]Descriptor {
	grouped := make(map[string]Descriptor)

	lead := prefix + "_"
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, lead) {
			continue
		}

		parts := strings.Split(key, "_")
		if len(parts) < 3 { // <prefix>_<name>_<setting>
			continue
		}
		name := strings.ToLower(parts[1])
		setting := strings.ToLower(strings.Join(parts[2:], "_"))

		if grouped[name] == nil {
			grouped[name] = make(Descriptor)
		}
		grouped[name][setting] = coerceEnvValue(value)
	}

	for name, desc := range grouped {
		if desc.Kind() == "" {
			delete(grouped, name)
		}
	}
	return grouped
}

// coerceEnvValue converts purely numeric strings to int and leaves everything
// else untouched.
func coerceEnvValue(value string) any {
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return value
}

// loadDescriptorsFromFile reads the JSON descriptor file: an object keyed by
// connection name. A missing file is not an error; a malformed one is.
func loadDescriptorsFromFile(path string) (map[string]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read descriptor file %s: %w", path, err)
	}

	var raw map[string]Descriptor
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse descriptor file %s: %w", path, err)
	}
	return raw, nil
}

// mergeDescriptors layers file-derived descriptors over environment-derived
// ones. A file entry fully replaces a same-named environment entry; fields
// are never blended across sources. Entries lacking a backend kind are
// rejected rather than silently dropped as valid.
func mergeDescriptors(env, file map[string]Descriptor) (map[string]Descriptor, error) {
	merged := make(map[string]Descriptor, len(env)+len(file))
	for name, desc := range env {
		merged[name] = desc.Clone()
	}
	for name, desc := range file {
		if desc.Kind() == "" {
			return nil, fmt.Errorf("descriptor %q has no database_type", name)
		}
		merged[name] = desc.Clone()
	}
	return merged, nil
}

// saveDescriptors writes the descriptor set as indented JSON, creating the
// parent directory if absent. The write goes through a temp file and rename
// so a crash never leaves a half-written config.
func saveDescriptors(path string, descriptors map[string]Descriptor) error {
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(descriptors, "", "  ")
	if err != nil {
		return fmt.Errorf("encode descriptors: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write descriptor file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace descriptor file: %w", err)
	}
	return nil
}
