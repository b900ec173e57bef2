package main

import (
	"context"

	"go.uber.org/zap"
)

// Connection lifecycle states. Adapters are constructed uninitialized and
// reconnect lazily after a disconnect.
type connState int

const (
	stateUninitialized connState = iota
	stateConnected
	stateDisconnected
)

// QueryOptions carries per-query execution parameters. Warehouse and
// UseCachedResult are honored by the Snowflake adapter and ignored elsewhere.
type QueryOptions struct {
	TimeoutSeconds  int
	Warehouse       string
	UseCachedResult bool
}

// SchemaInfo describes the namespace layout of one backend.
type SchemaInfo struct {
	DatabaseType string              `json:"database_type"`
	Databases    []string            `json:"databases,omitempty"`
	Schemas      []string            `json:"schemas"`
	Tables       map[string][]string `json:"tables"`
	Views        map[string][]string `json:"views"`
}

// ColumnInfo describes one column of an introspected table.
type ColumnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	Default    any    `json:"default"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
	UniqueKey  bool   `json:"unique_key,omitempty"`
}

// TableInfo describes one table. RowCount is nil when the count query fails
// (e.g. permission denied); that failure never propagates.
type TableInfo struct {
	Table    string       `json:"table_name"`
	Schema   string       `json:"schema_name,omitempty"`
	Columns  []ColumnInfo `json:"columns"`
	RowCount *int64       `json:"row_count"`
}

// Adapter is the uniform contract every backend variant implements. One
// adapter instance exclusively owns one backend engine handle; adapters built
// on database/sql may serve concurrent queries through the driver's pool.
type Adapter interface {
	// Kind returns the backend kind ("postgresql", "mysql", "sqlite",
	// "snowflake", "generic").
	Kind() string

	// Connect is idempotent: it returns immediately when already connected,
	// otherwise opens the backend engine, runs a liveness probe, and marks
	// the adapter connected. Returns a *ConnectionError on failure and
	// leaves the adapter disconnected.
	Connect(ctx context.Context) error

	// Disconnect is idempotent: it releases the engine handle and marks the
	// adapter disconnected. Never fails for an already-disconnected adapter.
	Disconnect() error

	// ExecuteQuery runs exactly the given text, applying a best-effort
	// session-level timeout where the backend supports one. Rows come back
	// as field-name keyed maps; columns preserve the backend's order.
	ExecuteQuery(ctx context.Context, query string, opts QueryOptions) ([]map[string]any, []string, error)

	// SchemaInfo introspects schemas, tables, and views.
	SchemaInfo(ctx context.Context) (*SchemaInfo, error)
}

// TableIntrospector is the optional table-detail capability. The dispatcher
// type-asserts for it and reports a QueryError when an adapter lacks it.
type TableIntrospector interface {
	TableInfo(ctx context.Context, table, schema string) (*TableInfo, error)
}

// newAdapter builds the adapter variant for a descriptor. The descriptor has
// already been checked for a backend kind at load time; unknown kinds fall
// through to the generic SQL adapter.
func newAdapter(name string, desc Descriptor, logger *zap.Logger) (Adapter, error) {
	switch desc.Kind() {
	case KindSnowflake:
		return newSnowflakeAdapter(name, desc, logger)
	default:
		return newSQLAdapter(name, desc, logger)
	}
}
