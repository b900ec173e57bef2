package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Query request defaults and bounds.
const (
	defaultRowLimit     = 100
	minRowLimit         = 1
	maxRowLimit         = 10000
	defaultQueryTimeout = 30
	minQueryTimeout     = 1
	maxQueryTimeout     = 300
)

// QueryRequest is one incoming query. Zero values take the documented
// defaults; out-of-bounds values are clamped.
type QueryRequest struct {
	Query           string
	Limit           int
	Format          string
	Timeout         int
	Warehouse       string
	UseCachedResult *bool
}

func (r QueryRequest) normalized() QueryRequest {
	out := r
	if out.Limit == 0 {
		out.Limit = defaultRowLimit
	}
	out.Limit = clamp(out.Limit, minRowLimit, maxRowLimit)
	if out.Timeout == 0 {
		out.Timeout = defaultQueryTimeout
	}
	out.Timeout = clamp(out.Timeout, minQueryTimeout, maxQueryTimeout)
	if out.Format == "" {
		out.Format = FormatTable
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// QueryResult is the outcome of one executed query. Query holds the text
// actually executed (after limit injection); RowCount counts raw backend
// rows before formatting.
type QueryResult struct {
	Query            string         `json:"query"`
	RowCount         int            `json:"row_count"`
	Columns          []string       `json:"columns"`
	ExecutionSeconds float64        `json:"execution_time_seconds"`
	Results          any            `json:"results"`
	Metadata         map[string]any `json:"metadata"`
	ConnectionName   string         `json:"connection_name,omitempty"`
	ConnectionType   string         `json:"connection_type,omitempty"`
}

// QuerySpec is one entry of a fan-out request.
type QuerySpec struct {
	ConnectionName string `json:"connection_name"`
	Query          string `json:"query"`
	Limit          int    `json:"limit,omitempty"`
	Format         string `json:"format,omitempty"`
}

// Dispatcher maps connection names to adapters and routes every query and
// introspection operation. It holds no per-query state of its own; lazy
// connection handling lives in the adapters.
type Dispatcher struct {
	logger   *zap.Logger
	adapters map[string]Adapter
}

// NewDispatcher constructs one adapter per descriptor. Any descriptor that
// cannot produce an adapter fails the whole construction, so config
// mutations can roll back to a consistent state.
func NewDispatcher(descriptors map[string]Descriptor, logger *zap.Logger) (*Dispatcher, error) {
	adapters := make(map[string]Adapter, len(descriptors))
	for name, desc := range descriptors {
		adapter, err := newAdapter(name, desc, logger)
		if err != nil {
			return nil, err
		}
		adapters[name] = adapter
		logger.Info("initialized connection",
			zap.String("connection", name), zap.String("kind", adapter.Kind()))
	}
	return &Dispatcher{logger: logger, adapters: adapters}, nil
}

// Names returns the registered connection names, sorted.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) adapter(name string) (Adapter, error) {
	adapter, ok := d.adapters[name]
	if !ok {
		return nil, connectionErrorf(nil, "unknown connection: %s", name)
	}
	return adapter, nil
}

// Execute validates, limits, runs, and formats one query. Execution time is
// measured strictly around the adapter call, excluding validation and
// formatting.
func (d *Dispatcher) Execute(ctx context.Context, connectionName string, req QueryRequest) (*QueryResult, error) {
	adapter, err := d.adapter(connectionName)
	if err != nil {
		return nil, err
	}
	req = req.normalized()

	if err := validateQuery(req.Query); err != nil {
		return nil, err
	}
	limited := applyLimit(req.Query, req.Limit)

	opts := QueryOptions{
		TimeoutSeconds:  req.Timeout,
		Warehouse:       req.Warehouse,
		UseCachedResult: req.UseCachedResult == nil || *req.UseCachedResult,
	}

	start := time.Now()
	rows, columns, err := adapter.ExecuteQuery(ctx, limited, opts)
	elapsed := time.Since(start)
	if err != nil {
		d.logger.Error("query failed",
			zap.String("connection", connectionName), zap.Error(err))
		return nil, queryErrorf(err, "query failed on %s", connectionName)
	}

	metadata := map[string]any{
		"database_type": adapter.Kind(),
		"limit_applied": req.Limit,
		"format":        req.Format,
	}
	if adapter.Kind() == KindSnowflake {
		if req.Warehouse != "" {
			metadata["warehouse"] = req.Warehouse
		}
		metadata["cached_result"] = opts.UseCachedResult
	}

	return &QueryResult{
		Query:            limited,
		RowCount:         len(rows),
		Columns:          columns,
		ExecutionSeconds: elapsed.Seconds(),
		Results:          formatResults(rows, columns, req.Format),
		Metadata:         metadata,
		ConnectionName:   connectionName,
		ConnectionType:   adapter.Kind(),
	}, nil
}

// TestConnection attempts connect, schema probe, disconnect, reporting the
// outcome as a structured record rather than an error.
func (d *Dispatcher) TestConnection(ctx context.Context, name string) map[string]any {
	adapter, ok := d.adapters[name]
	if !ok {
		return map[string]any{
			"connection_name": name,
			"status":          "error",
			"message":         "unknown connection: " + name,
		}
	}

	result := map[string]any{
		"connection_name": name,
		"connection_type": adapter.Kind(),
	}

	if err := adapter.Connect(ctx); err != nil {
		result["status"] = "error"
		result["message"] = "connection failed: " + err.Error()
		return result
	}
	schema, err := adapter.SchemaInfo(ctx)
	adapter.Disconnect()
	if err != nil {
		result["status"] = "error"
		result["message"] = "connection failed: " + err.Error()
		return result
	}

	result["status"] = "success"
	result["message"] = "Connection successful"
	result["schema_info"] = schema
	return result
}

// TestAllConnections probes every adapter; one failure never aborts the
// batch.
func (d *Dispatcher) TestAllConnections(ctx context.Context) map[string]any {
	tests := make(map[string]any, len(d.adapters))
	for _, name := range d.Names() {
		tests[name] = d.TestConnection(ctx, name)
	}
	return map[string]any{"connection_tests": tests}
}

// ConnectionInfo introspects one connection, failing on an unknown name.
func (d *Dispatcher) ConnectionInfo(ctx context.Context, name string) (map[string]any, error) {
	adapter, err := d.adapter(name)
	if err != nil {
		return nil, err
	}
	schema, err := adapter.SchemaInfo(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"connection_name": name,
		"connection_type": adapter.Kind(),
		"schema_info":     schema,
	}, nil
}

// AllConnectionInfo introspects every connection, capturing per-connection
// failures inline rather than failing the whole call.
func (d *Dispatcher) AllConnectionInfo(ctx context.Context) map[string]any {
	connections := make(map[string]any, len(d.adapters))
	for _, name := range d.Names() {
		adapter := d.adapters[name]
		entry := map[string]any{"connection_type": adapter.Kind()}
		if schema, err := adapter.SchemaInfo(ctx); err != nil {
			entry["error"] = err.Error()
		} else {
			entry["schema_info"] = schema
		}
		connections[name] = entry
	}
	return map[string]any{"connections": connections}
}

// TableInfo resolves the adapter and asks it to describe one table. Adapters
// without the capability produce a QueryError.
func (d *Dispatcher) TableInfo(ctx context.Context, name, table, schema string) (*TableInfo, error) {
	adapter, err := d.adapter(name)
	if err != nil {
		return nil, err
	}
	introspector, ok := adapter.(TableIntrospector)
	if !ok {
		return nil, queryErrorf(nil, "table info not supported for connection %s", name)
	}
	return introspector.TableInfo(ctx, table, schema)
}

// CrossDatabaseQuery executes the specs strictly in input order, keying each
// result query_<index>_<connection> with a 1-based index. A failed spec
// records an error entry and never aborts its siblings. With combine set,
// rows from successful JSON-formatted sub-queries are concatenated in query
// order, each tagged with its source connection and query index.
func (d *Dispatcher) CrossDatabaseQuery(ctx context.Context, specs []QuerySpec, combine bool) map[string]any {
	results := make(map[string]any, len(specs)+1)
	combined := []map[string]any{}

	for i, spec := range specs {
		key := fanOutKey(i+1, spec.ConnectionName)

		format := spec.Format
		if format == "" {
			format = FormatJSON
		}
		result, err := d.Execute(ctx, spec.ConnectionName, QueryRequest{
			Query:  spec.Query,
			Limit:  spec.Limit,
			Format: format,
		})
		if err != nil {
			results[key] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		results[key] = result

		if combine && format == FormatJSON {
			rows, _ := result.Results.([]map[string]any)
			for _, row := range rows {
				tagged := make(map[string]any, len(row)+2)
				for k, v := range row {
					tagged[k] = v
				}
				tagged["_source_connection"] = spec.ConnectionName
				tagged["_source_query"] = i + 1
				combined = append(combined, tagged)
			}
		}
	}

	if combine {
		results["combined_results"] = map[string]any{
			"total_rows": len(combined),
			"data":       combined,
		}
	}
	return results
}

func fanOutKey(index int, connection string) string {
	return fmt.Sprintf("query_%d_%s", index, connection)
}

// DisconnectAll closes every adapter best-effort; a failure is logged and
// never stops the rest.
func (d *Dispatcher) DisconnectAll() {
	for _, name := range d.Names() {
		if err := d.adapters[name].Disconnect(); err != nil {
			d.logger.Error("error disconnecting",
				zap.String("connection", name), zap.Error(err))
		}
	}
}
