package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// snowflakeQuerySlots caps in-flight warehouse calls per adapter so a slow
// warehouse cannot monopolize every pooled connection.
const snowflakeQuerySlots = 2

// Warehouse, schema, and table names are embedded in session statements that
// cannot take placeholders, so they are restricted to plain identifiers.
var snowflakeIdentifier = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)

// snowflakeAdapter drives Snowflake through gosnowflake. Each query runs on
// a dedicated pool connection so the preparatory session statements
// (warehouse, timeout, cache toggle) bind to the same session as the query
// and a failure in any of them aborts the whole call.
type snowflakeAdapter struct {
	name   string
	desc   Descriptor
	logger *zap.Logger
	dsn    string

	slots   *semaphore.Weighted
	limiter *rate.Limiter

	mu    sync.Mutex
	state connState
	db    *sql.DB
}

func newSnowflakeAdapter(name string, desc Descriptor, logger *zap.Logger) (*snowflakeAdapter, error) {
	cfg, err := buildSnowflakeConfig(desc)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", name, err)
	}
	dsn, err := gosnowflake.DSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("connection %q: build snowflake dsn: %w", name, err)
	}

	a := &snowflakeAdapter{
		name:   name,
		desc:   desc,
		logger: logger,
		dsn:    dsn,
		slots:  semaphore.NewWeighted(snowflakeQuerySlots),
	}
	if qps := desc.GetInt("max_queries_per_second", 0); qps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(qps), qps)
	}
	return a, nil
}

func buildSnowflakeConfig(desc Descriptor) (*gosnowflake.Config, error) {
	var missing []string
	for _, field := range []string{"account", "username", "warehouse", "database", "schema"} {
		if desc.GetString(field, "") == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("snowflake descriptor missing required fields: %s", strings.Join(missing, ", "))
	}

	cfg := &gosnowflake.Config{
		Account:   desc.GetString("account", ""),
		User:      desc.GetString("username", ""),
		Warehouse: desc.GetString("warehouse", ""),
		Database:  desc.GetString("database", ""),
		Schema:    desc.GetString("schema", ""),
		Role:      desc.GetString("role", ""),
		Region:    desc.GetString("region", ""),
	}

	switch {
	case desc.GetString("password", "") != "":
		cfg.Password = desc.GetString("password", "")
	case desc.GetString("private_key", "") != "":
		if desc.GetString("private_key_passphrase", "") != "" {
			return nil, fmt.Errorf("encrypted private keys are not supported; provide an unencrypted PKCS#8 key")
		}
		key, err := parsePrivateKey(desc.GetString("private_key", ""))
		if err != nil {
			return nil, err
		}
		cfg.PrivateKey = key
		cfg.Authenticator = gosnowflake.AuthTypeJwt
	default:
		return nil, fmt.Errorf("snowflake descriptor requires a password or private_key")
	}

	if params, ok := desc["session_parameters"].(map[string]any); ok && len(params) > 0 {
		cfg.Params = make(map[string]*string, len(params))
		for k, v := range params {
			s := fmt.Sprint(v)
			cfg.Params[k] = &s
		}
	}
	return cfg, nil
}

func parsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("private_key is not valid PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private_key must be an RSA key")
	}
	return key, nil
}

func (a *snowflakeAdapter) Kind() string { return KindSnowflake }

func (a *snowflakeAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == stateConnected && a.db != nil {
		return nil
	}

	db, err := sql.Open("snowflake", a.dsn)
	if err != nil {
		return connectionErrorf(err, "failed to open snowflake connection %q", a.name)
	}
	db.SetMaxIdleConns(snowflakeQuerySlots)
	db.SetMaxOpenConns(snowflakeQuerySlots)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return connectionErrorf(err, "failed to connect to snowflake connection %q", a.name)
	}
	if _, err := db.ExecContext(pingCtx, "SELECT 1"); err != nil {
		db.Close()
		return connectionErrorf(err, "liveness probe failed for %q", a.name)
	}

	a.db = db
	a.state = stateConnected
	a.logger.Info("connected", zap.String("connection", a.name), zap.String("kind", KindSnowflake))
	return nil
}

func (a *snowflakeAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	if a.state == stateConnected {
		a.logger.Info("disconnected", zap.String("connection", a.name))
	}
	a.state = stateDisconnected
	return nil
}

// handle returns the live database, connecting lazily when needed. A
// Disconnect racing in after the connect attempt leaves the handle nil, so
// the final read reports that as a connection failure rather than handing a
// nil database to the caller.
func (a *snowflakeAdapter) handle(ctx context.Context) (*sql.DB, error) {
	a.mu.Lock()
	connected := a.state == stateConnected && a.db != nil
	a.mu.Unlock()

	if !connected {
		if err := a.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return a.liveDB()
}

func (a *snowflakeAdapter) liveDB() (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, connectionErrorf(nil, "connection %q was closed", a.name)
	}
	return a.db, nil
}

// acquireSlot takes a query slot and, when a QPS cap is configured, waits for
// the rate limiter. The returned release must be called when done.
func (a *snowflakeAdapter) acquireSlot(ctx context.Context) (func(), error) {
	if err := a.slots.Acquire(ctx, 1); err != nil {
		return nil, queryErrorf(err, "waiting for snowflake query slot on %q", a.name)
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			a.slots.Release(1)
			return nil, queryErrorf(err, "rate limit wait on %q", a.name)
		}
	}
	return func() { a.slots.Release(1) }, nil
}

// sessionStatements builds the preparatory statements for one query.
func (a *snowflakeAdapter) sessionStatements(opts QueryOptions) ([]string, error) {
	warehouse := opts.Warehouse
	if warehouse == "" {
		warehouse = a.desc.GetString("warehouse", "")
	}
	if !snowflakeIdentifier.MatchString(warehouse) {
		return nil, queryErrorf(nil, "invalid warehouse name %q", warehouse)
	}

	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	cached := "FALSE"
	if opts.UseCachedResult {
		cached = "TRUE"
	}

	return []string{
		fmt.Sprintf("USE WAREHOUSE %s", warehouse),
		fmt.Sprintf("ALTER SESSION SET STATEMENT_TIMEOUT_IN_SECONDS = %d", timeout),
		fmt.Sprintf("ALTER SESSION SET USE_CACHED_RESULT = %s", cached),
	}, nil
}

func (a *snowflakeAdapter) ExecuteQuery(ctx context.Context, query string, opts QueryOptions) ([]map[string]any, []string, error) {
	release, err := a.acquireSlot(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	db, err := a.handle(ctx)
	if err != nil {
		return nil, nil, err
	}

	prep, err := a.sessionStatements(opts)
	if err != nil {
		return nil, nil, err
	}

	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	conn, err := db.Conn(queryCtx)
	if err != nil {
		return nil, nil, queryErrorf(err, "failed to acquire connection for %q", a.name)
	}
	defer conn.Close()

	for _, stmt := range prep {
		if _, err := conn.ExecContext(queryCtx, stmt); err != nil {
			return nil, nil, queryErrorf(err, "session setup failed on %q", a.name)
		}
	}

	rows, err := conn.QueryContext(queryCtx, query)
	if err != nil {
		return nil, nil, queryErrorf(err, "snowflake query execution failed on %q", a.name)
	}
	defer rows.Close()

	return scanRows(rows)
}

func (a *snowflakeAdapter) SchemaInfo(ctx context.Context) (*SchemaInfo, error) {
	release, err := a.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	db, err := a.handle(ctx)
	if err != nil {
		return nil, err
	}

	info := &SchemaInfo{
		DatabaseType: KindSnowflake,
		Schemas:      []string{},
		Tables:       map[string][]string{},
		Views:        map[string][]string{},
	}

	show := func(stmt string) ([]map[string]any, error) {
		rows, err := db.QueryContext(ctx, stmt)
		if err != nil {
			return nil, queryErrorf(err, "failed to retrieve snowflake schema info")
		}
		defer rows.Close()
		result, _, err := scanRows(rows)
		return result, err
	}

	databases, err := show("SHOW DATABASES")
	if err != nil {
		return nil, err
	}
	for _, d := range databases {
		if name, ok := d["name"].(string); ok {
			info.Databases = append(info.Databases, name)
		}
	}

	schemas, err := show("SHOW SCHEMAS")
	if err != nil {
		return nil, err
	}
	for _, s := range schemas {
		if name, ok := s["name"].(string); ok {
			info.Schemas = append(info.Schemas, name)
		}
	}

	tables, err := show("SHOW TABLES")
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		schema, _ := t["schema_name"].(string)
		if name, ok := t["name"].(string); ok {
			info.Tables[schema] = append(info.Tables[schema], name)
		}
	}

	views, err := show("SHOW VIEWS")
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		schema, _ := v["schema_name"].(string)
		if name, ok := v["name"].(string); ok {
			info.Views[schema] = append(info.Views[schema], name)
		}
	}

	return info, nil
}

func (a *snowflakeAdapter) TableInfo(ctx context.Context, table, schema string) (*TableInfo, error) {
	release, err := a.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	db, err := a.handle(ctx)
	if err != nil {
		return nil, err
	}

	if !snowflakeIdentifier.MatchString(table) {
		return nil, queryErrorf(nil, "invalid table name %q", table)
	}
	if schema != "" && !snowflakeIdentifier.MatchString(schema) {
		return nil, queryErrorf(nil, "invalid schema name %q", schema)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, queryErrorf(err, "failed to acquire connection for %q", a.name)
	}
	defer conn.Close()

	if schema != "" {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("USE SCHEMA %s", schema)); err != nil {
			return nil, queryErrorf(err, "failed to switch to schema %s on %q", schema, a.name)
		}
	}

	rows, err := conn.QueryContext(ctx, fmt.Sprintf("DESCRIBE TABLE %s", table))
	if err != nil {
		return nil, queryErrorf(err, "failed to describe table %s on %q", table, a.name)
	}
	described, _, err := func() ([]map[string]any, []string, error) {
		defer rows.Close()
		return scanRows(rows)
	}()
	if err != nil {
		return nil, err
	}

	effectiveSchema := schema
	if effectiveSchema == "" {
		effectiveSchema = a.desc.GetString("schema", "")
	}
	info := &TableInfo{Table: table, Schema: effectiveSchema, Columns: []ColumnInfo{}}

	for _, col := range described {
		name, _ := col["name"].(string)
		colType, _ := col["type"].(string)
		info.Columns = append(info.Columns, ColumnInfo{
			Name:       name,
			Type:       colType,
			Nullable:   col["null?"] == "Y",
			Default:    col["default"],
			PrimaryKey: col["primary key"] == "Y",
			UniqueKey:  col["unique key"] == "Y",
		})
	}

	var count int64
	if err := conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err == nil {
		info.RowCount = &count
	} else {
		a.logger.Debug("row count unavailable",
			zap.String("connection", a.name), zap.String("table", table), zap.Error(err))
	}

	return info, nil
}
