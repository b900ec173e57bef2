package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Connection pool defaults shared by all database/sql backed adapters.
const (
	connectTimeout     = 10 * time.Second
	maxConnectionsIdle = 5
	maxConnectionsOpen = 10
	connMaxLifetime    = time.Hour
)

// sqlAdapter drives PostgreSQL, MySQL, SQLite, and generic backends through
// database/sql. The driver's pool serializes nothing itself, so the adapter
// may serve concurrent queries; session-scoped statements (timeouts,
// read-only mode) run on a dedicated pool connection.
type sqlAdapter struct {
	name   string
	kind   string
	desc   Descriptor
	logger *zap.Logger

	driver string
	dsn    string

	mu    sync.Mutex
	state connState
	db    *sql.DB
}

func newSQLAdapter(name string, desc Descriptor, logger *zap.Logger) (*sqlAdapter, error) {
	kind := desc.Kind()
	driver, dsn, err := buildDSN(kind, desc)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", name, err)
	}

	return &sqlAdapter{
		name:   name,
		kind:   kind,
		desc:   desc,
		logger: logger,
		driver: driver,
		dsn:    dsn,
	}, nil
}

// buildDSN constructs the driver name and DSN for a descriptor. All required
// fields are checked here so an invalid descriptor fails at dispatcher
// rebuild time, not on first query.
func buildDSN(kind string, desc Descriptor) (driver, dsn string, err error) {
	switch kind {
	case KindPostgreSQL:
		database := desc.GetString("database", "")
		if database == "" {
			return "", "", fmt.Errorf("postgresql descriptor requires a database")
		}
		host := desc.GetString("host", "localhost")
		port := desc.GetInt("port", 5432)
		username := desc.GetString("username", "postgres")
		password := desc.GetString("password", "")
		sslmode := desc.GetString("ssl_mode", "prefer")

		auth := url.UserPassword(username, password).String()
		return "postgres", fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s",
			auth, host, port, database, sslmode), nil

	case KindMySQL:
		database := desc.GetString("database", "")
		if database == "" {
			return "", "", fmt.Errorf("mysql descriptor requires a database")
		}
		host := desc.GetString("host", "localhost")
		port := desc.GetInt("port", 3306)
		username := desc.GetString("username", "root")
		password := desc.GetString("password", "")
		charset := desc.GetString("charset", "utf8mb4")

		return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true",
			username, password, host, port, database, charset), nil

	case KindSQLite:
		path := desc.GetString("database", "")
		if path == "" {
			return "", "", fmt.Errorf("sqlite descriptor requires a database file path")
		}
		return "sqlite", path, nil

	case KindGeneric, "":
		driver := desc.GetString("driver", "")
		dsn := desc.GetString("dsn", "")
		if driver == "" || dsn == "" {
			return "", "", fmt.Errorf("generic descriptor requires driver and dsn")
		}
		return driver, dsn, nil

	default:
		// Unknown kinds route through the generic path so adding a backend
		// does not require touching the dispatcher.
		driver := desc.GetString("driver", "")
		dsn := desc.GetString("dsn", "")
		if driver == "" || dsn == "" {
			return "", "", fmt.Errorf("unsupported database type %q (set driver and dsn to use it generically)", kind)
		}
		return driver, dsn, nil
	}
}

func (a *sqlAdapter) Kind() string {
	if a.kind == "" {
		return KindGeneric
	}
	return a.kind
}

func (a *sqlAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == stateConnected && a.db != nil {
		return nil
	}

	db, err := sql.Open(a.driver, a.dsn)
	if err != nil {
		return connectionErrorf(err, "failed to open %s connection %q", a.Kind(), a.name)
	}

	db.SetMaxIdleConns(maxConnectionsIdle)
	db.SetMaxOpenConns(maxConnectionsOpen)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return connectionErrorf(err, "failed to connect to %s connection %q", a.Kind(), a.name)
	}
	if _, err := db.ExecContext(pingCtx, "SELECT 1"); err != nil {
		db.Close()
		return connectionErrorf(err, "liveness probe failed for %q", a.name)
	}

	a.db = db
	a.state = stateConnected
	a.logger.Info("connected", zap.String("connection", a.name), zap.String("kind", a.Kind()))
	return nil
}

// enforceReadOnly applies backend session hardening on top of the textual
// guard. It must run on the same pool connection as the query it protects;
// statements issued through the bare *sql.DB land on an arbitrary pooled
// connection. Best effort: a failure is logged, never fatal.
func (a *sqlAdapter) enforceReadOnly(ctx context.Context, conn *sql.Conn) {
	var stmt string
	switch a.kind {
	case KindPostgreSQL:
		stmt = "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY"
	case KindMySQL:
		stmt = "SET SESSION TRANSACTION READ ONLY"
	case KindSQLite:
		stmt = "PRAGMA query_only = ON"
	default:
		return
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		a.logger.Warn("could not set read-only session mode",
			zap.String("connection", a.name), zap.Error(err))
	}
}

func (a *sqlAdapter) Disconnect() error {
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
func (a *sqlAdapter) handle(ctx context.Context) (*sql.DB, error) {
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

func (a *sqlAdapter) liveDB() (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, connectionErrorf(nil, "connection %q was closed", a.name)
	}
	return a.db, nil
}

func (a *sqlAdapter) ExecuteQuery(ctx context.Context, query string, opts QueryOptions) ([]map[string]any, []string, error) {
	db, err := a.handle(ctx)
	if err != nil {
		return nil, nil, err
	}

	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	// Session read-only and timeout statements must land on the same
	// connection as the query, so take one out of the pool for the duration
	// of the call.
	conn, err := db.Conn(queryCtx)
	if err != nil {
		return nil, nil, queryErrorf(err, "failed to acquire connection for %q", a.name)
	}
	defer conn.Close()

	a.enforceReadOnly(queryCtx, conn)

	switch a.kind {
	case KindPostgreSQL:
		if _, err := conn.ExecContext(queryCtx, fmt.Sprintf("SET statement_timeout = %d", timeout*1000)); err != nil {
			return nil, nil, queryErrorf(err, "failed to set statement timeout on %q", a.name)
		}
	case KindMySQL:
		if _, err := conn.ExecContext(queryCtx, fmt.Sprintf("SET SESSION max_execution_time = %d", timeout*1000)); err != nil {
			return nil, nil, queryErrorf(err, "failed to set statement timeout on %q", a.name)
		}
	}

	rows, err := conn.QueryContext(queryCtx, query)
	if err != nil {
		return nil, nil, queryErrorf(err, "query execution failed on %q", a.name)
	}
	defer rows.Close()

	return scanRows(rows)
}

// scanRows reads every row into a field-name keyed map, converting []byte to
// string for JSON serialization.
func scanRows(rows *sql.Rows) ([]map[string]any, []string, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, queryErrorf(err, "failed to read result columns")
	}

	results := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, nil, queryErrorf(err, "failed to scan row %d", len(results)+1)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, queryErrorf(err, "row iteration failed")
	}
	return results, columns, nil
}

func (a *sqlAdapter) SchemaInfo(ctx context.Context) (*SchemaInfo, error) {
	db, err := a.handle(ctx)
	if err != nil {
		return nil, err
	}

	info := &SchemaInfo{
		DatabaseType: a.Kind(),
		Schemas:      []string{},
		Tables:       map[string][]string{},
		Views:        map[string][]string{},
	}

	switch a.kind {
	case KindPostgreSQL:
		if err := readStrings(ctx, db, &info.Schemas, `
			SELECT schema_name
			FROM information_schema.schemata
			WHERE schema_name NOT IN ('information_schema', 'pg_catalog', 'pg_toast')
			ORDER BY schema_name`); err != nil {
			return nil, err
		}
		return info, readTablesAndViews(ctx, db, info, `
			SELECT table_schema, table_name, table_type
			FROM information_schema.tables
			WHERE table_schema NOT IN ('information_schema', 'pg_catalog')
			ORDER BY table_schema, table_name`)

	case KindMySQL:
		if err := readStrings(ctx, db, &info.Schemas, "SHOW DATABASES"); err != nil {
			return nil, err
		}
		return info, readTablesAndViews(ctx, db, info, `
			SELECT table_schema, table_name, table_type
			FROM information_schema.tables
			WHERE table_schema NOT IN ('information_schema', 'mysql', 'performance_schema', 'sys')
			ORDER BY table_schema, table_name`)

	case KindSQLite:
		// SQLite has a single implicit schema.
		info.Schemas = []string{"main"}
		rows, err := db.QueryContext(ctx, `
			SELECT name, type
			FROM sqlite_master
			WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
			ORDER BY name`)
		if err != nil {
			return nil, queryErrorf(err, "failed to read sqlite_master on %q", a.name)
		}
		defer rows.Close()

		for rows.Next() {
			var name, typ string
			if err := rows.Scan(&name, &typ); err != nil {
				return nil, queryErrorf(err, "failed to scan sqlite_master row")
			}
			if typ == "table" {
				info.Tables["main"] = append(info.Tables["main"], name)
			} else {
				info.Views["main"] = append(info.Views["main"], name)
			}
		}
		return info, rows.Err()

	default:
		return nil, queryErrorf(nil, "schema introspection not supported for %s connection %q", a.Kind(), a.name)
	}
}

func readStrings(ctx context.Context, db *sql.DB, out *[]string, query string) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return queryErrorf(err, "failed to retrieve schema info")
	}
	defer rows.Close()

	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return queryErrorf(err, "failed to scan schema name")
		}
		*out = append(*out, s)
	}
	return rows.Err()
}

func readTablesAndViews(ctx context.Context, db *sql.DB, info *SchemaInfo, query string) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return queryErrorf(err, "failed to retrieve table list")
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, typ string
		if err := rows.Scan(&schema, &table, &typ); err != nil {
			return queryErrorf(err, "failed to scan table row")
		}
		switch strings.ToUpper(typ) {
		case "BASE TABLE", "TABLE":
			info.Tables[schema] = append(info.Tables[schema], table)
		case "VIEW":
			info.Views[schema] = append(info.Views[schema], table)
		}
	}
	return rows.Err()
}

func (a *sqlAdapter) TableInfo(ctx context.Context, table, schema string) (*TableInfo, error) {
	db, err := a.handle(ctx)
	if err != nil {
		return nil, err
	}

	info := &TableInfo{Table: table, Schema: schema, Columns: []ColumnInfo{}}

	switch a.kind {
	case KindPostgreSQL, KindMySQL:
		query := `
			SELECT column_name, data_type, is_nullable, column_default
			FROM information_schema.columns
			WHERE table_name = $1 AND ($2 = '' OR table_schema = $2)
			ORDER BY ordinal_position`
		args := []any{table, schema}
		if a.kind == KindMySQL {
			query = strings.NewReplacer("$1", "?", "$2", "?").Replace(query)
			args = []any{table, schema, schema}
		}

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, queryErrorf(err, "failed to get table info for %s on %q", table, a.name)
		}
		defer rows.Close()

		for rows.Next() {
			var name, dataType, isNullable string
			var colDefault sql.NullString
			if err := rows.Scan(&name, &dataType, &isNullable, &colDefault); err != nil {
				return nil, queryErrorf(err, "failed to scan column info")
			}
			col := ColumnInfo{Name: name, Type: dataType, Nullable: isNullable == "YES"}
			if colDefault.Valid {
				col.Default = colDefault.String
			}
			info.Columns = append(info.Columns, col)
		}
		if err := rows.Err(); err != nil {
			return nil, queryErrorf(err, "failed reading column info")
		}

	case KindSQLite:
		// PRAGMA table_info cannot take placeholders; escape the name.
		quoted := strings.ReplaceAll(table, "'", "''")
		rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info('%s')", quoted))
		if err != nil {
			return nil, queryErrorf(err, "failed to get table info for %s on %q", table, a.name)
		}
		defer rows.Close()

		for rows.Next() {
			var cid, notNull, pk int
			var name, colType string
			var dfltValue sql.NullString
			if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
				return nil, queryErrorf(err, "failed to scan column info")
			}
			col := ColumnInfo{Name: name, Type: colType, Nullable: notNull == 0, PrimaryKey: pk > 0}
			if dfltValue.Valid {
				col.Default = dfltValue.String
			}
			info.Columns = append(info.Columns, col)
		}
		if err := rows.Err(); err != nil {
			return nil, queryErrorf(err, "failed reading column info")
		}

	default:
		return nil, queryErrorf(nil, "table info not supported for %s connection %q", a.Kind(), a.name)
	}

	info.RowCount = a.countRows(ctx, db, table, schema)
	return info, nil
}

// countRows is best effort: nil when the count fails (permissions, huge
// table timeouts) rather than failing the whole introspection.
func (a *sqlAdapter) countRows(ctx context.Context, db *sql.DB, table, schema string) *int64 {
	target := a.quoteIdentifier(table)
	if schema != "" && a.kind != KindSQLite {
		target = a.quoteIdentifier(schema) + "." + target
	}

	var count int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+target).Scan(&count); err != nil {
		a.logger.Debug("row count unavailable",
			zap.String("connection", a.name), zap.String("table", table), zap.Error(err))
		return nil
	}
	return &count
}

// quoteIdentifier quotes an identifier in the backend's dialect, doubling
// any embedded quote characters.
func (a *sqlAdapter) quoteIdentifier(name string) string {
	if a.kind == KindMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
