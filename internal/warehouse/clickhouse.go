// Package warehouse runs read-only queries against ClickHouse for the
// clickhouse_* tools.
package warehouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/providentiaww/remote-mcp-server/internal/models"
)

// DefaultMaxRows caps the rows returned by a single query.
const DefaultMaxRows = 1000

// Warehouse lists tables, describes them and runs read-only queries.
type Warehouse interface {
	ListTables(ctx context.Context) ([]models.Table, error)
	TableSchema(ctx context.Context, table string) ([]models.Column, error)
	Query(ctx context.Context, query string) (*models.QueryResult, error)
}

// Config locates the ClickHouse server. Host may carry an http:// or
// https:// scheme to select the HTTP interface; otherwise the native
// protocol is used.
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	DialTimeout time.Duration
	MaxRows     int
}

// ClickHouse is a Warehouse backed by a clickhouse-go connection that sends
// readonly=1 with every query.
type ClickHouse struct {
	conn    driver.Conn
	maxRows int
	logger  *slog.Logger
}

// Open creates the connection pool. Connections are dialed lazily.
func Open(cfg Config, logger *slog.Logger) (*ClickHouse, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse: %w", err)
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &ClickHouse{
		conn:    conn,
		maxRows: maxRows,
		logger:  logger.With("component", "warehouse", "addr", opts.Addr[0]),
	}, nil
}

func options(cfg Config) (*clickhouse.Options, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("CLICKHOUSE_HOST is required")
	}
	host := cfg.Host
	protocol := clickhouse.Native
	var tlsConfig *tls.Config
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("invalid CLICKHOUSE_HOST: %w", err)
		}
		switch u.Scheme {
		case "http":
			protocol = clickhouse.HTTP
		case "https":
			protocol = clickhouse.HTTP
			tlsConfig = &tls.Config{ServerName: u.Hostname()}
		default:
			return nil, fmt.Errorf("unsupported CLICKHOUSE_HOST scheme %q", u.Scheme)
		}
		host = u.Host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := cfg.Port
		if port == 0 {
			port = defaultPort(protocol, tlsConfig != nil)
		}
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &clickhouse.Options{
		Addr:     []string{host},
		Protocol: protocol,
		TLS:      tlsConfig,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"readonly": 1,
		},
		DialTimeout: dialTimeout,
	}, nil
}

func defaultPort(protocol clickhouse.Protocol, secure bool) int {
	switch {
	case protocol == clickhouse.HTTP && secure:
		return 8443
	case protocol == clickhouse.HTTP:
		return 8123
	default:
		return 9000
	}
}

// Ping checks connectivity.
func (c *ClickHouse) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close closes the connection pool.
func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

func (c *ClickHouse) ListTables(ctx context.Context) ([]models.Table, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT
			t.database,
			t.name,
			t.engine,
			t.comment,
			t.total_rows,
			countIf(c.name != '') AS total_columns
		FROM system.tables AS t
		LEFT JOIN system.columns AS c ON c.database = t.database AND c.table = t.name
		WHERE t.database = currentDatabase()
		GROUP BY t.database, t.name, t.engine, t.comment, t.total_rows
		ORDER BY t.name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var tables []models.Table
	for rows.Next() {
		var (
			t         models.Table
			totalRows *uint64
		)
		if err := rows.Scan(&t.Database, &t.Name, &t.Engine, &t.Comment, &totalRows, &t.Columns); err != nil {
			return nil, fmt.Errorf("scanning table: %w", err)
		}
		if totalRows != nil {
			t.TotalRows = *totalRows
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	return tables, nil
}

func (c *ClickHouse) TableSchema(ctx context.Context, table string) ([]models.Column, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT name, type, default_kind, default_expression, comment
		FROM system.columns
		WHERE database = currentDatabase() AND table = ?
		ORDER BY position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("loading schema of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var col models.Column
		if err := rows.Scan(&col.Name, &col.Type, &col.DefaultKind, &col.DefaultExpression, &col.Comment); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading schema of %s: %w", table, err)
	}
	return columns, nil
}

// Query runs query and returns at most MaxRows rows.
func (c *ClickHouse) Query(ctx context.Context, query string) (*models.QueryResult, error) {
	start := time.Now()
	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	defer rows.Close()

	types := rows.ColumnTypes()
	result := &models.QueryResult{
		Meta: make([]models.ColumnMeta, len(types)),
		Data: []map[string]any{},
	}
	for i, ct := range types {
		result.Meta[i] = models.ColumnMeta{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	for rows.Next() {
		if result.Rows == c.maxRows {
			result.Truncated = true
			break
		}
		dest := make([]any, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(map[string]any, len(types))
		for i, ct := range types {
			row[ct.Name()] = reflect.ValueOf(dest[i]).Elem().Interface()
		}
		result.Data = append(result.Data, row)
		result.Rows++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	c.logger.Debug("query finished", "rows", result.Rows, "truncated", result.Truncated, "duration", time.Since(start))
	return result, nil
}
