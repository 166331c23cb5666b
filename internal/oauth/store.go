package oauth

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// TokenStore persists authorization codes and tokens.
type TokenStore interface {
	StoreAuthorizationCode(ctx context.Context, code string, client *Client, params AuthorizationParams, ttl time.Duration) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	DeleteAuthorizationCode(ctx context.Context, code string) (bool, error)
	StoreAccessToken(ctx context.Context, token, clientID string, scopes []string, ttl time.Duration, resource string) error
	StoreRefreshToken(ctx context.Context, token, clientID string, scopes []string, ttl time.Duration, resource string) error
	GetToken(ctx context.Context, token string) (*AuthInfo, error)
	DeleteToken(ctx context.Context, token string) (bool, error)
	RevokeTokensForClient(ctx context.Context, clientID string) (int64, error)
	CleanupExpired(ctx context.Context) (CleanupResult, error)
	GetTokenStats(ctx context.Context) (TokenStats, error)
}

// ClientRegistry persists client registrations.
type ClientRegistry interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
	RegisterClient(ctx context.Context, client *Client) (*Client, error)
	DeleteClient(ctx context.Context, clientID string) (bool, error)
	ListClients(ctx context.Context) ([]*Client, error)
}

// StoreConfig configures OpenStore.
type StoreConfig struct {
	Driver          string
	DSN             string
	RedisURL        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store provides persistence for OAuth data. Clients and tokens live in SQL;
// authorization codes live in SQL or, when configured, Redis.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	redis   *redis.Client
	codes   codeBackend
	logger  *slog.Logger
	now     func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithRedisCodes keeps authorization codes in Redis under prefix.
func WithRedisCodes(client *redis.Client, prefix string) StoreOption {
	return func(s *Store) {
		s.redis = client
		s.codes = &redisCodes{client: client, prefix: prefix}
	}
}

// OpenStore connects to the configured database and optional Redis.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	driverName := cfg.Driver
	if driverName == "" {
		driverName = "postgres"
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sqlx.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driverName, err)
	}
	if driverName == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 5))
		db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 2))
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driverName, err)
	}

	opts := []StoreOption{WithStoreLogger(logger)}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(redisOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		opts = append(opts, WithRedisCodes(rdb, "oauth:code:"))
	}

	store, err := NewStore(ctx, db, opts...)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an open database and creates the schema.
func NewStore(ctx context.Context, db *sqlx.DB, opts ...StoreOption) (*Store, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:      db,
		dialect: d,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "oauth-store")
	if s.codes == nil {
		s.codes = &sqlCodes{store: s}
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes connections.
func (s *Store) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies database and Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	list := s.dialect.listColumn
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS oauth_clients (
			client_id VARCHAR(255) PRIMARY KEY,
			client_secret_hash TEXT,
			client_id_issued_at BIGINT NOT NULL DEFAULT 0,
			redirect_uris %[1]s NOT NULL,
			grant_types %[1]s NOT NULL,
			response_types %[1]s NOT NULL,
			scope TEXT,
			token_endpoint_auth_method VARCHAR(50) NOT NULL,
			client_name TEXT,
			client_uri TEXT,
			logo_uri TEXT,
			software_id TEXT,
			software_version TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, list),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
			code_hash TEXT PRIMARY KEY,
			client_id VARCHAR(255) NOT NULL,
			redirect_uri TEXT NOT NULL,
			scopes %s NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			code_challenge TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`, list),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS oauth_tokens (
			token_hash TEXT PRIMARY KEY,
			client_id VARCHAR(255) NOT NULL,
			token_type VARCHAR(16) NOT NULL,
			scopes %s NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`, list),
		`CREATE INDEX IF NOT EXISTS idx_oauth_clients_created ON oauth_clients(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_codes_expires ON oauth_authorization_codes(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_tokens_expires ON oauth_tokens(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_tokens_client ON oauth_tokens(client_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating oauth schema: %w", err)
		}
	}
	return nil
}

type dialect struct {
	name       string
	listColumn string
}

func dialectFor(driverName string) (dialect, error) {
	switch driverName {
	case "postgres":
		return dialect{name: "postgres", listColumn: "TEXT[]"}, nil
	case "sqlite":
		return dialect{name: "sqlite", listColumn: "TEXT"}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driverName)
	}
}

// list encodes a string slice for the dialect's list column.
func (d dialect) list(values []string) driver.Valuer {
	if values == nil {
		values = []string{}
	}
	if d.name == "postgres" {
		return pq.StringArray(values)
	}
	return jsonList(values)
}

type jsonList []string

func (l jsonList) Value() (driver.Value, error) {
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// stringList scans either a Postgres array literal or a JSON array.
type stringList []string

func (l *stringList) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = string(v)
	case string:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into string list", src)
	}

	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var arr pq.StringArray
		if err := arr.Scan(raw); err != nil {
			return err
		}
		*l = stringList(arr)
		return nil
	}
	if raw == "" {
		*l = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return fmt.Errorf("decoding string list: %w", err)
	}
	*l = out
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
