package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// codeBackend stores authorization codes keyed by hash.
type codeBackend interface {
	saveCode(ctx context.Context, rec *AuthorizationCode) error
	getCode(ctx context.Context, hash string) (*AuthorizationCode, error)
	deleteCode(ctx context.Context, hash string) (bool, error)
	countCodes(ctx context.Context, now time.Time) (total, expired int64, err error)
	deleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

// StoreAuthorizationCode persists a freshly minted code for client.
func (s *Store) StoreAuthorizationCode(ctx context.Context, code string, client *Client, params AuthorizationParams, ttl time.Duration) error {
	now := s.now()
	rec := &AuthorizationCode{
		CodeHash:      HashToken(code),
		ClientID:      client.ClientID,
		RedirectURI:   params.RedirectURI,
		Scopes:        params.Scopes,
		Resource:      params.Resource,
		CodeChallenge: params.CodeChallenge,
		State:         params.State,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := s.codes.saveCode(ctx, rec); err != nil {
		return fmt.Errorf("storing authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode returns the code record. An expired code is deleted
// and reported as ErrNotFound.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	hash := HashToken(code)
	rec, err := s.codes.getCode(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !rec.ExpiresAt.After(s.now()) {
		if _, err := s.codes.deleteCode(ctx, hash); err != nil {
			s.logger.Warn("failed to delete expired authorization code", "error", err)
		}
		return nil, ErrNotFound
	}
	return rec, nil
}

// DeleteAuthorizationCode removes a code and reports whether it existed.
// Exactly one concurrent caller observes true.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (bool, error) {
	return s.codes.deleteCode(ctx, HashToken(code))
}

type sqlCodes struct {
	store *Store
}

type codeRow struct {
	CodeHash      string     `db:"code_hash"`
	ClientID      string     `db:"client_id"`
	RedirectURI   string     `db:"redirect_uri"`
	Scopes        stringList `db:"scopes"`
	Resource      string     `db:"resource"`
	CodeChallenge string     `db:"code_challenge"`
	State         string     `db:"state"`
	CreatedAt     int64      `db:"created_at"`
	ExpiresAt     int64      `db:"expires_at"`
}

func (c *sqlCodes) saveCode(ctx context.Context, rec *AuthorizationCode) error {
	db := c.store.db
	query := db.Rebind(`
		INSERT INTO oauth_authorization_codes
			(code_hash, client_id, redirect_uri, scopes, resource, code_challenge, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := db.ExecContext(ctx, query,
		rec.CodeHash,
		rec.ClientID,
		rec.RedirectURI,
		c.store.dialect.list(rec.Scopes),
		rec.Resource,
		rec.CodeChallenge,
		rec.State,
		toMillis(rec.CreatedAt),
		toMillis(rec.ExpiresAt),
	)
	return err
}

func (c *sqlCodes) getCode(ctx context.Context, hash string) (*AuthorizationCode, error) {
	db := c.store.db
	var row codeRow
	err := db.GetContext(ctx, &row, db.Rebind(`
		SELECT code_hash, client_id, redirect_uri, scopes, resource, code_challenge, state, created_at, expires_at
		FROM oauth_authorization_codes
		WHERE code_hash = ?
	`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading authorization code: %w", err)
	}
	return &AuthorizationCode{
		CodeHash:      row.CodeHash,
		ClientID:      row.ClientID,
		RedirectURI:   row.RedirectURI,
		Scopes:        []string(row.Scopes),
		Resource:      row.Resource,
		CodeChallenge: row.CodeChallenge,
		State:         row.State,
		CreatedAt:     fromMillis(row.CreatedAt),
		ExpiresAt:     fromMillis(row.ExpiresAt),
	}, nil
}

func (c *sqlCodes) deleteCode(ctx context.Context, hash string) (bool, error) {
	db := c.store.db
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM oauth_authorization_codes WHERE code_hash = ?`), hash)
	if err != nil {
		return false, fmt.Errorf("deleting authorization code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *sqlCodes) countCodes(ctx context.Context, now time.Time) (int64, int64, error) {
	db := c.store.db
	var counts struct {
		Total   int64 `db:"total"`
		Expired int64 `db:"expired"`
	}
	err := db.GetContext(ctx, &counts, db.Rebind(`
		SELECT COUNT(*) AS total, COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) AS expired
		FROM oauth_authorization_codes
	`), toMillis(now))
	if err != nil {
		return 0, 0, fmt.Errorf("counting authorization codes: %w", err)
	}
	return counts.Total, counts.Expired, nil
}

func (c *sqlCodes) deleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	db := c.store.db
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM oauth_authorization_codes WHERE expires_at <= ?`), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired authorization codes: %w", err)
	}
	return res.RowsAffected()
}

// redisCodes keeps codes as JSON values whose key TTL matches the code expiry.
type redisCodes struct {
	client *redis.Client
	prefix string
}

func (r *redisCodes) key(hash string) string {
	return r.prefix + hash
}

func (r *redisCodes) saveCode(ctx context.Context, rec *AuthorizationCode) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code ttl must be positive")
	}
	return r.client.Set(ctx, r.key(rec.CodeHash), payload, ttl).Err()
}

func (r *redisCodes) getCode(ctx context.Context, hash string) (*AuthorizationCode, error) {
	val, err := r.client.Get(ctx, r.key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading authorization code: %w", err)
	}
	var rec AuthorizationCode
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decoding authorization code: %w", err)
	}
	return &rec, nil
}

func (r *redisCodes) deleteCode(ctx context.Context, hash string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(hash)).Result()
	if err != nil {
		return false, fmt.Errorf("deleting authorization code: %w", err)
	}
	return n == 1, nil
}

func (r *redisCodes) scan(ctx context.Context, fn func(key string, rec *AuthorizationCode) error) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		var rec AuthorizationCode
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decoding authorization code %s: %w", key, err)
		}
		if err := fn(key, &rec); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *redisCodes) countCodes(ctx context.Context, now time.Time) (int64, int64, error) {
	var total, expired int64
	err := r.scan(ctx, func(_ string, rec *AuthorizationCode) error {
		total++
		if !rec.ExpiresAt.After(now) {
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("counting authorization codes: %w", err)
	}
	return total, expired, nil
}

func (r *redisCodes) deleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := r.scan(ctx, func(key string, rec *AuthorizationCode) error {
		if rec.ExpiresAt.After(now) {
			return nil
		}
		n, err := r.client.Del(ctx, key).Result()
		if err != nil {
			return err
		}
		deleted += n
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("deleting expired authorization codes: %w", err)
	}
	return deleted, nil
}
