package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type tokenRow struct {
	TokenHash string     `db:"token_hash"`
	ClientID  string     `db:"client_id"`
	TokenType string     `db:"token_type"`
	Scopes    stringList `db:"scopes"`
	Resource  string     `db:"resource"`
	CreatedAt int64      `db:"created_at"`
	ExpiresAt int64      `db:"expires_at"`
}

// StoreAccessToken persists an access token.
func (s *Store) StoreAccessToken(ctx context.Context, token, clientID string, scopes []string, ttl time.Duration, resource string) error {
	return s.storeToken(ctx, TokenKindAccess, token, clientID, scopes, ttl, resource)
}

// StoreRefreshToken persists a refresh token.
func (s *Store) StoreRefreshToken(ctx context.Context, token, clientID string, scopes []string, ttl time.Duration, resource string) error {
	return s.storeToken(ctx, TokenKindRefresh, token, clientID, scopes, ttl, resource)
}

func (s *Store) storeToken(ctx context.Context, kind TokenKind, token, clientID string, scopes []string, ttl time.Duration, resource string) error {
	now := s.now()
	query := s.db.Rebind(`
		INSERT INTO oauth_tokens (token_hash, client_id, token_type, scopes, resource, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		HashToken(token),
		clientID,
		string(kind),
		s.dialect.list(scopes),
		resource,
		toMillis(now),
		toMillis(now.Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("storing %s token: %w", kind, err)
	}
	return nil
}

// GetToken resolves a token. Expired tokens are deleted and reported as ErrNotFound.
func (s *Store) GetToken(ctx context.Context, token string) (*AuthInfo, error) {
	hash := HashToken(token)
	var row tokenRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT token_hash, client_id, token_type, scopes, resource, created_at, expires_at
		FROM oauth_tokens
		WHERE token_hash = ?
	`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	now := toMillis(s.now())
	if row.ExpiresAt <= now {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM oauth_tokens WHERE token_hash = ? AND expires_at <= ?`), hash, now)
		if err != nil {
			s.logger.Warn("failed to delete expired token", "error", err)
		}
		return nil, ErrNotFound
	}

	return &AuthInfo{
		Token:     token,
		ClientID:  row.ClientID,
		Scopes:    []string(row.Scopes),
		Resource:  row.Resource,
		Kind:      TokenKind(row.TokenType),
		ExpiresAt: fromMillis(row.ExpiresAt),
	}, nil
}

// DeleteToken removes a token and reports whether it existed.
func (s *Store) DeleteToken(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM oauth_tokens WHERE token_hash = ?`), HashToken(token))
	if err != nil {
		return false, fmt.Errorf("deleting token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevokeTokensForClient deletes every token issued to clientID.
func (s *Store) RevokeTokensForClient(ctx context.Context, clientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM oauth_tokens WHERE client_id = ?`), clientID)
	if err != nil {
		return 0, fmt.Errorf("revoking tokens for client %s: %w", clientID, err)
	}
	return res.RowsAffected()
}

// CleanupExpired deletes every expired token and authorization code.
func (s *Store) CleanupExpired(ctx context.Context) (CleanupResult, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM oauth_tokens WHERE expires_at <= ?`), toMillis(now))
	if err != nil {
		return CleanupResult{}, fmt.Errorf("deleting expired tokens: %w", err)
	}
	tokens, err := res.RowsAffected()
	if err != nil {
		return CleanupResult{}, err
	}

	codes, err := s.codes.deleteExpiredCodes(ctx, now)
	if err != nil {
		return CleanupResult{Tokens: tokens, Codes: codes}, err
	}
	return CleanupResult{Tokens: tokens, Codes: codes}, nil
}

// GetTokenStats counts tokens and codes by expiry.
func (s *Store) GetTokenStats(ctx context.Context) (TokenStats, error) {
	now := s.now()
	var counts struct {
		Total   int64 `db:"total"`
		Expired int64 `db:"expired"`
	}
	err := s.db.GetContext(ctx, &counts, s.db.Rebind(`
		SELECT COUNT(*) AS total, COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) AS expired
		FROM oauth_tokens
	`), toMillis(now))
	if err != nil {
		return TokenStats{}, fmt.Errorf("counting tokens: %w", err)
	}

	totalCodes, expiredCodes, err := s.codes.countCodes(ctx, now)
	if err != nil {
		return TokenStats{}, err
	}

	return TokenStats{
		TotalTokens:   counts.Total,
		ActiveTokens:  counts.Total - counts.Expired,
		ExpiredTokens: counts.Expired,
		TotalCodes:    totalCodes,
		ActiveCodes:   totalCodes - expiredCodes,
		ExpiredCodes:  expiredCodes,
	}, nil
}
