package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type clientRow struct {
	ClientID                string         `db:"client_id"`
	ClientSecretHash        sql.NullString `db:"client_secret_hash"`
	ClientIDIssuedAt        int64          `db:"client_id_issued_at"`
	RedirectURIs            stringList     `db:"redirect_uris"`
	GrantTypes              stringList     `db:"grant_types"`
	ResponseTypes           stringList     `db:"response_types"`
	Scope                   sql.NullString `db:"scope"`
	TokenEndpointAuthMethod string         `db:"token_endpoint_auth_method"`
	ClientName              sql.NullString `db:"client_name"`
	ClientURI               sql.NullString `db:"client_uri"`
	LogoURI                 sql.NullString `db:"logo_uri"`
	SoftwareID              sql.NullString `db:"software_id"`
	SoftwareVersion         sql.NullString `db:"software_version"`
	CreatedAt               int64          `db:"created_at"`
	UpdatedAt               int64          `db:"updated_at"`
}

func (r *clientRow) client() *Client {
	return &Client{
		ClientID:                r.ClientID,
		ClientSecretHash:        r.ClientSecretHash.String,
		ClientIDIssuedAt:        r.ClientIDIssuedAt,
		RedirectURIs:            []string(r.RedirectURIs),
		GrantTypes:              []string(r.GrantTypes),
		ResponseTypes:           []string(r.ResponseTypes),
		Scope:                   r.Scope.String,
		TokenEndpointAuthMethod: r.TokenEndpointAuthMethod,
		ClientName:              r.ClientName.String,
		ClientURI:               r.ClientURI.String,
		LogoURI:                 r.LogoURI.String,
		SoftwareID:              r.SoftwareID.String,
		SoftwareVersion:         r.SoftwareVersion.String,
		CreatedAt:               fromMillis(r.CreatedAt),
		UpdatedAt:               fromMillis(r.UpdatedAt),
	}
}

const selectClient = `
	SELECT client_id, client_secret_hash, client_id_issued_at, redirect_uris, grant_types, response_types,
		scope, token_endpoint_auth_method, client_name, client_uri, logo_uri, software_id, software_version,
		created_at, updated_at
	FROM oauth_clients`

// RegisterClient upserts a client by id. Re-registration overwrites the
// metadata but keeps the original creation time.
func (s *Store) RegisterClient(ctx context.Context, client *Client) (*Client, error) {
	if client.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	if len(client.RedirectURIs) == 0 {
		return nil, fmt.Errorf("redirect_uris is required")
	}

	now := s.now()
	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := s.db.Rebind(`
		INSERT INTO oauth_clients
			(client_id, client_secret_hash, client_id_issued_at, redirect_uris, grant_types, response_types, scope,
			 token_endpoint_auth_method, client_name, client_uri, logo_uri, software_id, software_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id)
		DO UPDATE SET
			client_secret_hash = excluded.client_secret_hash,
			client_id_issued_at = excluded.client_id_issued_at,
			redirect_uris = excluded.redirect_uris,
			grant_types = excluded.grant_types,
			response_types = excluded.response_types,
			scope = excluded.scope,
			token_endpoint_auth_method = excluded.token_endpoint_auth_method,
			client_name = excluded.client_name,
			client_uri = excluded.client_uri,
			logo_uri = excluded.logo_uri,
			software_id = excluded.software_id,
			software_version = excluded.software_version,
			updated_at = excluded.updated_at
	`)

	_, err := s.db.ExecContext(ctx, query,
		client.ClientID,
		nullableString(client.ClientSecretHash),
		client.ClientIDIssuedAt,
		s.dialect.list(client.RedirectURIs),
		s.dialect.list(client.GrantTypes),
		s.dialect.list(client.ResponseTypes),
		nullableString(client.Scope),
		client.TokenEndpointAuthMethod,
		nullableString(client.ClientName),
		nullableString(client.ClientURI),
		nullableString(client.LogoURI),
		nullableString(client.SoftwareID),
		nullableString(client.SoftwareVersion),
		toMillis(createdAt),
		toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("saving client %s: %w", client.ClientID, err)
	}
	return s.GetClient(ctx, client.ClientID)
}

// GetClient fetches an OAuth client by id.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var row clientRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(selectClient+` WHERE client_id = ?`), clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading client %s: %w", clientID, err)
	}
	return row.client(), nil
}

// DeleteClient removes a client registration.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM oauth_clients WHERE client_id = ?`), clientID)
	if err != nil {
		return false, fmt.Errorf("deleting client %s: %w", clientID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListClients returns all clients, newest first.
func (s *Store) ListClients(ctx context.Context) ([]*Client, error) {
	var rows []clientRow
	if err := s.db.SelectContext(ctx, &rows, selectClient+` ORDER BY created_at DESC, client_id ASC`); err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	clients := make([]*Client, 0, len(rows))
	for i := range rows {
		clients = append(clients, rows[i].client())
	}
	return clients, nil
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}
