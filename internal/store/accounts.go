package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"social-post-scheduler/internal/models"
)

// ErrNoAccount is returned when a client has not connected the platform yet.
// The processor treats it as an ordinary retryable failure: the account may be
// connected before the retry budget runs out.
var ErrNoAccount = errors.New("account not connected")

// LookupAccount resolves the stored credentials for a client on a platform.
// Each platform has its own account table, filled by the OAuth connect flows.
func (s *Store) LookupAccount(ctx context.Context, clientID string, platform models.Platform) (models.Account, error) {
	acc := models.Account{ClientID: clientID, Platform: platform}
	var err error

	switch platform {
	case models.PlatformInstagram:
		err = s.pool.QueryRow(ctx, `
			SELECT instagram_account_id, access_token FROM instagram_accounts
			WHERE client_id = $1 ORDER BY created_at DESC LIMIT 1
		`, clientID).Scan(&acc.AccountRef, &acc.AccessToken)
	case models.PlatformFacebook:
		err = s.pool.QueryRow(ctx, `
			SELECT page_id, access_token FROM facebook_pages
			WHERE client_id = $1 ORDER BY created_at DESC LIMIT 1
		`, clientID).Scan(&acc.AccountRef, &acc.AccessToken)
	case models.PlatformTwitter:
		err = s.pool.QueryRow(ctx, `
			SELECT oauth_token, oauth_token_secret FROM twitter_accounts
			WHERE client_id = $1 ORDER BY created_at DESC LIMIT 1
		`, clientID).Scan(&acc.AccessToken, &acc.TokenSecret)
	case models.PlatformLinkedIn:
		err = s.pool.QueryRow(ctx, `
			SELECT person_urn, access_token FROM linkedin_accounts
			WHERE client_id = $1 ORDER BY created_at DESC LIMIT 1
		`, clientID).Scan(&acc.AccountRef, &acc.AccessToken)
	case models.PlatformYouTube:
		err = s.pool.QueryRow(ctx, `
			SELECT youtube_channel_id, access_token, refresh_token FROM youtube_accounts
			WHERE client_id = $1 ORDER BY created_at DESC LIMIT 1
		`, clientID).Scan(&acc.AccountRef, &acc.AccessToken, &acc.RefreshToken)
	case models.PlatformWordPress:
		err = s.pool.QueryRow(ctx, `
			SELECT site_url, username, app_password FROM wordpress_accounts
			WHERE client_id = $1 ORDER BY created_at DESC LIMIT 1
		`, clientID).Scan(&acc.SiteURL, &acc.Username, &acc.AppPassword)
	default:
		return models.Account{}, fmt.Errorf("unsupported platform %q", platform)
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("%s for client %s: %w", platform, clientID, ErrNoAccount)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("lookup %s account: %w", platform, err)
	}
	return acc, nil
}

// CreateClient inserts a client row.
func (s *Store) CreateClient(ctx context.Context, name, email string) (models.Client, error) {
	client := models.Client{ID: uuid.New().String(), Name: name, Email: email}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO clients (id, name, email) VALUES ($1, $2, $3)
		RETURNING joined_on
	`, client.ID, client.Name, client.Email).Scan(&client.JoinedOn)
	if err != nil {
		return models.Client{}, fmt.Errorf("insert client: %w", err)
	}
	return client, nil
}

// ListClients returns all clients, newest first.
func (s *Store) ListClients(ctx context.Context) ([]models.Client, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, joined_on FROM clients ORDER BY joined_on DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var out []models.Client
	for rows.Next() {
		var c models.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.JoinedOn); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
