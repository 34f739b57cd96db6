package allegro

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"

	"github.com/julienbonastre/allegro-helpers/internal/database"
)

const (
	// ExpiryBuffer treats a token as expired this long before its real expiry
	ExpiryBuffer = 60 * time.Second

	// Used when the token endpoint omits expires_in
	defaultTokenLifetime = 12 * time.Hour
)

// Token is a usable access token and the record it came from
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	RecordID     int64
}

// EnsureToken returns a valid access token, refreshing it when it expires within ExpiryBuffer
func (c *Client) EnsureToken(ctx context.Context) (*Token, error) {
	rec, err := c.tokens.LatestToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if rec != nil && !c.expired(rec) {
		return tokenFromRecord(rec), nil
	}
	if rec == nil && c.config.RefreshToken == "" {
		return nil, &ConfigurationError{Missing: "ALLEGRO_REFRESH_TOKEN"}
	}

	return c.refreshLocked(ctx, func(cur *database.TokenRecord) bool {
		return cur != nil && !c.expired(cur)
	})
}

// ForceRefresh exchanges the refresh token regardless of expiry.
// If the stored access token no longer matches staleAccessToken, another caller
// has already refreshed and that token is returned instead.
func (c *Client) ForceRefresh(ctx context.Context, staleAccessToken string) (*Token, error) {
	return c.refreshLocked(ctx, func(cur *database.TokenRecord) bool {
		return cur != nil && staleAccessToken != "" && cur.AccessToken != staleAccessToken && !c.expired(cur)
	})
}

func (c *Client) refreshLocked(ctx context.Context, usable func(*database.TokenRecord) bool) (*Token, error) {
	unlock, err := c.locker.Lock(ctx, "allegro:token-refresh:"+c.config.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	defer unlock()

	// Re-read under the lock; a concurrent caller may have refreshed already
	rec, err := c.tokens.LatestToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if usable(rec) {
		return tokenFromRecord(rec), nil
	}

	reason := "bootstrap"
	refreshToken := c.config.RefreshToken
	if rec != nil {
		reason = "expired"
		if !c.expired(rec) {
			reason = "forced"
		}
		if rec.RefreshToken != "" {
			refreshToken = rec.RefreshToken
		}
	}
	if refreshToken == "" {
		return nil, &ConfigurationError{Missing: "ALLEGRO_REFRESH_TOKEN"}
	}

	fresh, err := c.exchange(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	next := &database.TokenRecord{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresAt:    fresh.Expiry,
		UpdatedAt:    c.now().UTC(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	if next.ExpiresAt.IsZero() {
		next.ExpiresAt = c.now().Add(defaultTokenLifetime)
	}
	if rec != nil {
		next.ID = rec.ID
	}

	if err := c.tokens.SaveToken(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	c.metrics.RecordTokenRefresh(reason)
	log.Printf("Allegro token refreshed (%s), expires at %s", reason, next.ExpiresAt.Format(time.RFC3339))
	return tokenFromRecord(next), nil
}

// exchange performs the refresh_token grant against the OAuth token endpoint
func (c *Client) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if !c.IsConfigured() {
		return nil, &ConfigurationError{Missing: "ALLEGRO_CLIENT_ID/ALLEGRO_CLIENT_SECRET"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ExchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.oauthHTTP)

	src := c.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil {
			return nil, &AuthExchangeError{StatusCode: rErr.Response.StatusCode, Body: string(rErr.Body)}
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return token, nil
}

func (c *Client) expired(rec *database.TokenRecord) bool {
	return rec.ExpiresAt.Sub(c.now()) <= ExpiryBuffer
}

func tokenFromRecord(rec *database.TokenRecord) *Token {
	return &Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    rec.ExpiresAt,
		RecordID:     rec.ID,
	}
}
