package allegro

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is wrapped by every ConfigurationError
	ErrNotConfigured = errors.New("allegro credentials not configured")
	// ErrInvalidEAN is returned for barcodes that are not 8, 12, 13 or 14 digits
	ErrInvalidEAN = errors.New("invalid EAN")
)

// ConfigurationError reports missing client credentials or bootstrap refresh token
type ConfigurationError struct {
	Missing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v: missing %s", ErrNotConfigured, e.Missing)
}

func (e *ConfigurationError) Unwrap() error { return ErrNotConfigured }

// AuthExchangeError is a non-2xx answer from the OAuth token endpoint
type AuthExchangeError struct {
	StatusCode int
	Body       string
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("token exchange error %d: %s", e.StatusCode, e.Body)
}

// AuthError is a 401/403 that persisted after the single forced refresh
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("API auth error %d: %s", e.StatusCode, e.Body)
}

// APIError is any other non-2xx API response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}
