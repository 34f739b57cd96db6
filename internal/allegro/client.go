package allegro

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/julienbonastre/allegro-helpers/internal/database"
	"github.com/julienbonastre/allegro-helpers/internal/observability"
)

const (
	// Sandbox URLs
	SandboxTokenURL   = "https://allegro.pl.allegrosandbox.pl/auth/oauth/token"
	SandboxAPIBaseURL = "https://api.allegro.pl.allegrosandbox.pl"

	// Production URLs
	ProductionTokenURL   = "https://allegro.pl/auth/oauth/token"
	ProductionAPIBaseURL = "https://api.allegro.pl"

	// MediaType is the Allegro public API content type
	MediaType = "application/vnd.allegro.public.v1+json"

	DefaultRequestsPerSecond = 9
	defaultHTTPTimeout       = 30 * time.Second
	defaultExchangeTimeout   = 10 * time.Second
)

// Config holds Allegro API configuration
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string // bootstrap refresh token, used when no record is stored yet
	Sandbox      bool

	// Overrides for the environment URLs
	BaseURL  string
	TokenURL string

	RequestsPerSecond float64 // <= 0 disables the limiter
	HTTPTimeout       time.Duration
	ExchangeTimeout   time.Duration
}

// TokenStore persists the OAuth token pair
type TokenStore interface {
	LatestToken(ctx context.Context) (*database.TokenRecord, error)
	SaveToken(ctx context.Context, rec *database.TokenRecord) error
}

// ProductCache stores product details keyed by product id
type ProductCache interface {
	CachedProduct(ctx context.Context, productID string, maxAge time.Duration) (*database.CachedProduct, error)
	StoreProduct(ctx context.Context, p *database.CachedProduct) error
}

// RefreshLocker serializes refresh exchanges for one credential.
// The returned func releases the lock.
type RefreshLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Client is the Allegro API client
type Client struct {
	config      Config
	tokens      TokenStore
	cache       ProductCache
	locker      RefreshLocker
	metrics     *observability.Metrics
	oauthConfig *oauth2.Config
	oauthHTTP   *http.Client
	rest        *resty.Client
	limiter     *rate.Limiter
	now         func() time.Time
}

// Option configures optional Client collaborators
type Option func(*Client)

// WithProductCache enables the 24h product detail cache
func WithProductCache(cache ProductCache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithRefreshLocker replaces the in-process refresh lock
func WithRefreshLocker(locker RefreshLocker) Option {
	return func(c *Client) { c.locker = locker }
}

// WithMetrics records client metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a new Allegro API client
func NewClient(cfg Config, tokens TokenStore, opts ...Option) *Client {
	baseURL, tokenURL := ProductionAPIBaseURL, ProductionTokenURL
	if cfg.Sandbox {
		baseURL, tokenURL = SandboxAPIBaseURL, SandboxTokenURL
	}
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	if cfg.TokenURL != "" {
		tokenURL = cfg.TokenURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	c := &Client{
		config: cfg,
		tokens: tokens,
		locker: newLocalLocker(),
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		oauthHTTP: &http.Client{Timeout: cfg.ExchangeTimeout},
		rest: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(cfg.HTTPTimeout).
			SetHeader("Accept", MediaType).
			SetHeader("Content-Type", MediaType),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsConfigured returns true if Allegro API credentials are set
func (c *Client) IsConfigured() bool {
	return c.config.ClientID != "" && c.config.ClientSecret != ""
}

// HasBootstrapToken returns true if a bootstrap refresh token is configured
func (c *Client) HasBootstrapToken() bool {
	return c.config.RefreshToken != ""
}

// localLocker is a keyed mutex for a single process
type localLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLocalLocker() *localLocker {
	return &localLocker{locks: make(map[string]*sync.Mutex)}
}

// NewLocalLocker returns the in-process RefreshLocker
func NewLocalLocker() RefreshLocker {
	return newLocalLocker()
}

func (l *localLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return m.Unlock, nil
	case <-ctx.Done():
		// Release once the pending acquisition lands
		go func() {
			<-acquired
			m.Unlock()
		}()
		return nil, ctx.Err()
	}
}
