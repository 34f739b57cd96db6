package allegro

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// AuthenticatedFetch makes an authenticated API request and returns the raw JSON body.
// A 401/403 triggers one forced token refresh and a single retry. An empty
// 2xx body returns nil.
func (c *Client) AuthenticatedFetch(ctx context.Context, method, path string, body any, header http.Header) (json.RawMessage, error) {
	token, err := c.EnsureToken(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, token.AccessToken, method, path, body, header)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}

		status := resp.StatusCode()
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			if attempt > 0 {
				return nil, &AuthError{StatusCode: status, Body: resp.String()}
			}
			log.Printf("%s %s returned %d, refreshing token and retrying", method, path, status)
			c.metrics.RecordAuthRetry()
			if token, err = c.ForceRefresh(ctx, token.AccessToken); err != nil {
				return nil, err
			}
			continue
		}

		if !resp.IsSuccess() {
			return nil, &APIError{StatusCode: status, Body: resp.String()}
		}
		if len(resp.Body()) == 0 {
			return nil, nil
		}
		return json.RawMessage(resp.Body()), nil
	}
}

// send performs one rate-limited request with the bearer token
func (c *Client) send(ctx context.Context, accessToken, method, path string, body any, header http.Header) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.rest.R().
		SetContext(ctx).
		SetAuthToken(accessToken)
	if len(header) > 0 {
		req.SetHeaderMultiValues(header)
	}
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	code := 0
	if err == nil {
		code = resp.StatusCode()
	}
	c.metrics.RecordAPIRequest(code, time.Since(start).Seconds())
	return resp, err
}
