package bsky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Login establishes a session with the configured identifier and app
// password (com.atproto.server.createSession).
func (c *Client) Login(ctx context.Context) error {
	input := map[string]any{
		"identifier": c.identifier,
		"password":   c.password,
	}
	var out Session
	if err := c.do(ctx, kindProcedure, "com.atproto.server.createSession", nil, input, &out); err != nil {
		return fmt.Errorf("bsky: login: %w", err)
	}
	c.mu.Lock()
	c.session = &out
	c.mu.Unlock()
	return nil
}

// RefreshSession exchanges the refresh token for a new token pair
// (com.atproto.server.refreshSession). The refresh token authenticates the
// call instead of the (expired) access token.
func (c *Client) RefreshSession(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("bsky: refresh without session; call Login first")
	}

	endpoint := c.host + "/xrpc/com.atproto.server.refreshSession"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "Bearer "+sess.RefreshJwt)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bsky: refreshSession: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	var out Session
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("bsky: decode refreshSession output: %w", err)
	}
	c.mu.Lock()
	c.session = &out
	c.mu.Unlock()
	return nil
}
