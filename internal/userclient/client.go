// Package userclient looks up the display identity behind a browser session
// by calling the session collaborator's GET /api/user.
package userclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnauthorized is returned when the collaborator rejects the session.
	ErrUnauthorized = errors.New("userclient: unauthorized")
	// ErrDisabled is returned when no collaborator URL is configured.
	ErrDisabled = errors.New("userclient: disabled")
)

// User is the identity returned by the collaborator.
type User struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
}

// UserResponse is the collaborator response envelope.
type UserResponse struct {
	Success bool   `json:"success"`
	User    *User  `json:"user"`
	Error   string `json:"error,omitempty"`
}

// Client wraps the session collaborator HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      map[string]*cachedUser
	cacheTTL   time.Duration
	mu         sync.RWMutex
	group      singleflight.Group
}

type cachedUser struct {
	user      *User
	expiresAt time.Time
}

// New creates a client. An empty baseURL yields a client whose lookups
// return ErrDisabled.
func New(baseURL string, cacheTTL, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:    make(map[string]*cachedUser),
		cacheTTL: cacheTTL,
	}
}

// Enabled reports whether a collaborator is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Lookup resolves the user for the given Cookie header. Concurrent lookups
// of the same session share one request.
func (c *Client) Lookup(ctx context.Context, cookie string) (*User, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if cookie == "" {
		return nil, ErrUnauthorized
	}

	if u := c.getFromCache(cookie); u != nil {
		return u, nil
	}

	v, err, _ := c.group.Do(cookie, func() (any, error) {
		u, err := c.fetch(ctx, cookie)
		if err != nil {
			return nil, err
		}
		c.addToCache(cookie, u)
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*User), nil
}

func (c *Client) fetch(ctx context.Context, cookie string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user service returned status: %d", resp.StatusCode)
	}

	var userResp UserResponse
	if err := json.NewDecoder(resp.Body).Decode(&userResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !userResp.Success || userResp.User == nil {
		return nil, ErrUnauthorized
	}
	return userResp.User, nil
}

func (c *Client) getFromCache(key string) *User {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if cached, ok := c.cache[key]; ok && time.Now().Before(cached.expiresAt) {
		return cached.user
	}
	return nil
}

func (c *Client) addToCache(key string, u *User) {
	if c.cacheTTL <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, v := range c.cache {
		if now.After(v.expiresAt) {
			delete(c.cache, k)
		}
	}
	c.cache[key] = &cachedUser{user: u, expiresAt: now.Add(c.cacheTTL)}
}
