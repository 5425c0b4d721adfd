// Package backend is the client for the companion backend service:
// authentication, user profiles, and push notification plumbing. The
// messaging payload never touches this service, only inbox identifiers
// and device tokens do.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"aim-chat/inbox-engine/internal/contracts"
	"aim-chat/inbox-engine/pkg/models"
)

const defaultRequestTimeout = 10 * time.Second

var (
	ErrUnauthenticated = errors.New("backend client is not authenticated")
	ErrUserNotFound    = errors.New("user not found")
)

type Config struct {
	BaseURL        string        `yaml:"baseUrl"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:8080",
		RequestTimeout: defaultRequestTimeout,
	}
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Authenticate exchanges the inbox identity for a session token. The
// token is kept on the client and attached to subsequent requests.
func (c *Client) Authenticate(ctx context.Context, inboxID, installationID string) error {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/auth", map[string]string{
		"inbox_id":        inboxID,
		"installation_id": installationID,
	}, &out)
	if err != nil {
		return err
	}
	if out.Token == "" {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, errors.New("backend returned empty token"))
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) CreateUser(ctx context.Context, user models.User) error {
	return c.do(ctx, http.MethodPost, "/v1/users", user, nil)
}

func (c *Client) GetUser(ctx context.Context, inboxID string) (models.User, error) {
	var out models.User
	err := c.do(ctx, http.MethodGet, "/v1/users/"+inboxID, nil, &out)
	return out, err
}

// GetProfiles resolves a batch of inbox ids to display profiles.
// Unknown ids are omitted from the result, not errors.
func (c *Client) GetProfiles(ctx context.Context, inboxIDs []string) ([]models.MemberProfile, error) {
	if len(inboxIDs) == 0 {
		return nil, nil
	}
	var out struct {
		Profiles []models.MemberProfile `json:"profiles"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/profiles/batch", map[string][]string{
		"inbox_ids": inboxIDs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

func (c *Client) RegisterPushToken(ctx context.Context, installationID, deviceToken string) error {
	return c.do(ctx, http.MethodPost, "/v1/push/token", map[string]string{
		"installation_id": installationID,
		"device_token":    deviceToken,
	}, nil)
}

func (c *Client) SubscribeToTopics(ctx context.Context, installationID string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/v1/push/subscriptions", map[string]any{
		"installation_id": installationID,
		"topics":          topics,
	}, nil)
}

func (c *Client) UnsubscribeFromTopics(ctx context.Context, installationID string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/v1/push/subscriptions", map[string]any{
		"installation_id": installationID,
		"topics":          topics,
	}, nil)
}

// UnregisterInstallation drops every push registration for the
// installation; used by deleteAndStop.
func (c *Client) UnregisterInstallation(ctx context.Context, installationID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/push/installations/"+installationID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (retErr error) {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, ErrUserNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, ErrUnauthenticated)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, fmt.Errorf("backend status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, err)
	}
	return nil
}
