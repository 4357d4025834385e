package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tasknest/internal/logging"
)

// ErrUnavailable is returned when no identity provider is configured.
var ErrUnavailable = errors.New("identity provider not configured")

// ProviderError wraps a non-2xx answer from the identity provider.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider: %s (status %d)", e.Message, e.StatusCode)
}

// Client talks to a GoTrue-compatible auth REST API.
type Client struct {
	BaseURL string
	AnonKey string
	HTTP    *http.Client
	Logger  *slog.Logger
}

func New(baseURL, anonKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		AnonKey: anonKey,
		HTTP:    &http.Client{Timeout: timeout},
		Logger:  logger,
	}
}

type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
	CreatedAt    string         `json:"created_at,omitempty"`
	LastSignInAt string         `json:"last_sign_in_at,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user,omitempty"`
}

// SignUpResult carries the session when the provider confirms immediately, otherwise only the user.
type SignUpResult struct {
	User    User
	Session *Session
}

func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (SignUpResult, error) {
	body := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		body["data"] = metadata
	}
	raw, err := c.do(ctx, http.MethodPost, "/signup", "", body)
	if err != nil {
		return SignUpResult{}, err
	}
	if gjson.GetBytes(raw, "access_token").Exists() {
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return SignUpResult{}, fmt.Errorf("decode session: %w", err)
		}
		res := SignUpResult{Session: &s}
		if s.User != nil {
			res.User = *s.User
		}
		return res, nil
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return SignUpResult{}, fmt.Errorf("decode user: %w", err)
	}
	return SignUpResult{User: u}, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	return c.token(ctx, "password", map[string]any{"email": email, "password": password})
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	return c.token(ctx, "refresh_token", map[string]any{"refresh_token": refreshToken})
}

func (c *Client) token(ctx context.Context, grant string, body map[string]any) (Session, error) {
	raw, err := c.do(ctx, http.MethodPost, "/token?grant_type="+grant, "", body)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

// SignOut revokes the refresh tokens behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	_, err := c.do(ctx, http.MethodPost, "/logout", accessToken, nil)
	return err
}

func (c *Client) User(ctx context.Context, accessToken string) (User, error) {
	raw, err := c.do(ctx, http.MethodGet, "/user", accessToken, nil)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, bearer string, body any) ([]byte, error) {
	if c == nil || c.BaseURL == "" {
		return nil, ErrUnavailable
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AnonKey != "" {
		req.Header.Set("apikey", c.AnonKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := providerMessage(raw)
		logging.OrDefault(c.Logger).Debug("identity provider rejected request", "endpoint", endpoint, "status", resp.StatusCode, "message", msg)
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: msg}
	}
	return raw, nil
}

// providerMessage picks the human-readable field out of the provider's several error shapes.
func providerMessage(raw []byte) string {
	for _, path := range []string{"error_description", "msg", "message", "error"} {
		if v := gjson.GetBytes(raw, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 200 {
		return s
	}
	return "request rejected"
}
