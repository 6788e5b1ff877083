// Package directory is a client for the REST collaborators around the
// realtime session: login, the user directory, direct-conversation lookup
// and message history.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

const defaultTimeout = 15 * time.Second

// maxResponseBytes bounds any response body read.
const maxResponseBytes = 4 << 20

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

var ErrNoToken = errors.New("directory: no bearer token")

type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Phone    string `json:"phone,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	About    string `json:"about,omitempty"`
	// Status is "online", "offline" or "last_seen".
	Status   string `json:"status,omitempty"`
	LastSeen string `json:"lastSeen,omitempty"`
}

func (u User) Online() bool { return u.Status == "online" }

// LastSeenTime parses LastSeen, returning the zero time when absent.
func (u User) LastSeenTime() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, u.LastSeen)
	return t
}

type Conversation struct {
	ID           string            `json:"_id"`
	Participants []json.RawMessage `json:"participants"`
}

// ParticipantIDs accepts participants given either as bare ids or as
// populated user objects.
func (c Conversation) ParticipantIDs() []string {
	var ids []string
	for _, raw := range c.Participants {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil {
			ids = append(ids, id)
			continue
		}
		var u struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(raw, &u); err == nil && u.ID != "" {
			ids = append(ids, u.ID)
		}
	}
	return ids
}

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		Logger:     slog.Default(),
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Client) do(ctx context.Context, method, path string, body any, authed bool, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	if authed {
		if c.Token == "" {
			return ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payload, &errResp)
		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		if msg == "" {
			msg = strings.TrimSpace(string(payload))
		}
		return &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Login exchanges credentials for a bearer token and stores it on the
// client.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, false, &resp)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("login response carried no token")
	}
	c.Token = resp.Token
	return resp.Token, nil
}

func (c *Client) Register(ctx context.Context, username, phoneNumber, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/register", map[string]string{
		"username":    username,
		"phoneNumber": phoneNumber,
		"password":    password,
	}, false, &resp)
	if err != nil {
		return "", err
	}
	c.Token = resp.Token
	return resp.Token, nil
}

func (c *Client) Users(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.do(ctx, http.MethodGet, "/users", nil, true, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/users/me", nil, true, &u)
	return u, err
}

// DirectConversation finds or creates the one-to-one conversation with
// otherUserID. Deployments differ in route shape, so each known route is
// tried in turn and the last failure is returned.
func (c *Client) DirectConversation(ctx context.Context, otherUserID string) (Conversation, error) {
	if otherUserID == "" {
		return Conversation{}, fmt.Errorf("empty user id")
	}
	id := url.PathEscape(otherUserID)
	attempts := []struct {
		path string
		body any
	}{
		{path: "/conversations/dm/" + id},
		{path: "/conversations/direct/" + id},
		{path: "/conversations", body: map[string]string{"otherUserId": otherUserID}},
	}

	var lastErr error
	for _, a := range attempts {
		var conv Conversation
		err := c.do(ctx, http.MethodPost, a.path, a.body, true, &conv)
		if err == nil && conv.ID != "" {
			return conv, nil
		}
		if err == nil {
			err = fmt.Errorf("POST %s: response carried no conversation id", a.path)
		}
		if ctx.Err() != nil || errors.Is(err, ErrNoToken) {
			return Conversation{}, err
		}
		c.logger().Debug("direct conversation route failed", "path", a.path, "err", err)
		lastErr = err
	}
	return Conversation{}, lastErr
}

// History fetches a conversation's stored messages. When no known route
// answers, it returns an empty history; realtime delivery still works.
func (c *Client) History(ctx context.Context, conversationID string) ([]signaling.MessageRecord, error) {
	id := url.PathEscape(conversationID)
	for _, path := range []string{
		"/messages/conversation/" + id,
		"/conversations/" + id + "/messages",
		"/messages/" + id,
	} {
		var records []signaling.MessageRecord
		err := c.do(ctx, http.MethodGet, path, nil, true, &records)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrNoToken) {
			return nil, err
		}
		c.logger().Debug("history route failed", "path", path, "err", err)
	}
	return nil, nil
}
