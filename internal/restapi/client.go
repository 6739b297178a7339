// Package restapi is the HTTP client for the room API: auth, room lookup,
// and the snapshot calls a session makes before joining the event stream.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	cidpkg "homeroom/internal/cid"
	"homeroom/pkg/protocol"
)

type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8080.
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

type Client struct {
	baseURL   string
	token     string
	userAgent string
	httpc     *http.Client
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "homeroom/1.0.0"
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		httpc:     cfg.HTTPClient,
	}
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (c *Client) Register(ctx context.Context, email, name, password string) (protocol.AuthResponse, error) {
	var out protocol.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/register",
		protocol.RegisterRequest{Email: email, Name: name, Password: password}, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (protocol.AuthResponse, error) {
	var out protocol.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login",
		protocol.LoginRequest{Email: email, Password: password}, &out)
	return out, err
}

func (c *Client) Me(ctx context.Context) (protocol.User, error) {
	var out protocol.User
	err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &out)
	return out, err
}

func (c *Client) CreateRoom(ctx context.Context, name string) (protocol.Room, error) {
	var out protocol.Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", protocol.CreateRoomRequest{Name: name}, &out)
	return out, err
}

// JoinByCode resolves a join code to its room without joining the event
// stream; the websocket join does that.
func (c *Client) JoinByCode(ctx context.Context, code string) (protocol.Room, error) {
	var out protocol.Room
	err := c.do(ctx, http.MethodPost, "/api/rooms/join", protocol.JoinRoomRequest{Code: code}, &out)
	return out, err
}

func (c *Client) Room(ctx context.Context, roomID string) (protocol.Room, error) {
	var out protocol.Room
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+roomID, nil, &out)
	return out, err
}

func (c *Client) Participants(ctx context.Context, roomID string) ([]protocol.Participant, error) {
	var out []protocol.Participant
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+roomID+"/participants", nil, &out)
	return out, err
}

// Messages returns the room's recent history, oldest first.
func (c *Client) Messages(ctx context.Context, roomID string) ([]protocol.ChatMessage, error) {
	var out []protocol.ChatMessage
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+roomID+"/messages", nil, &out)
	return out, err
}

// EndRoom closes the room for everyone. Host only.
func (c *Client) EndRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodDelete, "/api/rooms/"+roomID, nil, nil)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	cidpkg.AddHeaderFromContext(req.Header, ctx)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(data)
}
