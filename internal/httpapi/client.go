package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mcdev12/typerace/internal/protocol"
)

// Credentials is the access/refresh token pair the caller obtained at
// login. The client consumes the access token and refreshes it when the
// server rejects it; issuing the initial pair is someone else's job.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Client calls the race HTTP API: game creation, join, snapshots, and
// the progress fallback used when no live connection is available.
//
// Requests that come back 401 trigger a credential refresh. Refreshes
// are single-flight: concurrent failures share one refresh call and all
// retry with the new token once it resolves, so a burst of rejected
// requests cannot stampede the auth endpoint or invalidate each other's
// freshly-issued tokens.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.Mutex
	creds Credentials

	refreshGroup singleflight.Group
}

// NewClient builds an API client for the given server base URL, e.g.
// http://localhost:8080.
func NewClient(baseURL string, creds Credentials) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		creds:      creds,
	}
}

// CreateGameRequest carries the reference text for a new game.
type CreateGameRequest struct {
	Text string `json:"text"`
}

// JoinGameRequest registers a display name with a game.
type JoinGameRequest struct {
	Name string `json:"name"`
}

// JoinGameResponse returns the assigned player id and the current game
// snapshot.
type JoinGameResponse struct {
	PlayerID string                    `json:"playerId"`
	Game     protocol.GameStatePayload `json:"game"`
}

// GameSummary is one row in the active-games listing consumed by the
// spectator list.
type GameSummary struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Players int    `json:"players"`
}

// CreateGame creates a game with the given reference text.
func (c *Client) CreateGame(ctx context.Context, text string) (*protocol.GameStatePayload, error) {
	var game protocol.GameStatePayload
	if err := c.do(ctx, http.MethodPost, "/api/games", CreateGameRequest{Text: text}, &game); err != nil {
		return nil, err
	}
	return &game, nil
}

// JoinGame registers a participant with a game.
func (c *Client) JoinGame(ctx context.Context, gameID, name string) (*JoinGameResponse, error) {
	var resp JoinGameResponse
	if err := c.do(ctx, http.MethodPost, "/api/games/"+gameID+"/join", JoinGameRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetGame fetches a snapshot of one game.
func (c *Client) GetGame(ctx context.Context, gameID string) (*protocol.GameStatePayload, error) {
	var game protocol.GameStatePayload
	if err := c.do(ctx, http.MethodGet, "/api/games/"+gameID, nil, &game); err != nil {
		return nil, err
	}
	return &game, nil
}

// ListGames lists active games.
func (c *Client) ListGames(ctx context.Context) ([]GameSummary, error) {
	var games []GameSummary
	if err := c.do(ctx, http.MethodGet, "/api/games", nil, &games); err != nil {
		return nil, err
	}
	return games, nil
}

// SendProgress pushes a progress update over HTTP. This is the fallback
// channel for when the websocket is down; the live path goes through
// the connection manager.
func (c *Client) SendProgress(ctx context.Context, gameID string, progress protocol.ProgressPayload) error {
	return c.do(ctx, http.MethodPost, "/api/games/"+gameID+"/progress", progress, nil)
}

// SocketURL returns the websocket endpoint for a game, derived from the
// client's base URL.
func (c *Client) SocketURL(gameID string) string {
	ws := c.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/api/ws/" + gameID
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.AccessToken
}

// do issues one API request, refreshing credentials and retrying once
// if the server rejects the bearer token.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
	}

	resp, err := c.send(ctx, method, path, payload, c.token())
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.refreshCredentials(ctx); err != nil {
			return fmt.Errorf("refresh credentials: %w", err)
		}
		resp, err = c.send(ctx, method, path, payload, c.token())
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(detail)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// refreshCredentials exchanges the refresh token for a new pair. All
// concurrent callers share one flight and return once it resolves.
func (c *Client) refreshCredentials(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		c.mu.Lock()
		refreshToken := c.creds.RefreshToken
		c.mu.Unlock()
		if refreshToken == "" {
			return nil, fmt.Errorf("no refresh token")
		}

		payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
		if err != nil {
			return nil, err
		}
		resp, err := c.send(ctx, http.MethodPost, "/api/auth/refresh", payload, "")
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("refresh rejected: %s", resp.Status)
		}

		var creds Credentials
		if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
			return nil, fmt.Errorf("decode refresh response: %w", err)
		}

		c.mu.Lock()
		c.creds.AccessToken = creds.AccessToken
		if creds.RefreshToken != "" {
			c.creds.RefreshToken = creds.RefreshToken
		}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}
