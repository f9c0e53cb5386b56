package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8085"

// client is a thin wrapper over the daemon's REST API.
type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func newClient(cmd *cobra.Command) *client {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = os.Getenv("FATHOM_ADDR")
	}
	if addr == "" {
		addr = defaultAddr
	}
	key, _ := cmd.Flags().GetString("api-key")
	if key == "" {
		key = os.Getenv("FATHOM_API_KEY")
	}
	return &client{
		base:   strings.TrimRight(addr, "/"),
		apiKey: key,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// do issues one request and returns the response body. Non-2xx
// responses become errors carrying the daemon's error message.
func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *client) get(ctx context.Context, path string, out any) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return data, nil
}

func (c *client) post(ctx context.Context, path string, body, out any) ([]byte, error) {
	data, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return data, nil
}

// dialEvents opens the mission's websocket event feed. since < 0 asks
// for live events only; since >= 0 replays buffered events after that
// sequence number first.
func (c *client) dialEvents(ctx context.Context, missionID string, since int64, types string) (*websocket.Conn, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/missions/" + missionID + "/events"

	q := u.Query()
	if since >= 0 {
		q.Set("last_event_id", fmt.Sprintf("%d", since))
	}
	if types != "" {
		q.Set("types", types)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-API-Key", c.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			return nil, apiError(resp.StatusCode, data)
		}
		return nil, err
	}
	return conn, nil
}

func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", e.Error, status)
	}
	return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
}
