// Package adminclient implements a small HTTP client for wssocksd's admin
// REST API (internal/adminapi), used by the `wssocksd token` CLI
// subcommands to add, remove, and list reverse/forward tokens without
// operators needing to hand-craft curl invocations.
package adminclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one running wssocksd instance's admin API.
type Client struct {
	BaseURL   string // e.g. "http://127.0.0.1:8766"
	AuthToken string // sent as "Bearer <token>" if non-empty
	HTTP      *http.Client
}

// New builds a Client with a sane default timeout.
func New(baseURL, authToken string) *Client {
	return &Client{
		BaseURL:   baseURL,
		AuthToken: authToken,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
	}
}

// ReverseToken is what AddReverse returns: the minted (or caller-supplied)
// token and the SOCKS5 listener port assigned to it.
type ReverseToken struct {
	Token string `json:"token"`
	Port  int    `json:"port"`
}

// AddReverse registers a reverse token. token/username/password may be
// empty to let the server generate/omit them; port 0 picks from the pool.
func (c *Client) AddReverse(token string, port int, username, password string) (*ReverseToken, error) {
	body := map[string]any{}
	if token != "" {
		body["token"] = token
	}
	if port != 0 {
		body["port"] = port
	}
	if username != "" {
		body["username"] = username
	}
	if password != "" {
		body["password"] = password
	}

	var out ReverseToken
	if err := c.do(http.MethodPost, "/api/v1/tokens/reverse", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForwardToken is what AddForward returns.
type ForwardToken struct {
	Token string `json:"token"`
}

// AddForward registers a forward token. token may be empty to let the
// server generate one.
func (c *Client) AddForward(token string) (*ForwardToken, error) {
	body := map[string]any{}
	if token != "" {
		body["token"] = token
	}

	var out ForwardToken
	if err := c.do(http.MethodPost, "/api/v1/tokens/forward", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Remove deletes a reverse or forward token, disconnecting any attached
// clients.
func (c *Client) Remove(token string) error {
	return c.do(http.MethodDelete, "/api/v1/tokens/"+token, nil, nil)
}

// TokenEntry is one row of List's result.
type TokenEntry struct {
	Token   string `json:"token"`
	Kind    string `json:"kind"`
	Port    int    `json:"port,omitempty"`
	Clients int    `json:"clients"`
}

// List returns every registered reverse and forward token.
func (c *Client) List() ([]TokenEntry, error) {
	var out []TokenEntry
	if err := c.do(http.MethodGet, "/api/v1/tokens", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(method, path string, reqBody, respBody any) error {
	var r io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("adminclient: marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, r)
	if err != nil {
		return fmt.Errorf("adminclient: building request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("adminclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("adminclient: %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}

	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("adminclient: decoding response from %s %s: %w", method, path, err)
	}
	return nil
}
