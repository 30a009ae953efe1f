package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voicerooms/pkg/webrtc/protocol"
)

// apiClient talks to the room API of a voicerooms server.
type apiClient struct {
	base  string
	user  string
	name  string
	token string
	http  *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base:  strings.TrimSuffix(flagServer, "/"),
		user:  flagUser,
		name:  flagName,
		token: flagToken,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) identify(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
		return
	}
	if c.user != "" {
		h.Set("X-User-ID", c.user)
	}
	if c.name != "" {
		h.Set("X-User-Name", c.name)
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d)", e.Message, e.Status)
	}
	return fmt.Sprintf("%s (%d)", http.StatusText(e.Status), e.Status)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.identify(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type clientSettings struct {
	WSURL      string               `json:"wsURL"`
	ICEMode    string               `json:"iceMode"`
	ICEServers []protocol.ICEServer `json:"iceServers"`
}

func (c *apiClient) settings(ctx context.Context) (clientSettings, error) {
	var s clientSettings
	err := c.do(ctx, http.MethodGet, "/settings", nil, &s)
	return s, err
}

// wsURL appends the development identity the websocket handshake cannot carry
// in custom headers from a browser.
func (c *apiClient) wsURL(raw string) (string, http.Header, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("parse ws url: %w", err)
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
		return u.String(), header, nil
	}
	q := u.Query()
	if c.user != "" {
		q.Set("user", c.user)
	}
	if c.name != "" {
		q.Set("name", c.name)
	}
	u.RawQuery = q.Encode()
	return u.String(), header, nil
}
