// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/websocket"
)

// WebSocketDialer connects to <BaseURL>/ws/chat/{session_id}?token=...
type WebSocketDialer struct {
	// BaseURL is the ws:// or wss:// root of the backend. http(s) roots
	// are converted.
	BaseURL string
	// Origin defaults to BaseURL with an http(s) scheme.
	Origin string
	Header http.Header
}

// Endpoint returns the channel URL for a session.
func (d *WebSocketDialer) Endpoint(sessionID, token string) (string, error) {
	base, err := url.Parse(strings.TrimRight(d.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid websocket base url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid websocket scheme %q", base.Scheme)
	}
	base.RawPath = base.EscapedPath() + "/ws/chat/" + url.PathEscape(sessionID)
	base.Path = base.Path + "/ws/chat/" + sessionID
	q := url.Values{}
	q.Set("token", token)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (d *WebSocketDialer) origin(endpoint string) string {
	if d.Origin != "" {
		return d.Origin
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path, u.RawPath, u.RawQuery = "", "", ""
	return u.String()
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, sessionID, token string) (Conn, error) {
	endpoint, err := d.Endpoint(sessionID, token)
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(endpoint, d.origin(endpoint))
	if err != nil {
		return nil, err
	}
	if d.Header != nil {
		cfg.Header = d.Header.Clone()
	}

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

// wsConn carries one JSON object per WebSocket text frame.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Receive() (Inbound, error) {
	var f Inbound
	err := websocket.JSON.Receive(c.ws, &f)
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, err
}

func (c *wsConn) Send(f Outbound) error {
	return websocket.JSON.Send(c.ws, f)
}

// Close sends a normal-closure frame.
func (c *wsConn) Close() error {
	return c.ws.Close()
}
