package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/websocket"
)

const (
	eventsPath       = "/events"
	branchHeader     = "X-Branch-ID"
	branchQueryParam = "branch_id"
)

// WebSocketDialer はyardopsの/eventsエンドポイントにWebSocketで接続するDialer。
// 接続時点でTokenStoreが保持するアクセストークンを使う。トークンの再発行は行わない。
type WebSocketDialer struct {
	// BaseURL はAPIのベースURL（http/https）。ws/wssに読み替えて接続する。
	BaseURL string
	Tokens  *TokenStore
}

var _ Dialer = (*WebSocketDialer)(nil)

// Dial はbranchIDのライブ接続を確立する。
func (d *WebSocketDialer) Dial(ctx context.Context, branchID string) (Stream, error) {
	target, err := EventsURL(d.BaseURL, branchID)
	if err != nil {
		return nil, err
	}

	cfg, err := websocket.NewConfig(target, d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to build websocket config: %w", err)
	}
	cfg.Header.Set(branchHeader, branchID)
	if d.Tokens != nil {
		if token := d.Tokens.AccessToken(); token != "" {
			cfg.Header.Set("Authorization", "Bearer "+token)
		}
	}

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	return &wsStream{ws: ws}, nil
}

// EventsURL はAPIのベースURLからライブ接続のURLを組み立てる。
func EventsURL(baseURL, branchID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path += eventsPath
	q := u.Query()
	q.Set(branchQueryParam, branchID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsStream struct {
	ws *websocket.Conn
}

func (s *wsStream) Receive() (Event, error) {
	var evt Event
	if err := websocket.JSON.Receive(s.ws, &evt); err != nil {
		return Event{}, err
	}
	return evt, nil
}

func (s *wsStream) Close() error {
	return s.ws.Close()
}
