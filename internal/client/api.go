package client

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

	"github.com/hitoshi/yardops/internal/model"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxErrorBodyBytes  = 64 << 10
)

// ResponseError はAPIが統一エラーフォーマットで返したエラー。
type ResponseError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *ResponseError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("yardops: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("yardops: HTTP %d [%s] %s", e.StatusCode, e.Code, e.Message)
}

// IsTokenExpired はerrがアクセストークン期限切れを表すかを返す。
func IsTokenExpired(err error) bool {
	var re *ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusUnauthorized && re.Code == model.ErrCodeTokenExpired
}

// LoginResponse はログイン成功時のレスポンス。
type LoginResponse struct {
	User                 model.PublicUser `json:"user"`
	AccessToken          string           `json:"access_token"`
	AccessTokenExpiresAt time.Time        `json:"access_token_expires_at"`
	RefreshToken         string           `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient は使用するhttp.Clientを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger はロガーを差し替える。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTokenStore は共有するTokenStoreを指定する。
func WithTokenStore(tokens *TokenStore) Option {
	return func(c *Client) { c.tokens = tokens }
}

// Client はyardops APIのクライアント。
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    *TokenStore
	refresher *RefreshCoordinator
	logger    *slog.Logger
}

// New はbaseURL（例: http://localhost:8080）に接続するClientを生成する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		c.tokens = NewTokenStore()
	}
	c.refresher = NewRefreshCoordinator(c.tokens, c.exchangeRefreshToken)
	return c
}

// Tokens はClientが保持するTokenStoreを返す。
func (c *Client) Tokens() *TokenStore {
	return c.tokens
}

// BaseURL はAPIのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login はログインし、返されたトークンを保持する。
func (c *Client) Login(ctx context.Context, handle, password string) (*LoginResponse, error) {
	var res LoginResponse
	body := map[string]string{"handle": handle, "password": password}
	if err := c.send(ctx, http.MethodPost, "/auth/login", "", nil, body, &res); err != nil {
		return nil, err
	}
	c.tokens.Set(res.AccessToken, res.RefreshToken)
	return &res, nil
}

// Logout はリフレッシュトークンの失効を要求し、結果にかかわらず保持中のトークンを破棄する。
func (c *Client) Logout(ctx context.Context) error {
	defer c.tokens.Clear()

	refreshToken := c.tokens.RefreshToken()
	if refreshToken == "" {
		return nil
	}
	return c.Do(ctx, http.MethodPost, "/auth/logout", nil, map[string]string{"refresh_token": refreshToken}, nil)
}

// Me は現在のユーザー情報を取得する。
func (c *Client) Me(ctx context.Context) (*model.PublicUser, error) {
	var u model.PublicUser
	if err := c.Do(ctx, http.MethodGet, "/api/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Do は認証付きでAPIを呼び出し、成功時のレスポンスをoutにデコードする。
//
// TOKEN_EXPIREDを受け取った場合はRefreshCoordinatorでアクセストークンを再発行し、1回だけ再試行する。
// 再試行でも401の場合はそのままエラーを返す。それ以外の401では再発行しない。
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	token := c.tokens.AccessToken()
	err := c.send(ctx, method, path, token, header, body, out)
	if !IsTokenExpired(err) {
		return err
	}

	// 他の呼び出しが既に再発行を済ませていれば、Refreshはその結果を返す
	next, err := c.refresher.Refresh(ctx, token)
	if err != nil {
		return err
	}
	return c.send(ctx, method, path, next, header, body, out)
}

// exchangeRefreshToken はPOST /auth/refreshでアクセストークンを再発行する。
func (c *Client) exchangeRefreshToken(ctx context.Context, refreshToken string) (string, error) {
	var res refreshResponse
	if err := c.send(ctx, http.MethodPost, "/auth/refresh", "", nil, map[string]string{"refresh_token": refreshToken}, &res); err != nil {
		return "", err
	}
	if res.AccessToken == "" {
		return "", errors.New("refresh response has no access token")
	}
	return res.AccessToken, nil
}

// send はリクエストを1回送信する。
func (c *Client) send(ctx context.Context, method, path, accessToken string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeResponseError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeResponseError(resp *http.Response) error {
	re := &ResponseError{StatusCode: resp.StatusCode}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodyBytes)).Decode(&body); err == nil {
		re.Code = body.Code
		re.Message = body.Message
	}
	return re
}
