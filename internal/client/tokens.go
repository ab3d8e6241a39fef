// Package client は呼び出し側（ヤード端末やCLI）からyardops APIを利用するためのクライアントを提供する。
//
// TokenStore でトークンを保持し、RefreshCoordinator でアクセストークンの再発行を1本化する。
// Client は通常のAPI呼び出しで TOKEN_EXPIRED を受け取った場合に限り、1回だけ再発行して再試行する。
// EventClient はライブ接続を張り直す状態機械で、トークンの再発行は行わない。
package client

import "sync"

// TokenStore はアクセストークンとリフレッシュトークンを保持する。並行アクセスに安全。
type TokenStore struct {
	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// NewTokenStore は空のTokenStoreを生成する。
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Set は両方のトークンを置き換える。
func (s *TokenStore) Set(accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = accessToken
	s.refreshToken = refreshToken
}

// SetAccessToken はアクセストークンのみを置き換える。
func (s *TokenStore) SetAccessToken(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = accessToken
}

// AccessToken は保持中のアクセストークンを返す。
func (s *TokenStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// RefreshToken は保持中のリフレッシュトークンを返す。
func (s *TokenStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

// Clear はすべてのトークンを破棄する。
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = ""
	s.refreshToken = ""
}
