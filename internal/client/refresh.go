package client

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// ErrNoRefreshToken はリフレッシュトークンを保持していない状態で再発行を求めた場合に返す。
var ErrNoRefreshToken = errors.New("no refresh token held")

const refreshKey = "refresh"

// ExchangeFunc はリフレッシュトークンを新しいアクセストークンに交換する。
type ExchangeFunc func(ctx context.Context, refreshToken string) (string, error)

// RefreshCoordinator はアクセストークンの再発行を同時に1本だけ実行する。
// 実行中に呼ばれた呼び出し元は同じ結果を共有する。
// 成功時は保持中のアクセストークンを更新し、失敗時は保持中のトークンをすべて破棄する。
type RefreshCoordinator struct {
	tokens   *TokenStore
	exchange ExchangeFunc
	group    singleflight.Group
}

// NewRefreshCoordinator はRefreshCoordinatorを生成する。
func NewRefreshCoordinator(tokens *TokenStore, exchange ExchangeFunc) *RefreshCoordinator {
	return &RefreshCoordinator{tokens: tokens, exchange: exchange}
}

// Refresh は新しいアクセストークンを取得して返す。
// staleは呼び出し元が期限切れと判断したアクセストークンで、保持中のトークンが既にそれと異なれば
// 交換せずに保持中のトークンを返す。
// ctxのキャンセルはこの呼び出し元の待機だけを打ち切り、共有中の交換は継続する。
func (c *RefreshCoordinator) Refresh(ctx context.Context, stale string) (string, error) {
	if current := c.tokens.AccessToken(); current != "" && current != stale {
		return current, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		if current := c.tokens.AccessToken(); current != "" && current != stale {
			return current, nil
		}
		refreshToken := c.tokens.RefreshToken()
		if refreshToken == "" {
			c.tokens.Clear()
			return "", ErrNoRefreshToken
		}

		accessToken, err := c.exchange(context.WithoutCancel(ctx), refreshToken)
		if err != nil {
			c.tokens.Clear()
			return "", fmt.Errorf("failed to refresh access token: %w", err)
		}
		c.tokens.SetAccessToken(accessToken)
		return accessToken, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
