// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"

	"github.com/hitoshi/yardops/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userContextKey        = contextKey("user")
	branchIDContextKey    = contextKey("branch_id")
	requestInfoContextKey = contextKey("request_info")
)

// requestInfo はロギングミドルウェアが生成し、内側のミドルウェアが埋める可変の注釈。
// 認証後のユーザーIDをアクセスログへ残すために使う。
type requestInfo struct {
	userID   string
	branchID string
}

func annotateUser(ctx context.Context, userID string) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.userID = userID
	}
}

func annotateBranch(ctx context.Context, branchID string) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.branchID = branchID
	}
}

// UserFromContext は認証済みユーザーを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserFromContext(ctx context.Context) (*model.User, error) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	if !ok || user == nil {
		return nil, fmt.Errorf("user not found in context")
	}
	return user, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, err := UserFromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストに認証済みユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// BranchIDFromContext は拠点ゲートを通過したリクエストの拠点IDを返す。
func BranchIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(branchIDContextKey).(string)
	return id, ok && id != ""
}

// ContextWithBranchID はコンテキストに拠点IDを注入する。
func ContextWithBranchID(ctx context.Context, branchID string) context.Context {
	return context.WithValue(ctx, branchIDContextKey, branchID)
}
