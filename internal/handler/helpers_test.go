package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/yardops/internal/middleware"
	"github.com/hitoshi/yardops/internal/model"
)

// withUser はリクエストコンテキストに認証済みユーザーを注入する。
func withUser(r *http.Request, user *model.User) *http.Request {
	return r.WithContext(middleware.ContextWithUser(r.Context(), user))
}

// withBranch はリクエストコンテキストに拠点IDを注入する。
func withBranch(r *http.Request, branchID string) *http.Request {
	return r.WithContext(middleware.ContextWithBranchID(r.Context(), branchID))
}

func testUser(role model.Role) *model.User {
	return &model.User{
		ID:           "user-123",
		Handle:       "gate01",
		Email:        "gate01@example.com",
		PasswordHash: "secret-hash",
		DisplayName:  "Gate 01",
		Role:         role,
		IsActive:     true,
	}
}

// decodeErrorBody は統一エラーフォーマットのレスポンスを解析する。
func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}
