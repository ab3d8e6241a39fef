package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/yardops/internal/middleware"
	"github.com/hitoshi/yardops/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// SetActive は対象ユーザーの有効フラグを切り替え、変更後の状態を返す。
	SetActive(ctx context.Context, actor *model.User, branchID, userID string, active bool) (*model.PublicUser, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

type setStatusRequest struct {
	Active *bool `json:"active"`
}

// SetStatus はユーザーの有効・無効を切り替える。
// 拠点ヘッダーは任意で、指定された場合は監査ログとイベントに拠点を付与する。
// PATCH /api/users/{id}/status
func (h *UserHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req setStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Active == nil {
		middleware.WriteAPIError(w, model.NewBadRequestError("active is required"))
		return
	}

	userID := chi.URLParam(r, "id")
	branchID := strings.TrimSpace(r.Header.Get(middleware.BranchHeader))
	if apiErr := middleware.ValidateBranchID(branchID); apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	res, err := h.service.SetActive(r.Context(), actor, branchID, userID, *req.Active)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}
