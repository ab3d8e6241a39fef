package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hitoshi/yardops/internal/middleware"
	"github.com/hitoshi/yardops/internal/model"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// AuditLogLister は監査ログの参照に必要なインターフェース。
// repository.AuditLogRepositoryの部分集合として定義する。
type AuditLogLister interface {
	ListRecent(ctx context.Context, branchID string, limit int) ([]*model.AuditLogEntry, error)
}

// AuditHandler は監査ログ参照のHTTPハンドラー。
type AuditHandler struct {
	logs AuditLogLister
}

// NewAuditHandler はAuditHandlerを生成する。
func NewAuditHandler(logs AuditLogLister) *AuditHandler {
	return &AuditHandler{logs: logs}
}

type auditListResponse struct {
	Entries []*model.AuditLogEntry `json:"entries"`
}

// List は拠点の監査ログを新しい順に返す。
// GET /api/audit-logs?limit=N
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	branchID, ok := middleware.BranchIDFromContext(r.Context())
	if !ok {
		middleware.WriteAPIError(w, model.NewBranchHeaderRequiredError())
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAuditLimit {
			middleware.WriteAPIError(w, model.NewBadRequestError("limit must be between 1 and 200"))
			return
		}
		limit = n
	}

	entries, err := h.logs.ListRecent(r.Context(), branchID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []*model.AuditLogEntry{}
	}

	writeJSON(w, http.StatusOK, auditListResponse{Entries: entries})
}
