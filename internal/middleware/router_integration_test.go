package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/yardops/internal/model"
)

// TestRouterIntegration_RoleAndBranchGates は Auth → RequireRole → RequireBranch のチェーンが
// chi.Routerで正しく動作することを検証する。
func TestRouterIntegration_RoleAndBranchGates(t *testing.T) {
	newRouter := func(role model.Role) http.Handler {
		r := chi.NewRouter()
		r.Group(func(r chi.Router) {
			r.Use(NewAuthMiddleware(validTokenVerifier(), activeUserFinder(role)))

			r.With(RequireBranch()).Get("/api/branch", func(w http.ResponseWriter, r *http.Request) {
				branchID, _ := BranchIDFromContext(r.Context())
				json.NewEncoder(w).Encode(map[string]string{"branch_id": branchID})
			})

			r.With(RequireRole(model.RoleManager), RequireBranch()).Get("/api/audit-logs", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		})
		return r
	}

	tests := []struct {
		name       string
		role       model.Role
		path       string
		token      string
		branch     string
		wantStatus int
	}{
		{"branch route with header", model.RoleGateOperator, "/api/branch", "good-token", "yard-1", http.StatusOK},
		{"branch route without header", model.RoleGateOperator, "/api/branch", "good-token", "", http.StatusBadRequest},
		{"branch route without token", model.RoleGateOperator, "/api/branch", "", "yard-1", http.StatusUnauthorized},
		{"manager route as manager", model.RoleManager, "/api/audit-logs", "good-token", "yard-1", http.StatusOK},
		{"manager route as admin", model.RoleAdmin, "/api/audit-logs", "good-token", "yard-1", http.StatusOK},
		{"manager route as operator", model.RoleGateOperator, "/api/audit-logs", "good-token", "yard-1", http.StatusForbidden},
		{"role checked before branch", model.RoleTenantClient, "/api/audit-logs", "good-token", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			if tt.branch != "" {
				req.Header.Set(BranchHeader, tt.branch)
			}
			w := httptest.NewRecorder()
			newRouter(tt.role).ServeHTTP(w, req)

			if w.Result().StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
		})
	}
}
