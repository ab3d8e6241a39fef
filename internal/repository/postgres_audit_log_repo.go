package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/yardops/internal/model"
)

// PostgresAuditLogRepo はPostgreSQLを使用した監査ログリポジトリ。
type PostgresAuditLogRepo struct {
	db *sql.DB
}

// NewPostgresAuditLogRepo はPostgresAuditLogRepoを生成する。
func NewPostgresAuditLogRepo(db *sql.DB) *PostgresAuditLogRepo {
	return &PostgresAuditLogRepo{db: db}
}

// Create は監査ログを1件追加する。
func (r *PostgresAuditLogRepo) Create(ctx context.Context, entry *model.AuditLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, user_id, branch_id, action, entity_type, entity_id,
		 before_state, after_state, ip_address, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.UserID, entry.BranchID, entry.Action, entry.EntityType, entry.EntityID,
		nullableJSON(entry.BeforeState), nullableJSON(entry.AfterState),
		entry.IPAddress, entry.UserAgent, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// ListRecent は作成日時の新しい順に監査ログを返す。
func (r *PostgresAuditLogRepo) ListRecent(ctx context.Context, branchID string, limit int) ([]*model.AuditLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, branch_id, action, entity_type, entity_id,
		        before_state, after_state, ip_address, user_agent, created_at
		 FROM audit_logs
		 WHERE ($1 = '' OR branch_id = $1)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		branchID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditLogEntry
	for rows.Next() {
		var (
			e        model.AuditLogEntry
			branch   sql.NullString
			entityID sql.NullString
			before   []byte
			after    []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &branch, &e.Action, &e.EntityType, &entityID,
			&before, &after, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if branch.Valid {
			e.BranchID = &branch.String
		}
		if entityID.Valid {
			e.EntityID = &entityID.String
		}
		e.BeforeState = before
		e.AfterState = after
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return entries, nil
}

// nullableJSON は空のJSONをNULLとして書き込むための値を返す。
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// compile-time interface check
var _ AuditLogRepository = (*PostgresAuditLogRepo)(nil)
