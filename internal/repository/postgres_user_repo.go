package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/yardops/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `id, handle, email, password_hash, display_name, role, is_active,
		failed_login_attempts, locked_until, created_at, updated_at`

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByHandle はログインIDでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByHandle(ctx context.Context, handle string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE handle = $1`,
		handle,
	)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by handle: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, handle, email, password_hash, display_name, role, is_active,
		 failed_login_attempts, locked_until, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NULL, $8, $9)`,
		user.ID, user.Handle, user.Email, user.PasswordHash, user.DisplayName,
		string(user.Role), user.IsActive, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to insert user: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdatePasswordHash はパスワードハッシュを更新する。
func (r *PostgresUserRepo) UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		id, hash, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// SetActive は有効フラグを更新する。
func (r *PostgresUserRepo) SetActive(ctx context.Context, id string, active bool, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_active = $2, updated_at = $3 WHERE id = $1`,
		id, active, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update user status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// RecordLoginFailure はログイン失敗を原子的に加算する。
// $2時点で期限切れのロックは失効扱いとし、カウンタを1から数え直す。
func (r *PostgresUserRepo) RecordLoginFailure(ctx context.Context, id string, now time.Time, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	var (
		attempts int
		locked   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`UPDATE users SET
		   failed_login_attempts = CASE
		     WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
		     ELSE failed_login_attempts + 1 END,
		   locked_until = CASE
		     WHEN (CASE WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
		                ELSE failed_login_attempts + 1 END) >= $3 THEN $4
		     WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN NULL
		     ELSE locked_until END,
		   updated_at = $2
		 WHERE id = $1
		 RETURNING failed_login_attempts, locked_until`,
		id, now, threshold, lockUntil,
	).Scan(&attempts, &locked)
	if err == sql.ErrNoRows {
		return 0, nil, fmt.Errorf("user not found: %s", id)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to record login failure: %w", err)
	}
	if !locked.Valid {
		return attempts, nil, nil
	}
	t := locked.Time
	return attempts, &t, nil
}

// ResetLoginFailures は失敗カウンタとロックを解除する。
func (r *PostgresUserRepo) ResetLoginFailures(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2
		 WHERE id = $1 AND (failed_login_attempts <> 0 OR locked_until IS NOT NULL)`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("failed to reset login failures: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		user   model.User
		role   string
		locked sql.NullTime
	)
	err := row.Scan(
		&user.ID, &user.Handle, &user.Email, &user.PasswordHash, &user.DisplayName,
		&role, &user.IsActive, &user.FailedLoginAttempts, &locked,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Role = model.Role(role)
	if locked.Valid {
		t := locked.Time
		user.LockedUntil = &t
	}
	return &user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
