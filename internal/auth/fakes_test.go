package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/yardops/internal/audit"
	"github.com/hitoshi/yardops/internal/model"
	"github.com/hitoshi/yardops/internal/repository"
)

// --- テスト用フェイク ---

// fakeClock は手動で進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memUserRepo はPostgresUserRepoと同じ失敗カウンタ規則を持つインメモリ実装。
type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User

	findErr error
}

func newMemUserRepo(users ...*model.User) *memUserRepo {
	r := &memUserRepo{users: map[string]*model.User{}}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) FindByHandle(_ context.Context, handle string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	for _, u := range r.users {
		if u.Handle == handle {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Handle == user.Handle {
			return repository.ErrDuplicate
		}
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memUserRepo) UpdatePasswordHash(_ context.Context, id, hash string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return errors.New("user not found")
	}
	u.PasswordHash = hash
	u.UpdatedAt = now
	return nil
}

func (r *memUserRepo) SetActive(_ context.Context, id string, active bool, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false, nil
	}
	u.IsActive = active
	u.UpdatedAt = now
	return true, nil
}

func (r *memUserRepo) RecordLoginFailure(_ context.Context, id string, now time.Time, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return 0, nil, errors.New("user not found")
	}
	stale := u.LockedUntil != nil && !u.LockedUntil.After(now)
	if stale {
		u.FailedLoginAttempts = 1
		u.LockedUntil = nil
	} else {
		u.FailedLoginAttempts++
	}
	if u.FailedLoginAttempts >= threshold {
		t := lockUntil
		u.LockedUntil = &t
	}
	return u.FailedLoginAttempts, u.LockedUntil, nil
}

func (r *memUserRepo) ResetLoginFailures(_ context.Context, id string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	}
	return nil
}

func (r *memUserRepo) get(id string) *model.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.users[id]
	return &cp
}

// memRefreshRepo はインメモリのリフレッシュトークン台帳。
type memRefreshRepo struct {
	mu   sync.Mutex
	rows map[string]*model.RefreshTokenRecord

	sweptAt []time.Time
}

func newMemRefreshRepo() *memRefreshRepo {
	return &memRefreshRepo{rows: map[string]*model.RefreshTokenRecord{}}
}

func (r *memRefreshRepo) Create(_ context.Context, rec *model.RefreshTokenRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[rec.Token]; ok {
		return repository.ErrDuplicate
	}
	cp := *rec
	r.rows[rec.Token] = &cp
	return nil
}

func (r *memRefreshRepo) FindByToken(_ context.Context, token string) (*model.RefreshTokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[token]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *memRefreshRepo) DeleteByToken(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, token)
	return nil
}

func (r *memRefreshRepo) DeleteByUserID(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for token, rec := range r.rows {
		if rec.UserID == userID {
			delete(r.rows, token)
			n++
		}
	}
	return n, nil
}

func (r *memRefreshRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweptAt = append(r.sweptAt, now)
	var n int64
	for token, rec := range r.rows {
		if rec.ExpiresAt.Before(now) {
			delete(r.rows, token)
			n++
		}
	}
	return n, nil
}

func (r *memRefreshRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// stubHasher はargon2を使わずに照合するテスト用Hasher。
type stubHasher struct {
	malformed bool
}

func (stubHasher) Hash(password string) (string, error) {
	return "plain$" + password, nil
}

func (h stubHasher) Verify(password, encoded string) (bool, error) {
	if h.malformed || !strings.HasPrefix(encoded, "plain$") {
		return false, ErrMalformedHash
	}
	return strings.TrimPrefix(encoded, "plain$") == password, nil
}

// countingHasher はVerifyの呼び出し回数を数えるHasher。
type countingHasher struct {
	stubHasher
	mu       sync.Mutex
	verifies int
}

func (h *countingHasher) Verify(password, encoded string) (bool, error) {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return h.stubHasher.Verify(password, encoded)
}

func (h *countingHasher) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifies
}

// recordingAuditor は記録された監査入力を保持する。
type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Input
}

func (a *recordingAuditor) Record(_ context.Context, in audit.Input) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, in)
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

var (
	_ repository.UserRepository         = (*memUserRepo)(nil)
	_ repository.RefreshTokenRepository = (*memRefreshRepo)(nil)
	_ Hasher                            = stubHasher{}
	_ Hasher                            = (*countingHasher)(nil)
	_ Auditor                           = (*recordingAuditor)(nil)
)
