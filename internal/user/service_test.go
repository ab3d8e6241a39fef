package user

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/yardops/internal/audit"
	"github.com/hitoshi/yardops/internal/model"
	"github.com/hitoshi/yardops/internal/repository"
	"github.com/hitoshi/yardops/internal/security"
)

// --- モック ---

type mockUserRepo struct {
	findByIDFn  func(ctx context.Context, id string) (*model.User, error)
	createFn    func(ctx context.Context, user *model.User) error
	setActiveFn func(ctx context.Context, id string, active bool, now time.Time) (bool, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByHandle(context.Context, string) (*model.User, error) {
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) UpdatePasswordHash(context.Context, string, string, time.Time) error {
	return nil
}

func (m *mockUserRepo) SetActive(ctx context.Context, id string, active bool, now time.Time) (bool, error) {
	if m.setActiveFn != nil {
		return m.setActiveFn(ctx, id, active, now)
	}
	return true, nil
}

func (m *mockUserRepo) RecordLoginFailure(context.Context, string, time.Time, int, time.Time) (int, *time.Time, error) {
	return 0, nil, nil
}

func (m *mockUserRepo) ResetLoginFailures(context.Context, string, time.Time) error {
	return nil
}

type mockRevoker struct {
	calls []string
	err   error
}

func (m *mockRevoker) RevokeAll(_ context.Context, userID string) (int64, error) {
	m.calls = append(m.calls, userID)
	return 2, m.err
}

type mockPublisher struct {
	mu     sync.Mutex
	events []model.DomainEvent
}

func (m *mockPublisher) Broadcast(evt model.DomainEvent) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return 1
}

type mockAuditor struct {
	entries []audit.Input
}

func (m *mockAuditor) Record(_ context.Context, in audit.Input) {
	m.entries = append(m.entries, in)
}

type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "hashed:" + password, nil }
func (plainHasher) Verify(password, encoded string) (bool, error) {
	return encoded == "hashed:"+password, nil
}

var _ repository.UserRepository = (*mockUserRepo)(nil)

const (
	managerID  = "6f1c2a4e-0b7d-4c7e-9a51-2f3d8e1b7c10"
	operatorID = "b2e4d6f8-1a3c-4e5f-8b7d-9c0e1f2a3b4c"
)

var (
	manager  = &model.User{ID: managerID, Handle: "mgr", Role: model.RoleManager, IsActive: true}
	operator = &model.User{ID: operatorID, Handle: "gate01", Email: "gate01@example.com", Role: model.RoleGateOperator, IsActive: true}
)

func newTestService(repo *mockUserRepo, revoker *mockRevoker, pub *mockPublisher, auditor *mockAuditor) *Service {
	return NewService(Deps{
		Users:     repo,
		Tokens:    revoker,
		Hasher:    plainHasher{},
		Sanitizer: security.NewTextSanitizer(),
		Auditor:   auditor,
		Events:    pub,
		Now:       func() time.Time { return time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC) },
	})
}

// --- SetActive ---

func TestSetActive_Deactivate_RevokesAuditsAndBroadcasts(t *testing.T) {
	var gotActive *bool
	repo := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			u := *operator
			return &u, nil
		},
		setActiveFn: func(_ context.Context, id string, active bool, _ time.Time) (bool, error) {
			gotActive = &active
			return true, nil
		},
	}
	revoker := &mockRevoker{}
	pub := &mockPublisher{}
	auditor := &mockAuditor{}
	svc := newTestService(repo, revoker, pub, auditor)

	res, err := svc.SetActive(context.Background(), manager, "yard-1", operatorID, false)
	if err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if res.IsActive {
		t.Error("result IsActive = true, want false")
	}
	if gotActive == nil || *gotActive {
		t.Errorf("repository SetActive called with %v, want false", gotActive)
	}
	if len(revoker.calls) != 1 || revoker.calls[0] != operatorID {
		t.Errorf("RevokeAll calls = %v, want [%s]", revoker.calls, operatorID)
	}

	if len(auditor.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(auditor.entries))
	}
	entry := auditor.entries[0]
	if entry.Action != model.AuditActionUserDeactivate || entry.ActorID != managerID || entry.BranchID != "yard-1" || entry.EntityID != operatorID {
		t.Errorf("audit entry = %+v", entry)
	}
	before, _ := json.Marshal(entry.Before)
	after, _ := json.Marshal(entry.After)
	if string(before) == string(after) {
		t.Error("before and after states should differ")
	}

	if len(pub.events) != 1 {
		t.Fatalf("events = %d, want 1", len(pub.events))
	}
	if pub.events[0].Kind != model.EventKindUserUpdated || pub.events[0].BranchID != "yard-1" {
		t.Errorf("event = %+v", pub.events[0])
	}
}

func TestSetActive_Activate_DoesNotRevoke(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*model.User, error) {
			u := *operator
			u.IsActive = false
			return &u, nil
		},
	}
	revoker := &mockRevoker{}
	auditor := &mockAuditor{}
	svc := newTestService(repo, revoker, &mockPublisher{}, auditor)

	res, err := svc.SetActive(context.Background(), manager, "yard-1", operatorID, true)
	if err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if !res.IsActive {
		t.Error("result IsActive = false, want true")
	}
	if len(revoker.calls) != 0 {
		t.Errorf("RevokeAll should not be called on activation, got %v", revoker.calls)
	}
	if len(auditor.entries) != 1 || auditor.entries[0].Action != model.AuditActionUserActivate {
		t.Errorf("audit entries = %+v", auditor.entries)
	}
}

func TestSetActive_Unchanged_IsNoOp(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*model.User, error) {
			u := *operator
			return &u, nil
		},
		setActiveFn: func(context.Context, string, bool, time.Time) (bool, error) {
			t.Fatal("repository SetActive should not be called")
			return false, nil
		},
	}
	pub := &mockPublisher{}
	auditor := &mockAuditor{}
	svc := newTestService(repo, &mockRevoker{}, pub, auditor)

	if _, err := svc.SetActive(context.Background(), manager, "yard-1", operatorID, true); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if len(pub.events) != 0 || len(auditor.entries) != 0 {
		t.Error("no event or audit expected for unchanged state")
	}
}

func TestSetActive_NotFound(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockRevoker{}, &mockPublisher{}, &mockAuditor{})

	_, err := svc.SetActive(context.Background(), manager, "yard-1", "0d9c8b7a-6f5e-4d3c-2b1a-0f9e8d7c6b5a", false)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
		t.Errorf("error = %v, want USER_NOT_FOUND", err)
	}
}

func TestSetActive_MalformedID_ReturnsNotFoundWithoutLookup(t *testing.T) {
	called := false
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*model.User, error) {
			called = true
			return nil, errors.New("pq: invalid input syntax for type uuid")
		},
	}
	svc := newTestService(repo, &mockRevoker{}, &mockPublisher{}, &mockAuditor{})

	for _, id := range []string{"not-a-uuid", "", "123"} {
		_, err := svc.SetActive(context.Background(), manager, "yard-1", id, false)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
			t.Errorf("SetActive(%q) error = %v, want USER_NOT_FOUND", id, err)
		}
	}
	if called {
		t.Error("FindByID should not be called for a malformed id")
	}
}

func TestSetActive_CannotDeactivateSelf(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*model.User, error) {
			u := *manager
			return &u, nil
		},
	}
	svc := newTestService(repo, &mockRevoker{}, &mockPublisher{}, &mockAuditor{})

	_, err := svc.SetActive(context.Background(), manager, "yard-1", manager.ID, false)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeBadRequest {
		t.Errorf("error = %v, want BAD_REQUEST", err)
	}
}

func TestSetActive_RevokeFailure_IsReturned(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*model.User, error) {
			u := *operator
			return &u, nil
		},
	}
	revokeErr := errors.New("ledger unavailable")
	pub := &mockPublisher{}
	svc := newTestService(repo, &mockRevoker{err: revokeErr}, pub, &mockAuditor{})

	if _, err := svc.SetActive(context.Background(), manager, "", operatorID, false); !errors.Is(err, revokeErr) {
		t.Errorf("error = %v, want %v", err, revokeErr)
	}
	if len(pub.events) != 0 {
		t.Error("no event should be broadcast when revocation fails")
	}
}

// --- Create ---

func TestCreate_HashesPasswordAndSanitizesName(t *testing.T) {
	var stored *model.User
	repo := &mockUserRepo{
		createFn: func(_ context.Context, u *model.User) error {
			stored = u
			return nil
		},
	}
	svc := newTestService(repo, nil, nil, nil)

	res, err := svc.Create(context.Background(), CreateInput{
		Handle:      " gate02 ",
		Email:       "gate02@example.com",
		DisplayName: "<b>North Gate</b>",
		Password:    "long-enough-password",
		Role:        model.RoleGateOperator,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if stored == nil {
		t.Fatal("repository Create was not called")
	}
	if stored.PasswordHash != "hashed:long-enough-password" {
		t.Errorf("PasswordHash = %q", stored.PasswordHash)
	}
	if stored.Handle != "gate02" {
		t.Errorf("Handle = %q, want %q", stored.Handle, "gate02")
	}
	if res.DisplayName != "North Gate" {
		t.Errorf("DisplayName = %q, want %q", res.DisplayName, "North Gate")
	}
	if !stored.IsActive || stored.ID == "" {
		t.Errorf("stored user = %+v, want active with ID", stored)
	}
}

func TestCreate_Validation(t *testing.T) {
	valid := CreateInput{Handle: "h", Email: "h@example.com", Password: "long-enough-password", Role: model.RoleManager}

	tests := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"empty handle", func(in *CreateInput) { in.Handle = "  " }},
		{"bad email", func(in *CreateInput) { in.Email = "not-an-email" }},
		{"unknown role", func(in *CreateInput) { in.Role = "superuser" }},
		{"short password", func(in *CreateInput) { in.Password = "short" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(&mockUserRepo{}, nil, nil, nil)
			in := valid
			tt.mutate(&in)

			_, err := svc.Create(context.Background(), in)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeBadRequest {
				t.Errorf("error = %v, want BAD_REQUEST", err)
			}
		})
	}
}

func TestCreate_Duplicate_ReturnsConflict(t *testing.T) {
	repo := &mockUserRepo{
		createFn: func(context.Context, *model.User) error {
			return repository.ErrDuplicate
		},
	}
	svc := newTestService(repo, nil, nil, nil)

	_, err := svc.Create(context.Background(), CreateInput{
		Handle: "gate01", Email: "gate01@example.com", Password: "long-enough-password", Role: model.RoleGateOperator,
	})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeConflict {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}
