package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hitoshi/yardops/internal/model"
	"github.com/hitoshi/yardops/internal/user"
)

type mockUserCreator struct {
	createFn func(ctx context.Context, in user.CreateInput) (*model.PublicUser, error)
}

func (m *mockUserCreator) Create(ctx context.Context, in user.CreateInput) (*model.PublicUser, error) {
	return m.createFn(ctx, in)
}

func envOf(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestParseUserAddArgs(t *testing.T) {
	env := envOf(map[string]string{userAddPasswordEnv: "manager-pass-01"})

	in, err := parseUserAddArgs([]string{"-handle", "mgr01", "-email", "mgr@example.com", "-name", "Yard Manager", "-role", "Manager"}, env)
	if err != nil {
		t.Fatalf("parseUserAddArgs() error = %v", err)
	}
	if in.Handle != "mgr01" || in.Email != "mgr@example.com" || in.DisplayName != "Yard Manager" {
		t.Errorf("parsed input = %+v", in)
	}
	if in.Role != model.RoleManager {
		t.Errorf("Role = %q, want %q", in.Role, model.RoleManager)
	}
	if in.Password != "manager-pass-01" {
		t.Errorf("Password should come from %s", userAddPasswordEnv)
	}
}

func TestParseUserAddArgs_DefaultsToGateOperator(t *testing.T) {
	in, err := parseUserAddArgs([]string{"-handle", "gate01"}, envOf(map[string]string{userAddPasswordEnv: "x"}))
	if err != nil {
		t.Fatalf("parseUserAddArgs() error = %v", err)
	}
	if in.Role != model.RoleGateOperator {
		t.Errorf("Role = %q, want %q", in.Role, model.RoleGateOperator)
	}
}

func TestParseUserAddArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{name: "missing handle", args: nil, env: map[string]string{userAddPasswordEnv: "x"}, want: "-handle"},
		{name: "missing password", args: []string{"-handle", "gate01"}, env: nil, want: userAddPasswordEnv},
		{name: "unknown flag", args: []string{"-password", "leaked"}, env: nil, want: "invalid useradd arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseUserAddArgs(tt.args, envOf(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("parseUserAddArgs() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestAddUser_WritesCreatedUser(t *testing.T) {
	var got user.CreateInput
	creator := &mockUserCreator{createFn: func(_ context.Context, in user.CreateInput) (*model.PublicUser, error) {
		got = in
		return &model.PublicUser{ID: "u-1", Handle: in.Handle, Role: in.Role, IsActive: true}, nil
	}}

	var buf bytes.Buffer
	err := addUser(context.Background(), &buf, creator, []string{"-handle", "gate01", "-email", "g@example.com"},
		envOf(map[string]string{userAddPasswordEnv: "gate-pass-001"}))
	if err != nil {
		t.Fatalf("addUser() error = %v", err)
	}
	if got.Password != "gate-pass-001" {
		t.Errorf("Create received password %q", got.Password)
	}

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if out["id"] != "u-1" {
		t.Errorf("id = %v, want u-1", out["id"])
	}
	if strings.Contains(buf.String(), "gate-pass-001") {
		t.Error("output must not contain the password")
	}
}

func TestAddUser_ReportsAPIError(t *testing.T) {
	creator := &mockUserCreator{createFn: func(context.Context, user.CreateInput) (*model.PublicUser, error) {
		return nil, model.NewConflictError("handle or email already in use")
	}}

	err := addUser(context.Background(), &bytes.Buffer{}, creator, []string{"-handle", "gate01"},
		envOf(map[string]string{userAddPasswordEnv: "gate-pass-001"}))
	if err == nil || !strings.Contains(err.Error(), model.ErrCodeConflict) {
		t.Errorf("addUser() error = %v, want %s", err, model.ErrCodeConflict)
	}
}
