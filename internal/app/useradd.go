package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hitoshi/yardops/internal/config"
	"github.com/hitoshi/yardops/internal/database"
	"github.com/hitoshi/yardops/internal/model"
	"github.com/hitoshi/yardops/internal/user"
)

// userAddPasswordEnv はuseraddで作成するユーザーのパスワードを渡す環境変数。
// コマンドライン引数はプロセス一覧から見えるため、パスワードは環境変数でのみ受け付ける。
const userAddPasswordEnv = "YARDOPS_NEW_PASSWORD"

// userCreator はuseraddに必要なユーザー作成のインターフェース。
type userCreator interface {
	Create(ctx context.Context, in user.CreateInput) (*model.PublicUser, error)
}

// parseUserAddArgs はuseraddの引数を解析する。
func parseUserAddArgs(args []string, getenv func(string) string) (user.CreateInput, error) {
	fs := flag.NewFlagSet("useradd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	handle := fs.String("handle", "", "login handle")
	email := fs.String("email", "", "email address")
	name := fs.String("name", "", "display name")
	role := fs.String("role", string(model.RoleGateOperator), "gate_operator|tenant_client|manager|admin")
	if err := fs.Parse(args); err != nil {
		return user.CreateInput{}, fmt.Errorf("invalid useradd arguments: %w", err)
	}

	in := user.CreateInput{
		Handle:      *handle,
		Email:       *email,
		DisplayName: *name,
		Role:        model.Role(strings.ToLower(strings.TrimSpace(*role))),
		Password:    getenv(userAddPasswordEnv),
	}
	if in.Handle == "" {
		return user.CreateInput{}, errors.New("useradd: -handle is required")
	}
	if in.Password == "" {
		return user.CreateInput{}, fmt.Errorf("useradd: %s is not set", userAddPasswordEnv)
	}
	return in, nil
}

// addUser はユーザーを作成し、作成結果をJSONでwに書き出す。
func addUser(ctx context.Context, w io.Writer, users userCreator, args []string, getenv func(string) string) error {
	in, err := parseUserAddArgs(args, getenv)
	if err != nil {
		return err
	}

	created, err := users.Create(ctx, in)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("useradd: %s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("useradd: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(created)
}

// runUserAdd はDBに接続してユーザーを作成する。
func runUserAdd(ctx context.Context, w io.Writer, cfg *config.Config, args []string) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	c, err := newComponents(cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer c.close()

	return addUser(ctx, w, c.userService, args, os.Getenv)
}
