package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hitoshi/yardops/internal/client"
	"github.com/hitoshi/yardops/internal/model"
)

const logoutTimeout = 5 * time.Second

// watchConfig はwatchサブコマンドの設定。サーバーの設定とは独立して環境変数から読む。
type watchConfig struct {
	BaseURL  string
	Handle   string
	Password string
	BranchID string
}

func loadWatchConfig() watchConfig {
	cfg := watchConfig{
		BaseURL:  os.Getenv("YARDOPS_URL"),
		Handle:   os.Getenv("YARDOPS_HANDLE"),
		Password: os.Getenv("YARDOPS_PASSWORD"),
		BranchID: os.Getenv("YARDOPS_BRANCH"),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	return cfg
}

func (c watchConfig) validate() error {
	var missing []string
	if c.Handle == "" {
		missing = append(missing, "YARDOPS_HANDLE")
	}
	if c.Password == "" {
		missing = append(missing, "YARDOPS_PASSWORD")
	}
	if c.BranchID == "" {
		missing = append(missing, "YARDOPS_BRANCH")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}

// freshTokenDialer は接続の直前にAPIを1回呼び、期限切れのアクセストークンを再発行しておくDialer。
// EventClient自体はトークンを再発行しないため、長時間の再接続でも有効なトークンで接続できる。
type freshTokenDialer struct {
	api  *client.Client
	next client.Dialer
}

func (d *freshTokenDialer) Dial(ctx context.Context, branchID string) (client.Stream, error) {
	if _, err := d.api.Me(ctx); err != nil {
		return nil, fmt.Errorf("failed to confirm session: %w", err)
	}
	return d.next.Dial(ctx, branchID)
}

// lineWriter は受信したイベントを1行1JSONでwに書き出す。
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (lw *lineWriter) write(kind string, data json.RawMessage) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.enc.Encode(client.Event{Kind: kind, Data: data}); err != nil {
		slog.Warn("failed to write event", slog.String("error", err.Error()))
	}
}

// runWatch はログインして拠点のライブ接続を購読し、受信したイベントをwに書き出す。
// ctxがキャンセルされるか再接続を諦めるまでブロックし、終了時にログアウトする。
func runWatch(ctx context.Context, w io.Writer, cfg watchConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	api := client.New(cfg.BaseURL, client.WithLogger(slog.Default()))
	res, err := api.Login(ctx, cfg.Handle, cfg.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancel()
		if err := api.Logout(logoutCtx); err != nil {
			slog.Warn("logout failed", slog.String("error", err.Error()))
		}
	}()

	slog.Info("logged in",
		slog.String("user_id", res.User.ID),
		slog.String("role", string(res.User.Role)),
		slog.String("branch_id", cfg.BranchID),
	)

	gaveUp := make(chan struct{})
	var gaveUpOnce sync.Once
	events := client.NewEventClient(client.EventClientOptions{
		Dialer: &freshTokenDialer{
			api:  api,
			next: &client.WebSocketDialer{BaseURL: api.BaseURL(), Tokens: api.Tokens()},
		},
		Logger: slog.Default(),
		OnStateChange: func(s client.State) {
			if s == client.StateGaveUp {
				gaveUpOnce.Do(func() { close(gaveUp) })
			}
		},
	})
	defer events.Close()

	out := &lineWriter{enc: json.NewEncoder(w)}
	events.On(model.EventKindUserUpdated, func(data json.RawMessage) {
		out.write(model.EventKindUserUpdated, data)
	})

	events.SelectBranch(cfg.BranchID)

	select {
	case <-ctx.Done():
		slog.Info("watch stopped")
		return nil
	case <-gaveUp:
		return errors.New("gave up reconnecting to live events")
	}
}
