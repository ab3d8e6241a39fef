package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/hitoshi/yardops/internal/eventbus"
	"github.com/hitoshi/yardops/internal/middleware"
	"github.com/hitoshi/yardops/internal/model"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	frameWriteTimeout        = 10 * time.Second
)

// BranchQueryParam はライブ接続の拠点を指定するクエリパラメータ。
// ヘッダーを付けられないクライアントのために受け付ける。
const BranchQueryParam = "branch_id"

// EventSubscriber はライブ接続の登録と解除に必要なインターフェース。
type EventSubscriber interface {
	Connect(branchID string) *eventbus.Conn
	Disconnect(c *eventbus.Conn)
}

// EventsHandler はライブ接続（WebSocket）のHTTPハンドラー。
type EventsHandler struct {
	bus       EventSubscriber
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewEventsHandler はEventsHandlerを生成する。heartbeatが0以下の場合は30秒。
func NewEventsHandler(bus EventSubscriber, heartbeat time.Duration, logger *slog.Logger) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{bus: bus, heartbeat: heartbeat, logger: logger}
}

// Stream は接続をWebSocketにアップグレードし、バスのイベントを{kind, data}フレームで送る。
// 拠点はX-Branch-IDヘッダーまたはbranch_idクエリで指定する。
// GET /events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	branchID := strings.TrimSpace(r.Header.Get(middleware.BranchHeader))
	if branchID == "" {
		branchID = strings.TrimSpace(r.URL.Query().Get(BranchQueryParam))
	}
	if branchID == "" {
		middleware.WriteAPIError(w, model.NewBranchHeaderRequiredError())
		return
	}
	if apiErr := middleware.ValidateBranchID(branchID); apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	srv := websocket.Server{
		// Originの検証は行わない。接続の認可はBearerトークンで済んでいる。
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			h.serve(ws, user.ID, branchID)
		},
	}
	srv.ServeHTTP(w, r)
}

func (h *EventsHandler) serve(ws *websocket.Conn, userID, branchID string) {
	defer ws.Close()

	// http.Serverのタイムアウトで設定された期限をハイジャック後に解除する
	_ = ws.SetDeadline(time.Time{})

	conn := h.bus.Connect(branchID)
	defer h.bus.Disconnect(conn)

	h.logger.Info("live connection established",
		slog.String("conn_id", conn.ID()),
		slog.String("user_id", userID),
		slog.String("branch_id", branchID),
	)

	// クライアントからのフレームは読み捨て、切断の検知にのみ使う
	peerClosed := make(chan struct{})
	go func() {
		defer close(peerClosed)
		var discard string
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case evt := <-conn.Events():
			if err := h.send(ws, evt); err != nil {
				h.logSendFailure(conn, err)
				return
			}
		case <-ticker.C:
			if err := h.send(ws, model.DomainEvent{Kind: model.EventKindHeartbeat}); err != nil {
				h.logSendFailure(conn, err)
				return
			}
		case <-conn.Done():
			return
		case <-peerClosed:
			h.logger.Info("live connection closed by peer", slog.String("conn_id", conn.ID()))
			return
		}
	}
}

func (h *EventsHandler) send(ws *websocket.Conn, evt model.DomainEvent) error {
	if err := ws.SetWriteDeadline(time.Now().Add(frameWriteTimeout)); err != nil {
		return err
	}
	return websocket.JSON.Send(ws, evt)
}

func (h *EventsHandler) logSendFailure(conn *eventbus.Conn, err error) {
	h.logger.Warn("failed to send frame",
		slog.String("conn_id", conn.ID()),
		slog.String("error", err.Error()),
	)
}
