package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/yardops/internal/model"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultStableAfter    = 10 * time.Second
)

// State はEventClientの接続状態。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGaveUp:
		return "gave_up"
	}
	return "unknown"
}

// Event はライブ接続で受信した1フレーム。
type Event struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventHandler はイベント種別ごとのハンドラー。
type EventHandler func(data json.RawMessage)

// Stream は確立済みのライブ接続。
type Stream interface {
	// Receive は次のフレームを受信するまでブロックする。Closeされるとエラーを返す。
	Receive() (Event, error)
	Close() error
}

// Dialer は拠点を指定してライブ接続を確立する。
type Dialer interface {
	Dial(ctx context.Context, branchID string) (Stream, error)
}

// Timer はClock.AfterFuncが返すタイマー。*time.Timerが満たす。
type Timer interface {
	Stop() bool
}

// Clock は再接続の待機に使うタイマーと現在時刻の供給元。テストでは手動で進める実装に差し替える。
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// EventClientOptions はEventClientの設定。
type EventClientOptions struct {
	Dialer Dialer
	// Clock がnilの場合は実時間のタイマーを使う。
	Clock  Clock
	Logger *slog.Logger
	// MaxAttempts は連続して失敗した接続試行がこの回数に達するとGaveUpに遷移する。既定は5。
	MaxAttempts int
	// InitialBackoff から倍々に待機し、MaxBackoffで頭打ちにする。既定は1秒と30秒。
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// StableAfter 以上続いた接続が切れた場合のみ失敗回数をリセットする。
	// それより早く切れた接続は失敗した試行として数える。既定は10秒。
	StableAfter time.Duration
	// OnStateChange は状態が変わるたびに呼ばれる。内部のロックを保持したまま呼ぶため、
	// コールバックからEventClientのメソッドを呼んではならない。
	OnStateChange func(State)
}

// EventClient は切断されたライブ接続を指数バックオフで張り直す。
//
// 状態は Disconnected → Connecting → Connected → Disconnected → Connecting（待機後）… と遷移し、
// 連続してMaxAttempts回接続に失敗するとGaveUpで停止する。接続直後に切れる場合も失敗に数える。
// 拠点が未選択の間は何もしない。
// SelectBranchで拠点を選び直すと試行回数をリセットして接続し直す。
type EventClient struct {
	dialer         Dialer
	clock          Clock
	logger         *slog.Logger
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	stableAfter    time.Duration
	onStateChange  func(State)

	mu          sync.Mutex
	state       State
	branchID    string
	failures    int
	connectedAt time.Time
	gen         uint64
	cancel      context.CancelFunc
	stream      Stream
	timer       Timer
	closed      bool
	handlers    map[string]EventHandler
}

// NewEventClient はEventClientを生成する。生成直後はDisconnectedで、接続はSelectBranchで始まる。
func NewEventClient(opts EventClientOptions) *EventClient {
	c := &EventClient{
		dialer:         opts.Dialer,
		clock:          opts.Clock,
		logger:         opts.Logger,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		stableAfter:    opts.StableAfter,
		onStateChange:  opts.OnStateChange,
		handlers:       make(map[string]EventHandler),
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = defaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}
	if c.stableAfter <= 0 {
		c.stableAfter = defaultStableAfter
	}
	return c
}

// On はイベント種別kindのハンドラーを登録する。同じ種別への再登録は上書きする。
func (c *EventClient) On(kind string, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// State は現在の状態を返す。
func (c *EventClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelectBranch は購読する拠点を選択し、接続を開始する。
// 同じ拠点で接続中または接続済みであれば何もしない。空文字を渡すと切断して待機状態に戻る。
func (c *EventClient) SelectBranch(branchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if branchID == c.branchID && (c.state == StateConnecting || c.state == StateConnected) {
		return
	}

	c.teardownLocked()
	c.branchID = branchID
	c.failures = 0

	if branchID == "" {
		c.setStateLocked(StateDisconnected)
		return
	}
	c.connectLocked()
}

// Close は接続と再接続の予約をすべて止める。以後SelectBranchは何もしない。
func (c *EventClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.teardownLocked()
	c.setStateLocked(StateDisconnected)
}

// backoff はfailures回連続で失敗した後の待機時間を返す。
func (c *EventClient) backoff(failures int) time.Duration {
	d := c.initialBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.maxBackoff {
			return c.maxBackoff
		}
	}
	if d > c.maxBackoff {
		return c.maxBackoff
	}
	return d
}

func (c *EventClient) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.logger.Debug("event client state changed",
		slog.String("state", s.String()),
		slog.String("branch_id", c.branchID),
	)
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// teardownLocked は現在の世代の接続・待機をすべて無効にする。
func (c *EventClient) teardownLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
}

func (c *EventClient) connectLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(StateConnecting)
	go c.run(ctx, c.gen, c.branchID)
}

func (c *EventClient) scheduleLocked(d time.Duration) {
	gen := c.gen
	c.timer = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen || c.closed {
			return
		}
		c.timer = nil
		c.connectLocked()
	})
}

func (c *EventClient) run(ctx context.Context, gen uint64, branchID string) {
	stream, err := c.dialer.Dial(ctx, branchID)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		c.failures++
		c.logger.Warn("failed to open live connection",
			slog.String("branch_id", branchID),
			slog.Int("attempt", c.failures),
			slog.String("error", err.Error()),
		)
		if c.failures >= c.maxAttempts {
			c.setStateLocked(StateGaveUp)
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateDisconnected)
		c.scheduleLocked(c.backoff(c.failures))
		c.mu.Unlock()
		return
	}
	c.stream = stream
	c.connectedAt = c.clock.Now()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	for {
		evt, err := stream.Receive()
		if err != nil {
			break
		}
		c.dispatch(evt)
	}
	_ = stream.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.stream = nil
	uptime := c.clock.Now().Sub(c.connectedAt)
	c.logger.Info("live connection lost",
		slog.String("branch_id", branchID),
		slog.Duration("uptime", uptime),
	)
	if uptime >= c.stableAfter {
		c.failures = 0
		c.setStateLocked(StateDisconnected)
		c.scheduleLocked(c.backoff(1))
		return
	}
	c.failures++
	if c.failures >= c.maxAttempts {
		c.logger.Warn("live connection keeps dropping, giving up",
			slog.String("branch_id", branchID),
			slog.Int("attempt", c.failures),
		)
		c.setStateLocked(StateGaveUp)
		return
	}
	c.setStateLocked(StateDisconnected)
	c.scheduleLocked(c.backoff(c.failures))
}

func (c *EventClient) dispatch(evt Event) {
	if evt.Kind == model.EventKindHeartbeat {
		return
	}

	c.mu.Lock()
	h, ok := c.handlers[evt.Kind]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("ignored unknown event kind", slog.String("kind", evt.Kind))
		return
	}
	h(evt.Data)
}
