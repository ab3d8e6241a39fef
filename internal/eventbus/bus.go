// Package eventbus はライブ接続へのドメインイベント配信を提供する。
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/yardops/internal/metrics"
	"github.com/hitoshi/yardops/internal/model"
)

// DefaultBufferSize は接続ごとの送信キューの既定サイズ。
const DefaultBufferSize = 64

// Conn は1本のライブ接続を表す。
// 送信キューが溢れた場合、そのイベントはこの接続に対してのみ破棄される。
type Conn struct {
	id       string
	branchID string
	send     chan model.DomainEvent
	done     chan struct{}
	once     sync.Once
}

// ID は接続IDを返す。
func (c *Conn) ID() string { return c.id }

// BranchID は接続時に指定された拠点IDを返す。
func (c *Conn) BranchID() string { return c.branchID }

// Events は配信されたイベントを受け取るチャネルを返す。
func (c *Conn) Events() <-chan model.DomainEvent { return c.send }

// Done は切断時にクローズされるチャネルを返す。
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) close() bool {
	closed := false
	c.once.Do(func() {
		close(c.done)
		closed = true
	})
	return closed
}

// Options はBusの設定。
type Options struct {
	// BufferSize は接続ごとの送信キューのサイズ。0以下の場合はDefaultBufferSize。
	BufferSize int
	// FilterByBranch がtrueの場合、拠点を持つイベントはその拠点の接続にのみ配信する。
	FilterByBranch bool
	Metrics        metrics.MetricsCollector
	Logger         *slog.Logger
}

// Bus はライブ接続の集合を保持し、イベントを全接続へ配信する。
// グローバルには持たず、生成したインスタンスを注入して使う。
type Bus struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	bufferSize     int
	filterByBranch bool
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
}

// New はBusを生成する。
func New(opts Options) *Bus {
	b := &Bus{
		conns:          make(map[string]*Conn),
		bufferSize:     opts.BufferSize,
		filterByBranch: opts.FilterByBranch,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}
	if b.bufferSize <= 0 {
		b.bufferSize = DefaultBufferSize
	}
	if b.metrics == nil {
		b.metrics = metrics.Nop{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Connect は拠点branchIDのライブ接続を登録する。
func (b *Bus) Connect(branchID string) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		branchID: branchID,
		send:     make(chan model.DomainEvent, b.bufferSize),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.conns[c.id] = c
	n := len(b.conns)
	b.mu.Unlock()

	b.metrics.SetLiveConnections(n)
	b.logger.Debug("live connection opened",
		slog.String("conn_id", c.id),
		slog.String("branch_id", branchID),
	)
	return c
}

// Disconnect は接続を登録解除する。複数回呼んでもよい。
func (b *Bus) Disconnect(c *Conn) {
	if c == nil {
		return
	}

	b.mu.Lock()
	delete(b.conns, c.id)
	n := len(b.conns)
	b.mu.Unlock()

	if c.close() {
		b.metrics.SetLiveConnections(n)
		b.logger.Debug("live connection closed", slog.String("conn_id", c.id))
	}
}

// Broadcast はイベントを登録済みの接続へ配信し、キューに入った接続数を返す。
// 接続集合のスナップショットを取ってからロック外で送信するため、
// 配信中の接続・切断をブロックしない。送信はブロックせず、満杯の接続はスキップする。
func (b *Bus) Broadcast(evt model.DomainEvent) int {
	b.mu.RLock()
	targets := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		if b.filterByBranch && evt.BranchID != "" && c.branchID != evt.BranchID {
			continue
		}
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	b.metrics.RecordEventBroadcast(evt.Kind)

	delivered := 0
	for _, c := range targets {
		select {
		case <-c.done:
			continue
		default:
		}

		select {
		case c.send <- evt:
			delivered++
		default:
			b.metrics.RecordEventDropped()
			b.logger.Warn("dropped event for slow connection",
				slog.String("conn_id", c.id),
				slog.String("kind", evt.Kind),
			)
		}
	}
	return delivered
}

// Len は登録中の接続数を返す。
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Close は登録中の接続をすべて切断する。シャットダウン時に使う。
func (b *Bus) Close() {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]*Conn)
	b.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	b.metrics.SetLiveConnections(0)
}
