// Package audit は監査ログの非同期記録を提供する。
//
// 記録はレスポンスに対してfire-and-forgetで行う。キューに積んだ時点で呼び出し元に戻り、
// 書き込みはバックグラウンドのワーカーが行う。プロセスが異常終了した場合や
// キューが満杯の場合は記録が失われることがある。
package audit

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hitoshi/yardops/internal/metrics"
	"github.com/hitoshi/yardops/internal/model"
	"github.com/hitoshi/yardops/internal/repository"
	"github.com/hitoshi/yardops/internal/security"
)

// unserializablePlaceholder はbefore/afterのシリアライズに失敗した場合に保存する値。
var unserializablePlaceholder = json.RawMessage(`{"error":"unserializable"}`)

const (
	defaultBufferSize   = 256
	defaultWriteTimeout = 5 * time.Second
	maxUserAgentRunes   = 512
)

// Input は記録する監査イベント。
type Input struct {
	ActorID    string
	BranchID   string
	Action     string
	EntityType string
	EntityID   string
	Before     any
	After      any
	RemoteAddr string
	UserAgent  string
}

// Config はRecorderの設定。
type Config struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// Recorder は監査ログをバッファ付きチャネル経由で非同期に書き込む。
type Recorder struct {
	repo      repository.AuditLogRepository
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time

	ch   chan *model.AuditLogEntry
	done chan struct{}
	wg   sync.WaitGroup
	// mu はキューへの投入とCloseを排他する。投入中の記録がドレイン後に取り残されないようにする。
	mu     sync.RWMutex
	closed bool

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewRecorder はRecorderを生成し、書き込みワーカーを起動する。
func NewRecorder(cfg Config, repo repository.AuditLogRepository, sanitizer security.TextSanitizer, m metrics.MetricsCollector, logger *slog.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		repo:      repo,
		sanitizer: sanitizer,
		metrics:   m,
		logger:    logger,
		timeout:   cfg.WriteTimeout,
		now:       time.Now,
		ch:        make(chan *model.AuditLogEntry, cfg.BufferSize),
		done:      make(chan struct{}),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record は監査イベントをキューに積む。呼び出し元をブロックせず、エラーも返さない。
// キューが満杯または停止済みの場合は破棄してログに残す。
func (r *Recorder) Record(ctx context.Context, in Input) {
	if r == nil {
		return
	}
	entry := r.build(ctx, in)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(entry, "recorder closed")
		return
	}
	select {
	case r.ch <- entry:
	default:
		r.drop(entry, "queue full")
	}
}

// Close は新規受付を止め、キューに残った記録を書き終えてから戻る。
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case entry := <-r.ch:
			r.write(entry)
		case <-r.done:
			for {
				select {
				case entry := <-r.ch:
					r.write(entry)
				default:
					return
				}
			}
		}
	}
}

// write はリクエストのコンテキストとは独立したタイムアウト付きコンテキストで書き込む。
func (r *Recorder) write(entry *model.AuditLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.repo.Create(ctx, entry); err != nil {
		r.metrics.RecordAuditWriteFailure()
		r.logger.Error("failed to write audit log",
			slog.String("error", err.Error()),
			slog.String("audit_id", entry.ID),
			slog.String("action", entry.Action),
			slog.String("user_id", entry.UserID),
		)
	}
}

func (r *Recorder) drop(entry *model.AuditLogEntry, reason string) {
	r.metrics.RecordAuditWriteFailure()
	r.logger.Warn("audit log dropped",
		slog.String("reason", reason),
		slog.String("action", entry.Action),
		slog.String("user_id", entry.UserID),
	)
}

func (r *Recorder) build(ctx context.Context, in Input) *model.AuditLogEntry {
	meta := RequestMetaFromContext(ctx)
	if in.RemoteAddr == "" {
		in.RemoteAddr = meta.RemoteAddr
	}
	if in.UserAgent == "" {
		in.UserAgent = meta.UserAgent
	}

	now := r.now()
	entry := &model.AuditLogEntry{
		ID:          r.newID(now),
		UserID:      in.ActorID,
		Action:      in.Action,
		EntityType:  in.EntityType,
		BeforeState: serialize(in.Before),
		AfterState:  serialize(in.After),
		IPAddress:   in.RemoteAddr,
		UserAgent:   in.UserAgent,
		CreatedAt:   now,
	}
	if in.BranchID != "" {
		b := in.BranchID
		entry.BranchID = &b
	}
	if in.EntityID != "" {
		id := in.EntityID
		entry.EntityID = &id
	}
	if r.sanitizer != nil {
		entry.UserAgent = r.sanitizer.Sanitize(entry.UserAgent, maxUserAgentRunes)
	}
	return entry
}

func (r *Recorder) newID(t time.Time) string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), r.entropy).String()
}

// serialize はvをJSONに変換する。nilはnil、失敗時はプレースホルダーを返す。
func serialize(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return unserializablePlaceholder
	}
	return b
}
