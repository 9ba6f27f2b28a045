package realtime

import (
	"sync/atomic"

	"github.com/nao1215/notifyd/pkg/event"
	"go.uber.org/zap"
)

// TokenVerifier は購読時に提示されたトークンを検証し、トークンが表すユーザーIDを返す。
type TokenVerifier func(token string) (userID string, err error)

// Option はDispatcherの設定を変更する。
type Option func(*Dispatcher)

// WithTokenVerifier は購読時のトークン検証を有効にする。
func WithTokenVerifier(v TokenVerifier) Option {
	return func(d *Dispatcher) {
		d.verifier = v
	}
}

// WithMonitor はDispatcherのクローズ時に停止するハートビートを設定する。
func WithMonitor(m *Monitor) Option {
	return func(d *Dispatcher) {
		d.monitor = m
	}
}

// Dispatcher はRegistryを参照してセッションへ通知を配信する。
type Dispatcher struct {
	// registry は配信先セッションの参照元。
	registry *Registry
	// monitor はクローズ時に停止するハートビート。nilの場合は何もしない。
	monitor *Monitor
	// verifier は購読トークンの検証関数。nilの場合は検証しない。
	verifier TokenVerifier
	// logger はログ出力先。
	logger *zap.Logger
	// closed はクローズ済みかどうか。
	closed atomic.Bool
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(registry *Registry, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry は配信に使うRegistryを返す。
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Stats は接続数と購読ユーザー数を返す。
func (d *Dispatcher) Stats() Stats {
	return d.registry.Stats()
}

// SendNotification はユーザーを購読している全セッションへ通知を送信し、書き込めたセッション数を返す。
// 購読セッションがない場合は何も書き込まずに0を返す。
func (d *Dispatcher) SendNotification(userID string, payload any) int {
	sessions := d.registry.SessionsFor(userID)
	if len(sessions) == 0 {
		d.logger.Debug("購読中のセッションがありません", zap.String("user_id", userID))
		return 0
	}

	data, err := event.Encode(event.TypeNotification, payload)
	if err != nil {
		d.logger.Error("通知のシリアライズに失敗", zap.String("user_id", userID), zap.Error(err))
		return 0
	}

	sent := d.deliver(sessions, data)
	d.logger.Debug("通知を配信しました",
		zap.String("user_id", userID),
		zap.Int("sessions", len(sessions)),
		zap.Int("sent", sent),
	)
	return sent
}

// Broadcast は開いている全セッションへ通知を送信し、書き込めたセッション数を返す。
func (d *Dispatcher) Broadcast(payload any) int {
	sessions := d.registry.Sessions()
	if len(sessions) == 0 {
		return 0
	}

	data, err := event.Encode(event.TypeNotification, payload)
	if err != nil {
		d.logger.Error("ブロードキャストのシリアライズに失敗", zap.Error(err))
		return 0
	}

	sent := d.deliver(sessions, data)
	d.logger.Info("ブロードキャストを配信しました", zap.Int("sessions", len(sessions)), zap.Int("sent", sent))
	return sent
}

// deliver はセッションごとに独立して書き込む。閉じたセッションは飛ばし、書き込みの失敗はログに残すのみとする。
func (d *Dispatcher) deliver(sessions []*Session, data []byte) int {
	sent := 0
	for _, s := range sessions {
		if !s.IsOpen() {
			continue
		}
		if err := s.Send(data); err != nil {
			d.logger.Warn("セッションへの送信に失敗", zap.String("session_id", s.ID()), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Closed はDispatcherがクローズ済みかどうかを返す。
func (d *Dispatcher) Closed() bool {
	return d.closed.Load()
}

// Close はハートビートを停止し、開いている全セッションを閉じる。
// 以降の新規接続は受け付けない。送信中のメッセージは破棄されることがある。
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	for _, s := range d.registry.Sessions() {
		d.registry.Unregister(s)
		if err := s.Close(); err != nil {
			d.logger.Debug("セッションのクローズに失敗", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}
}
