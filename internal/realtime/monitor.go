package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHeartbeatInterval はハートビートのデフォルト間隔。
const DefaultHeartbeatInterval = 30 * time.Second

// Monitor は定期的に全セッションへpingを送り、応答のないセッションを切断する。
// 1回pingに応答しなかったセッションは次の周期で切断されるため、猶予は2周期となる。
type Monitor struct {
	// registry は監視対象のセッションを保持する。
	registry *Registry
	// interval はハートビートの間隔。
	interval time.Duration
	// logger はログ出力先。
	logger *zap.Logger
	// mu はcancelとdoneを保護する。
	mu sync.Mutex
	// cancel はバックグラウンドゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
	// done はバックグラウンドゴルーチンの終了を通知する。
	done chan struct{}
}

// NewMonitor は新しいMonitorを生成する。intervalが0以下の場合はデフォルト値を使う。
func NewMonitor(registry *Registry, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		logger:   logger,
	}
}

// Start はバックグラウンドでハートビートを開始する。既に開始済みの場合は何もしない。
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		m.logger.Info("ハートビートを開始します", zap.Duration("interval", m.interval))
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("ハートビートを停止しました")
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

// Stop はハートビートを停止し、バックグラウンドゴルーチンの終了を待つ。
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// tick は1周期分の処理を行い、切断したセッション数を返す。
func (m *Monitor) tick() int {
	evicted := 0
	for _, s := range m.registry.Sessions() {
		if s.expire() {
			if err := s.Ping(); err != nil {
				m.logger.Debug("pingの送信に失敗", zap.String("session_id", s.ID()), zap.Error(err))
			}
			continue
		}

		m.registry.Unregister(s)
		if err := s.Close(); err != nil {
			m.logger.Debug("応答のないセッションのクローズに失敗", zap.String("session_id", s.ID()), zap.Error(err))
		}
		evicted++
	}
	if evicted > 0 {
		m.logger.Debug("応答のないセッションを切断しました", zap.Int("count", evicted))
	}
	return evicted
}
