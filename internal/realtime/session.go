package realtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nao1215/notifyd/pkg/event"
)

// writeWait は1回の書き込みに許容する時間。
const writeWait = 10 * time.Second

// ErrSessionClosed は閉じられたセッションへの送信時に返されるエラー。
var ErrSessionClosed = errors.New("セッションは既に閉じられています")

// Conn はセッションが利用するトランスポート接続。
// *websocket.Conn がこのインターフェースを満たす。
type Conn interface {
	// WriteMessage はデータメッセージを書き込む。
	WriteMessage(messageType int, data []byte) error
	// WriteControl はping等の制御フレームを書き込む。
	WriteControl(messageType int, data []byte, deadline time.Time) error
	// SetWriteDeadline は書き込み期限を設定する。
	SetWriteDeadline(t time.Time) error
	// Close は接続を閉じる。
	Close() error
}

// Session は1本のクライアント接続を表す。
type Session struct {
	// id はセッションの一意識別子。
	id string
	// conn は下位のトランスポート接続。
	conn Conn
	// alive は直近のpingに応答したかどうか。
	alive atomic.Bool
	// closed はセッションが閉じられたかどうか。
	closed atomic.Bool
	// writeMu はデータメッセージの書き込みを直列化する。
	writeMu sync.Mutex
}

// NewSession は接続をラップした新しいセッションを生成する。
// 生成直後のセッションは生存状態として扱われる。
func NewSession(conn Conn) *Session {
	s := &Session{
		id:   uuid.New().String(),
		conn: conn,
	}
	s.alive.Store(true)
	return s
}

// ID はセッションIDを返す。
func (s *Session) ID() string {
	return s.id
}

// Send はテキストメッセージを書き込む。
func (s *Session) Send(data []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("書き込み期限の設定に失敗: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("メッセージの書き込みに失敗: %w", err)
	}
	return nil
}

// SendJSON は種類とデータをエンベロープに包んで書き込む。
func (s *Session) SendJSON(t event.MessageType, payload any) error {
	data, err := event.Encode(t, payload)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Ping はWebSocketのping制御フレームを送信する。
func (s *Session) Ping() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close はセッションを閉じる。2回目以降の呼び出しは何もしない。
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// IsOpen はセッションが開いているかどうかを返す。
func (s *Session) IsOpen() bool {
	return !s.closed.Load()
}

// MarkAlive はセッションを生存状態にする。pong受信時に呼び出される。
func (s *Session) MarkAlive() {
	s.alive.Store(true)
}

// IsAlive は生存フラグを返す。
func (s *Session) IsAlive() bool {
	return s.alive.Load()
}

// expire は生存フラグを落とし、落とす前に生存していたかどうかを返す。
// falseが返った場合は前回のpingに応答しなかったことを意味する。
func (s *Session) expire() bool {
	return s.alive.CompareAndSwap(true, false)
}
