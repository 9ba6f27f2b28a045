package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nao1215/notifyd/pkg/event"
)

// fakeConn はテスト用のConn実装。書き込まれたメッセージを記録する。
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	pings    int
	closed   bool
	writeErr error
	pingErr  error
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	c.messages = append(c.messages, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingErr != nil {
		return c.pingErr
	}
	if messageType == websocket.PingMessage {
		c.pings++
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// sent は書き込まれたメッセージをデコードして返す。
func (c *fakeConn) sent(t *testing.T) []receivedEnvelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]receivedEnvelope, 0, len(c.messages))
	for _, m := range c.messages {
		var env receivedEnvelope
		if err := json.Unmarshal(m, &env); err != nil {
			t.Fatalf("送信メッセージのデコードに失敗: %v (%s)", err, m)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// receivedEnvelope はクライアント側から見た受信メッセージ。
type receivedEnvelope struct {
	Type    event.MessageType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

// payloadMap はPayloadをmapとしてデコードする。
func (e receivedEnvelope) payloadMap(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		t.Fatalf("ペイロードのデコードに失敗: %v (%s)", err, e.Payload)
	}
	return m
}

// newFakeSession はfakeConnを持つセッションを生成する。
func newFakeSession() (*Session, *fakeConn) {
	conn := &fakeConn{}
	return NewSession(conn), conn
}
