package realtime

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxMessageSize はクライアントから受信する1メッセージの上限バイト数。
const maxMessageSize = 64 * 1024

// Endpoint はWebSocket接続を受け付け、受信メッセージをDispatcherへ渡す。
type Endpoint struct {
	// dispatcher はセッションの登録先と受信メッセージの処理先。
	dispatcher *Dispatcher
	// upgrader はHTTP接続をWebSocketへ切り替える。
	upgrader websocket.Upgrader
	// logger はログ出力先。
	logger *zap.Logger
}

// NewEndpoint は新しいEndpointを生成する。
// allowedOriginsに"*"を含めると全オリジンを許可する。Originヘッダーのない接続は常に許可する。
func NewEndpoint(dispatcher *Dispatcher, allowedOrigins []string, logger *zap.Logger) *Endpoint {
	return &Endpoint{
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
		logger: logger,
	}
}

// Handle はginのハンドラとして接続を処理する。
func (e *Endpoint) Handle(c *gin.Context) {
	e.Serve(c.Writer, c.Request)
}

// Serve はHTTP接続をWebSocketへ切り替え、切断されるまで受信ループを回す。
func (e *Endpoint) Serve(w http.ResponseWriter, r *http.Request) {
	if e.dispatcher.Closed() {
		http.Error(w, "サービスは停止中です", http.StatusServiceUnavailable)
		return
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Debug("WebSocketへのアップグレードに失敗", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	s := NewSession(conn)
	conn.SetPongHandler(func(string) error {
		s.MarkAlive()
		return nil
	})

	registry := e.dispatcher.Registry()
	registry.Register(s)
	defer func() {
		registry.Unregister(s)
		_ = s.Close()
		e.logger.Debug("WebSocket接続を閉じました", zap.String("session_id", s.ID()))
	}()

	// Close と競合した場合に登録が残らないよう、登録後にもう一度確認する
	if e.dispatcher.Closed() {
		return
	}
	e.logger.Debug("WebSocket接続を受け付けました", zap.String("session_id", s.ID()), zap.String("remote_addr", r.RemoteAddr))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Debug("WebSocket接続が異常終了しました", zap.String("session_id", s.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		e.dispatcher.HandleMessage(s, data)
	}
}
