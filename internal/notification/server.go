package notification

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/notifyd/internal/realtime"
	"github.com/nao1215/notifyd/pkg/middleware"
	"go.uber.org/zap"
)

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// CORSOrigins はCORSとWebSocketで許可するオリジン。
	CORSOrigins []string
	// JWTSecret はJWT検証用の秘密鍵。空の場合はAPIを認証しない。
	JWTSecret string
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// service は通知のライフサイクル管理。
	service *Service
	// dispatcher はWebSocket配信と接続数の集計元。
	dispatcher *realtime.Dispatcher
	// cfg はサーバー設定。
	cfg ServerConfig
	// logger はログ出力先。
	logger *zap.Logger
}

// NewServer は新しい通知サーバーを生成し、ルーティングを設定する。
func NewServer(service *Service, dispatcher *realtime.Dispatcher, cfg ServerConfig, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLog(logger))
	router.Use(middleware.CORS(cfg.CORSOrigins))

	s := &Server{
		router:     router,
		service:    service,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
	s.setupRoutes()
	return s
}

// Handler はhttp.Serverに渡すハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/notifications")
	if s.cfg.JWTSecret != "" {
		api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	}
	{
		// 通知作成
		api.POST("", s.handleCreate())
		api.POST("/", s.handleCreate())
		api.POST("/bulk", s.handleCreateBulk())
		// 全体通知（保存しない）
		api.POST("/broadcast", s.handleBroadcast())

		// 通知取得
		api.GET("/user/:user_id", s.handleList())
		api.GET("/:id", s.handleGet())

		// 集計
		api.GET("/user/:user_id/unread-count", s.handleUnreadCount())
		api.GET("/user/:user_id/stats", s.handleStats())

		// 通知更新
		api.PATCH("/:id/read", s.handleMarkAsRead())
		api.PATCH("/user/:user_id/read-all", s.handleMarkAllAsRead())
		api.PUT("/:id", s.handleUpdate())

		// 通知削除
		api.DELETE("/:id", s.handleDelete())
		api.DELETE("/user/:user_id/all", s.handleDeleteAll())
	}

	// WebSocket
	s.router.GET("/ws", realtime.NewEndpoint(s.dispatcher, s.cfg.CORSOrigins, s.logger).Handle)

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, response{Success: false, Error: "ルートが見つかりません"})
	})
}

// response はAPIの共通レスポンス形式。
type response struct {
	// Success は処理が成功したかどうか。
	Success bool `json:"success"`
	// Data はレスポンスデータ。
	Data any `json:"data,omitempty"`
	// Error はエラー内容。
	Error string `json:"error,omitempty"`
	// Message は補足メッセージ。
	Message string `json:"message,omitempty"`
}

// listResponse は通知一覧のレスポンス形式。
type listResponse struct {
	// Success は処理が成功したかどうか。
	Success bool `json:"success"`
	// Data は通知一覧。
	Data []*Notification `json:"data"`
	// Total はページング前の件数。
	Total int `json:"total"`
	// Limit はリクエストされた取得件数の上限。
	Limit *int `json:"limit,omitempty"`
	// Offset はリクエストされた読み飛ばし件数。
	Offset *int `json:"offset,omitempty"`
}

// deleteAllResponse は一括削除のレスポンス形式。
type deleteAllResponse struct {
	// Success は処理が成功したかどうか。
	Success bool `json:"success"`
	// Message は補足メッセージ。
	Message string `json:"message"`
	// Count は削除件数。
	Count int64 `json:"count"`
}

// userIDRequest はbodyでuser_idのみを受け取るリクエスト。
type userIDRequest struct {
	// UserID は操作対象のユーザーID。
	UserID string `json:"user_id"`
}

// bulkRequest は一括作成のリクエスト。
type bulkRequest struct {
	// Notifications は作成する通知の一覧。
	Notifications []CreateInput `json:"notifications"`
}

// updateRequest は通知更新のリクエスト。
type updateRequest struct {
	// UserID は操作対象のユーザーID。
	UserID string `json:"user_id"`
	Patch
}

// handleCreate は通知を作成して配信するハンドラ。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateInput
		if !s.bindJSON(c, &req) || !s.authorize(c, req.UserID) {
			return
		}

		n, err := s.service.Create(c.Request.Context(), req)
		if err != nil {
			s.fail(c, err, "通知の作成に失敗しました")
			return
		}
		c.JSON(http.StatusCreated, response{Success: true, Data: n, Message: "通知を作成して送信しました"})
	}
}

// handleCreateBulk は複数の通知を作成するハンドラ。
func (s *Server) handleCreateBulk() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkRequest
		if !s.bindJSON(c, &req) {
			return
		}
		for _, in := range req.Notifications {
			if !s.authorize(c, in.UserID) {
				return
			}
		}

		created, err := s.service.CreateBulk(c.Request.Context(), req.Notifications)
		if err != nil {
			s.fail(c, err, "通知の一括作成に失敗しました")
			return
		}
		c.JSON(http.StatusCreated, response{
			Success: true,
			Data:    created,
			Message: fmt.Sprintf("%d件の通知を作成しました", len(created)),
		})
	}
}

// handleBroadcast は接続中の全クライアントへ通知を配信するハンドラ。
func (s *Server) handleBroadcast() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BroadcastInput
		if !s.bindJSON(c, &req) {
			return
		}

		n, sent, err := s.service.Broadcast(c.Request.Context(), req)
		if err != nil {
			s.fail(c, err, "全体通知の配信に失敗しました")
			return
		}
		c.JSON(http.StatusOK, response{
			Success: true,
			Data:    gin.H{"notification": n, "sent": sent},
			Message: "全体通知を配信しました",
		})
	}
}

// handleList はユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		if !s.authorize(c, userID) {
			return
		}

		limit, ok := s.queryInt(c, "limit")
		if !ok {
			return
		}
		offset, ok := s.queryInt(c, "offset")
		if !ok {
			return
		}

		opts := ListOptions{UnreadOnly: c.Query("unreadOnly") == "true"}
		if limit != nil {
			opts.Limit = *limit
		}
		if offset != nil {
			opts.Offset = *offset
		}

		items, total, err := s.service.List(c.Request.Context(), userID, opts)
		if err != nil {
			s.fail(c, err, "通知一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, listResponse{Success: true, Data: items, Total: total, Limit: limit, Offset: offset})
	}
}

// handleGet は1件の通知を返すハンドラ。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, response{Success: false, Error: "クエリパラメータuser_idが必要です"})
			return
		}
		if !s.authorize(c, userID) {
			return
		}

		n, err := s.service.Get(c.Request.Context(), c.Param("id"), userID)
		if err != nil {
			s.fail(c, err, "通知の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, response{Success: true, Data: n})
	}
}

// handleUnreadCount は未読通知数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		if !s.authorize(c, userID) {
			return
		}

		count, err := s.service.UnreadCount(c.Request.Context(), userID)
		if err != nil {
			s.fail(c, err, "未読件数の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, response{Success: true, Data: gin.H{"count": count}})
	}
}

// handleStats は通知の集計を返すハンドラ。
func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		if !s.authorize(c, userID) {
			return
		}

		stats, err := s.service.Stats(c.Request.Context(), userID)
		if err != nil {
			s.fail(c, err, "通知の集計に失敗しました")
			return
		}
		c.JSON(http.StatusOK, response{Success: true, Data: stats})
	}
}

// handleMarkAsRead は通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req userIDRequest
		if !s.bindJSON(c, &req) {
			return
		}
		if req.UserID == "" {
			c.JSON(http.StatusBadRequest, response{Success: false, Error: "user_idが必要です"})
			return
		}
		if !s.authorize(c, req.UserID) {
			return
		}

		n, err := s.service.MarkAsRead(c.Request.Context(), c.Param("id"), req.UserID)
		if err != nil {
			s.fail(c, err, "通知の既読化に失敗しました")
			return
		}
		c.JSON(http.StatusOK, response{Success: true, Data: n, Message: "通知を既読にしました"})
	}
}

// handleMarkAllAsRead はユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		if !s.authorize(c, userID) {
			return
		}

		count, err := s.service.MarkAllAsRead(c.Request.Context(), userID)
		if err != nil {
			s.fail(c, err, "通知の一括既読化に失敗しました")
			return
		}
		c.JSON(http.StatusOK, response{
			Success: true,
			Data:    gin.H{"count": count},
			Message: "全ての通知を既読にしました",
		})
	}
}

// handleUpdate は通知を部分更新するハンドラ。
func (s *Server) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateRequest
		if !s.bindJSON(c, &req) {
			return
		}
		if req.UserID == "" {
			c.JSON(http.StatusBadRequest, response{Success: false, Error: "user_idが必要です"})
			return
		}
		if !s.authorize(c, req.UserID) {
			return
		}

		n, err := s.service.Update(c.Request.Context(), c.Param("id"), req.UserID, req.Patch)
		if err != nil {
			s.fail(c, err, "通知の更新に失敗しました")
			return
		}
		c.JSON(http.StatusOK, response{Success: true, Data: n, Message: "通知を更新しました"})
	}
}

// handleDelete は通知を削除するハンドラ。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, response{Success: false, Error: "クエリパラメータuser_idが必要です"})
			return
		}
		if !s.authorize(c, userID) {
			return
		}

		deleted, err := s.service.Delete(c.Request.Context(), c.Param("id"), userID)
		if err != nil {
			s.fail(c, err, "通知の削除に失敗しました")
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, response{Success: false, Error: ErrNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, response{Success: true, Message: "通知を削除しました"})
	}
}

// handleDeleteAll はユーザーの全通知を削除するハンドラ。
func (s *Server) handleDeleteAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		if !s.authorize(c, userID) {
			return
		}

		count, err := s.service.DeleteAll(c.Request.Context(), userID)
		if err != nil {
			s.fail(c, err, "通知の一括削除に失敗しました")
			return
		}
		c.JSON(http.StatusOK, deleteAllResponse{
			Success: true,
			Message: fmt.Sprintf("%d件の通知を削除しました", count),
			Count:   count,
		})
	}
}

// handleHealth はサービスの稼働状態とWebSocket接続数を返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"websocket": s.dispatcher.Stats(),
		})
	}
}

// bindJSON はリクエストボディをデシリアライズする。失敗した場合は400を返してfalseを返す。
func (s *Server) bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, response{Success: false, Error: "リクエストボディが不正です", Message: err.Error()})
		return false
	}
	return true
}

// authorize はJWT認証が有効な場合に、認証済みユーザーと操作対象のユーザーが一致するかを確認する。
// 一致しない場合は403を返してfalseを返す。
func (s *Server) authorize(c *gin.Context, userID string) bool {
	if s.cfg.JWTSecret == "" {
		return true
	}
	if authUserID := middleware.GetUserID(c); authUserID != userID {
		s.fail(c, ErrForbidden, "")
		return false
	}
	return true
}

// queryInt はクエリパラメータを整数として取り出す。未指定の場合はnilを返す。
// 不正な値の場合は400を返してfalseを返す。
func (s *Server) queryInt(c *gin.Context, key string) (*int, bool) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return nil, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, response{Success: false, Error: fmt.Sprintf("%sは0以上の整数である必要があります", key)})
		return nil, false
	}
	return &v, true
}

// fail はエラーの種類に応じたステータスコードでエラーレスポンスを返す。
func (s *Server) fail(c *gin.Context, err error, fallback string) {
	switch {
	case IsValidation(err):
		c.JSON(http.StatusBadRequest, response{Success: false, Error: err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, response{Success: false, Error: ErrNotFound.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, response{Success: false, Error: ErrForbidden.Error()})
	default:
		s.logger.Error(fallback, zap.Error(err))
		c.JSON(http.StatusInternalServerError, response{Success: false, Error: fallback, Message: err.Error()})
	}
}
