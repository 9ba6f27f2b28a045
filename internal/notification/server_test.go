package notification

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nao1215/notifyd/internal/realtime"
	"github.com/nao1215/notifyd/pkg/httpclient"
	"github.com/nao1215/notifyd/pkg/middleware"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWT秘密鍵。
const testSecret = "test-secret"

// setupTestServer はインメモリSQLiteとローカルのDispatcherで通知サーバーを構築する。
func setupTestServer(t *testing.T, jwtSecret string) (*Server, *realtime.Dispatcher) {
	t.Helper()

	store := newTestStore(t)
	var opts []realtime.Option
	if jwtSecret != "" {
		opts = append(opts, realtime.WithTokenVerifier(func(token string) (string, error) {
			claims, err := middleware.ParseJWT(jwtSecret, token)
			if err != nil {
				return "", err
			}
			return claims.UserID, nil
		}))
	}
	dispatcher := realtime.NewDispatcher(realtime.NewRegistry(), zap.NewNop(), opts...)
	t.Cleanup(dispatcher.Close)

	svc := NewService(store, dispatcher, zap.NewNop(), WithClock(steppingClock(baseTime)))
	cfg := ServerConfig{CORSOrigins: []string{"*"}, JWTSecret: jwtSecret}
	return NewServer(svc, dispatcher, cfg, zap.NewNop()), dispatcher
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// decodeBody はレスポンスボディをmapにデコードする。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v (%s)", err, w.Body.String())
	}
	return body
}

// createViaAPI はAPI経由で通知を作成し、IDを返す。
func createViaAPI(t *testing.T, s *Server, userID string) string {
	t.Helper()
	w := doRequest(s, http.MethodPost, "/api/notifications", "", map[string]string{
		"user_id": userID, "title": "T", "message": "M",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("通知の作成に失敗: status=%d body=%s", w.Code, w.Body.String())
	}
	return decodeBody(t, w)["data"].(map[string]any)["id"].(string)
}

func TestHandleCreate(t *testing.T) {
	t.Parallel()

	t.Run("通知を作成すると201が返ること", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, "")
		w := doRequest(s, http.MethodPost, "/api/notifications/", "", map[string]string{
			"user_id": "u1", "title": "T", "message": "M",
		})

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d (%s)", w.Code, http.StatusCreated, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["success"] != true {
			t.Errorf("success = %v, want true", body["success"])
		}
		data := body["data"].(map[string]any)
		if data["id"] == "" || data["type"] != "info" || data["is_read"] != false || data["read_at"] != nil {
			t.Errorf("data = %v", data)
		}
		if _, err := time.Parse(time.RFC3339Nano, data["created_at"].(string)); err != nil {
			t.Errorf("created_atがRFC3339ではない: %v", data["created_at"])
		}
	})

	tests := []struct {
		name string
		body any
	}{
		{name: "messageがない場合は400が返ること", body: map[string]string{"user_id": "u1", "title": "T"}},
		{name: "未知のtypeは400が返ること", body: map[string]string{"user_id": "u1", "title": "T", "message": "M", "type": "x"}},
		{name: "JSONでないボディは400が返ること", body: "not-an-object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, _ := setupTestServer(t, "")
			w := doRequest(s, http.MethodPost, "/api/notifications", "", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if decodeBody(t, w)["success"] != false {
				t.Error("success = true, want false")
			}
		})
	}
}

func TestHandleCreateBulk(t *testing.T) {
	t.Parallel()

	t.Run("一括作成で201と作成件数が返ること", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, "")
		w := doRequest(s, http.MethodPost, "/api/notifications/bulk", "", map[string]any{
			"notifications": []map[string]string{
				{"user_id": "u1", "title": "1", "message": "M"},
				{"user_id": "u2", "title": "2", "message": "M", "type": "success"},
			},
		})

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d (%s)", w.Code, http.StatusCreated, w.Body.String())
		}
		body := decodeBody(t, w)
		if got := len(body["data"].([]any)); got != 2 {
			t.Errorf("作成件数 = %d, want 2", got)
		}
		if body["message"] != "2件の通知を作成しました" {
			t.Errorf("message = %v", body["message"])
		}
	})

	t.Run("空の配列は400が返ること", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, "")
		w := doRequest(s, http.MethodPost, "/api/notifications/bulk", "", map[string]any{"notifications": []any{}})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

func TestHandleList(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, "")
	for range 3 {
		createViaAPI(t, s, "u1")
	}

	t.Run("ページングしてもtotalが全件数であること", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s, http.MethodGet, "/api/notifications/user/u1?limit=2&offset=0", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		body := decodeBody(t, w)
		if got := len(body["data"].([]any)); got != 2 {
			t.Errorf("件数 = %d, want 2", got)
		}
		if body["total"] != float64(3) || body["limit"] != float64(2) || body["offset"] != float64(0) {
			t.Errorf("total/limit/offset = %v/%v/%v", body["total"], body["limit"], body["offset"])
		}
	})

	t.Run("通知のないユーザーは空配列が返ること", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s, http.MethodGet, "/api/notifications/user/nobody?unreadOnly=true", "", nil)
		body := decodeBody(t, w)
		if data, ok := body["data"].([]any); !ok || len(data) != 0 {
			t.Errorf("data = %v, want []", body["data"])
		}
		if _, ok := body["limit"]; ok {
			t.Error("未指定のlimitが返された")
		}
	})

	t.Run("不正なlimitは400が返ること", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s, http.MethodGet, "/api/notifications/user/u1?limit=abc", "", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

func TestHandleGet(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, "")
	id := createViaAPI(t, s, "u1")

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "所有者は取得できること", path: "/api/notifications/" + id + "?user_id=u1", wantStatus: http.StatusOK},
		{name: "user_idがない場合は400が返ること", path: "/api/notifications/" + id, wantStatus: http.StatusBadRequest},
		{name: "他ユーザーは404が返ること", path: "/api/notifications/" + id + "?user_id=u2", wantStatus: http.StatusNotFound},
		{name: "存在しないIDは404が返ること", path: "/api/notifications/missing?user_id=u1", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := doRequest(s, http.MethodGet, tt.path, "", nil)
			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandleReadState(t *testing.T) {
	t.Parallel()

	t.Run("既読化・未読件数・一括既読化が連動すること", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, "")
		id := createViaAPI(t, s, "u1")
		createViaAPI(t, s, "u1")
		createViaAPI(t, s, "u1")

		w := doRequest(s, http.MethodPatch, "/api/notifications/"+id+"/read", "", map[string]string{"user_id": "u1"})
		if w.Code != http.StatusOK {
			t.Fatalf("既読化のステータスコード = %d (%s)", w.Code, w.Body.String())
		}
		data := decodeBody(t, w)["data"].(map[string]any)
		if data["is_read"] != true || data["read_at"] == nil {
			t.Errorf("既読になっていない: %v", data)
		}

		w = doRequest(s, http.MethodGet, "/api/notifications/user/u1/unread-count", "", nil)
		if got := decodeBody(t, w)["data"].(map[string]any)["count"]; got != float64(2) {
			t.Errorf("未読件数 = %v, want 2", got)
		}

		w = doRequest(s, http.MethodPatch, "/api/notifications/user/u1/read-all", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("一括既読化のステータスコード = %d", w.Code)
		}
		if got := decodeBody(t, w)["data"].(map[string]any)["count"]; got != float64(2) {
			t.Errorf("一括既読化の件数 = %v, want 2", got)
		}

		w = doRequest(s, http.MethodGet, "/api/notifications/user/u1/unread-count", "", nil)
		if got := decodeBody(t, w)["data"].(map[string]any)["count"]; got != float64(0) {
			t.Errorf("一括既読化後の未読件数 = %v, want 0", got)
		}
	})

	t.Run("既読化でuser_idがない場合は400が返ること", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, "")
		id := createViaAPI(t, s, "u1")
		w := doRequest(s, http.MethodPatch, "/api/notifications/"+id+"/read", "", map[string]string{})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("存在しない通知の既読化は404が返ること", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, "")
		w := doRequest(s, http.MethodPatch, "/api/notifications/missing/read", "", map[string]string{"user_id": "u1"})
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

func TestHandleUpdate(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, "")
	id := createViaAPI(t, s, "u1")

	w := doRequest(s, http.MethodPut, "/api/notifications/"+id, "", map[string]any{
		"user_id": "u1", "title": "updated", "is_read": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d (%s)", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["title"] != "updated" || data["message"] != "M" || data["is_read"] != true || data["read_at"] == nil {
		t.Errorf("更新結果が想定外: %v", data)
	}

	w = doRequest(s, http.MethodPut, "/api/notifications/"+id, "", map[string]any{"user_id": "u1", "message": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("空のmessageのステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doRequest(s, http.MethodPut, "/api/notifications/"+id, "", map[string]any{"title": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("user_idなしのステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleDelete(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, "")
	id := createViaAPI(t, s, "u1")
	createViaAPI(t, s, "u1")
	createViaAPI(t, s, "u1")

	if w := doRequest(s, http.MethodDelete, "/api/notifications/"+id, "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("user_idなしのステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := doRequest(s, http.MethodDelete, "/api/notifications/"+id+"?user_id=u1", "", nil); w.Code != http.StatusOK {
		t.Errorf("削除のステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	if w := doRequest(s, http.MethodDelete, "/api/notifications/"+id+"?user_id=u1", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("削除済みのステータスコード = %d, want %d", w.Code, http.StatusNotFound)
	}

	w := doRequest(s, http.MethodDelete, "/api/notifications/user/u1/all", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("一括削除のステータスコード = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"] != float64(2) {
		t.Errorf("削除件数 = %v, want 2", body["count"])
	}

	w = doRequest(s, http.MethodGet, "/api/notifications/user/u1", "", nil)
	if got := decodeBody(t, w)["total"]; got != float64(0) {
		t.Errorf("一括削除後のtotal = %v, want 0", got)
	}
}

func TestHandleStats(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, "")
	createViaAPI(t, s, "u1")

	w := doRequest(s, http.MethodGet, "/api/notifications/user/u1/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d", w.Code)
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["total"] != float64(1) || data["unread"] != float64(1) {
		t.Errorf("total/unread = %v/%v", data["total"], data["unread"])
	}
	byType := data["byType"].(map[string]any)
	for _, typ := range Types() {
		if _, ok := byType[string(typ)]; !ok {
			t.Errorf("byTypeに%sがない", typ)
		}
	}
}

func TestHandleHealthAndNoRoute(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, "")

	t.Run("ヘルスチェックで接続数が返ること", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s, http.MethodGet, "/health", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["status"] != "healthy" {
			t.Errorf("status = %v, want healthy", body["status"])
		}
		ws := body["websocket"].(map[string]any)
		if ws["totalConnections"] != float64(0) || ws["subscribedUsers"] != float64(0) {
			t.Errorf("websocket = %v", ws)
		}
	})

	t.Run("未定義のルートは404のJSONが返ること", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s, http.MethodGet, "/api/unknown", "", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
		if decodeBody(t, w)["success"] != false {
			t.Error("success = true, want false")
		}
	})
}

func TestHandleBroadcast(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, "")
	w := doRequest(s, http.MethodPost, "/api/notifications/broadcast", "", map[string]string{"title": "T", "message": "M"})
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d (%s)", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["sent"] != float64(0) {
		t.Errorf("sent = %v, want 0", data["sent"])
	}
	if data["notification"].(map[string]any)["type"] != "system" {
		t.Errorf("type = %v, want system", data["notification"])
	}
}

func TestJWTIdentity(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, testSecret)
	token, err := middleware.GenerateJWT(testSecret, "u1", time.Hour)
	if err != nil {
		t.Fatalf("トークン生成に失敗: %v", err)
	}

	tests := []struct {
		name       string
		token      string
		userID     string
		wantStatus int
	}{
		{name: "トークンなしは401が返ること", token: "", userID: "u1", wantStatus: http.StatusUnauthorized},
		{name: "他ユーザーの操作は403が返ること", token: token, userID: "u2", wantStatus: http.StatusForbidden},
		{name: "本人の操作は成功すること", token: token, userID: "u1", wantStatus: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := doRequest(s, http.MethodPost, "/api/notifications", tt.token, map[string]string{
				"user_id": tt.userID, "title": "T", "message": "M",
			})
			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	t.Run("他ユーザーの一覧取得は403が返ること", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s, http.MethodGet, "/api/notifications/user/u2", token, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})
}

// dialWS はテストサーバーのWebSocketエンドポイントへ接続する。
func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket接続に失敗: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// wsMessage はWebSocketで受信したメッセージ。
type wsMessage struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// readWS は1件のメッセージを受信する。
func readWS(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	var msg wsMessage
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("メッセージの受信に失敗: %v", err)
	}
	return msg
}

func TestRealtimeDelivery(t *testing.T) {
	t.Parallel()

	t.Run("作成した通知が購読中の2つのセッションに1回ずつ届くこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, "")
		srv := httptest.NewServer(s.Handler())
		t.Cleanup(srv.Close)

		conns := []*websocket.Conn{dialWS(t, srv), dialWS(t, srv)}
		for _, conn := range conns {
			if err := conn.WriteJSON(map[string]any{"type": "subscribe", "payload": map[string]string{"user_id": "u1"}}); err != nil {
				t.Fatalf("subscribeの送信に失敗: %v", err)
			}
			if msg := readWS(t, conn); msg.Type != "subscribed" {
				t.Fatalf("type = %q, want subscribed", msg.Type)
			}
		}

		var created struct {
			Data Notification `json:"data"`
		}
		client := httpclient.New(srv.URL)
		err := client.PostJSON(t.Context(), "/api/notifications", CreateInput{UserID: "u1", Title: "T", Message: "M"}, &created)
		if err != nil {
			t.Fatalf("通知の作成に失敗: %v", err)
		}

		for i, conn := range conns {
			msg := readWS(t, conn)
			if msg.Type != "notification" {
				t.Errorf("conns[%d]: type = %q, want notification", i, msg.Type)
			}
			if msg.Payload["id"] != created.Data.ID {
				t.Errorf("conns[%d]: payload.id = %v, want %s", i, msg.Payload["id"], created.Data.ID)
			}
		}

		var health struct {
			Websocket realtime.Stats `json:"websocket"`
		}
		if err := client.GetJSON(t.Context(), "/health", &health); err != nil {
			t.Fatalf("ヘルスチェックに失敗: %v", err)
		}
		if health.Websocket.TotalConnections != 2 || health.Websocket.SubscribedUsers != 1 {
			t.Errorf("websocket = %+v", health.Websocket)
		}
	})

	t.Run("JWT有効時は本人のトークンでのみ購読できること", func(t *testing.T) {
		t.Parallel()

		s, dispatcher := setupTestServer(t, testSecret)
		srv := httptest.NewServer(s.Handler())
		t.Cleanup(srv.Close)

		token, err := middleware.GenerateJWT(testSecret, "u1", time.Hour)
		if err != nil {
			t.Fatalf("トークン生成に失敗: %v", err)
		}
		conn := dialWS(t, srv)

		for _, tc := range []struct {
			userID   string
			wantType string
		}{
			{userID: "u2", wantType: "error"},
			{userID: "u1", wantType: "subscribed"},
		} {
			payload := map[string]string{"user_id": tc.userID, "token": token}
			if err := conn.WriteJSON(map[string]any{"type": "subscribe", "payload": payload}); err != nil {
				t.Fatalf("subscribeの送信に失敗: %v", err)
			}
			if msg := readWS(t, conn); msg.Type != tc.wantType {
				t.Errorf("user_id=%s: type = %q, want %q", tc.userID, msg.Type, tc.wantType)
			}
		}

		if got := dispatcher.Stats().SubscribedUsers; got != 1 {
			t.Errorf("SubscribedUsers = %d, want 1", got)
		}
		if n := len(dispatcher.Registry().SessionsFor("u2")); n != 0 {
			t.Errorf("不正なトークンで購読された: %d", n)
		}
	})
}
