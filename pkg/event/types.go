package event

import "encoding/json"

// MessageType はWebSocketで送受信するメッセージの種類を表す。
type MessageType string

const (
	// TypeNotification はサーバーからクライアントへの通知プッシュを表す。
	TypeNotification MessageType = "notification"
	// TypeSubscribe はクライアントがユーザー単位の購読を開始する要求を表す。
	TypeSubscribe MessageType = "subscribe"
	// TypeSubscribed は購読開始の応答を表す。
	TypeSubscribed MessageType = "subscribed"
	// TypeUnsubscribe はクライアントが購読を解除する要求を表す。
	TypeUnsubscribe MessageType = "unsubscribe"
	// TypeUnsubscribed は購読解除の応答を表す。
	TypeUnsubscribed MessageType = "unsubscribed"
	// TypePing はクライアントからのアプリケーションレベルの死活確認を表す。
	TypePing MessageType = "ping"
	// TypePong はpingへの応答を表す。
	TypePong MessageType = "pong"
	// TypeError は不正な受信メッセージへの応答を表す。
	TypeError MessageType = "error"
)

// Envelope はサーバーから送信するメッセージの共通フォーマット。
type Envelope struct {
	// Type はメッセージの種類。
	Type MessageType `json:"type"`
	// Payload はメッセージ固有のデータ。pongでは省略される。
	Payload any `json:"payload,omitempty"`
}

// Inbound はクライアントから受信したメッセージ。
// Payloadは種類ごとに DecodePayload で解釈する。
type Inbound struct {
	// Type はメッセージの種類。
	Type MessageType `json:"type"`
	// Payload はデコード前のメッセージ固有データ。
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscriptionPayload はsubscribe/unsubscribeおよびその応答のデータ。
type SubscriptionPayload struct {
	// UserID は購読対象のユーザーID。
	UserID string `json:"user_id"`
	// Token は購読時に提示する認証トークン。
	Token string `json:"token,omitempty"`
}

// ErrorPayload はerrorメッセージのデータ。
type ErrorPayload struct {
	// Message はエラー内容。
	Message string `json:"message"`
}
