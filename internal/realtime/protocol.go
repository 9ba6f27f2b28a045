package realtime

import (
	"errors"

	"github.com/nao1215/notifyd/pkg/event"
	"go.uber.org/zap"
)

// クライアントへ返すエラーメッセージ。
const (
	// MsgInvalidFormat はJSONとして解釈できないメッセージへの応答。
	MsgInvalidFormat = "Invalid message format"
	// MsgUnknownType は未知のtypeへの応答。
	MsgUnknownType = "Unknown message type"
	// MsgUserIDRequired はuser_idのないsubscribe/unsubscribeへの応答。
	MsgUserIDRequired = "user_id is required"
	// MsgUnauthorized はトークン検証に失敗したsubscribeへの応答。
	MsgUnauthorized = "unauthorized"
)

// ProtocolError は受信メッセージが不正であることを表す。
// 接続は閉じずに、同じセッションへerrorメッセージで応答する。
type ProtocolError struct {
	// Message はクライアントへ返すエラー内容。
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ProtocolError) Error() string {
	return "プロトコルエラー: " + e.Message
}

// HandleMessage はクライアントから受信した1件のメッセージを処理し、応答を書き込む。
func (d *Dispatcher) HandleMessage(s *Session, data []byte) {
	err := d.handle(s, data)
	if err == nil {
		return
	}

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		d.logger.Warn("応答の送信に失敗", zap.String("session_id", s.ID()), zap.Error(err))
		return
	}

	d.logger.Debug("不正なメッセージを受信", zap.String("session_id", s.ID()), zap.String("reason", perr.Message))
	if err := s.SendJSON(event.TypeError, event.ErrorPayload{Message: perr.Message}); err != nil {
		d.logger.Warn("エラー応答の送信に失敗", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

// handle はメッセージの種類ごとに処理を振り分ける。
func (d *Dispatcher) handle(s *Session, data []byte) error {
	msg, err := event.Decode(data)
	if err != nil {
		return &ProtocolError{Message: MsgInvalidFormat}
	}

	switch msg.Type {
	case event.TypeSubscribe:
		return d.handleSubscribe(s, msg)
	case event.TypeUnsubscribe:
		return d.handleUnsubscribe(s, msg)
	case event.TypePing:
		return s.SendJSON(event.TypePong, nil)
	default:
		return &ProtocolError{Message: MsgUnknownType}
	}
}

// handleSubscribe はセッションをユーザーの購読集合に追加する。
func (d *Dispatcher) handleSubscribe(s *Session, msg *event.Inbound) error {
	p, err := subscriptionOf(msg)
	if err != nil {
		return err
	}

	if d.verifier != nil {
		userID, err := d.verifier(p.Token)
		if err != nil || userID != p.UserID {
			return &ProtocolError{Message: MsgUnauthorized}
		}
	}

	d.registry.Subscribe(p.UserID, s)
	d.logger.Debug("購読を開始しました", zap.String("session_id", s.ID()), zap.String("user_id", p.UserID))
	return s.SendJSON(event.TypeSubscribed, event.SubscriptionPayload{UserID: p.UserID, Token: p.Token})
}

// handleUnsubscribe はセッションをユーザーの購読集合から取り除く。
func (d *Dispatcher) handleUnsubscribe(s *Session, msg *event.Inbound) error {
	p, err := subscriptionOf(msg)
	if err != nil {
		return err
	}

	d.registry.Unsubscribe(p.UserID, s)
	d.logger.Debug("購読を解除しました", zap.String("session_id", s.ID()), zap.String("user_id", p.UserID))
	return s.SendJSON(event.TypeUnsubscribed, event.SubscriptionPayload{UserID: p.UserID})
}

// subscriptionOf はsubscribe/unsubscribeのペイロードを取り出す。
func subscriptionOf(msg *event.Inbound) (*event.SubscriptionPayload, error) {
	p, err := event.DecodePayload[event.SubscriptionPayload](msg)
	if err != nil {
		return nil, &ProtocolError{Message: MsgInvalidFormat}
	}
	if p.UserID == "" {
		return nil, &ProtocolError{Message: MsgUserIDRequired}
	}
	return p, nil
}
