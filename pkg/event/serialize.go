package event

import (
	"encoding/json"
	"fmt"
)

// Encode は種類とデータからEnvelopeを生成してJSONにシリアライズする。
func Encode(t MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(Envelope{Type: t, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	return data, nil
}

// EncodeError はerrorメッセージをシリアライズする。
func EncodeError(message string) ([]byte, error) {
	return Encode(TypeError, ErrorPayload{Message: message})
}

// Decode はクライアントから受信したJSONをInboundにデシリアライズする。
// JSONオブジェクトでない場合やtypeが空の場合はエラーを返す。
func Decode(data []byte) (*Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("メッセージのデシリアライズに失敗: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("メッセージのtypeが空です")
	}
	return &m, nil
}

// DecodePayload はInboundのPayloadを指定された型にデシリアライズする。
// Payloadが省略されている場合はゼロ値を返す。
func DecodePayload[T any](m *Inbound) (*T, error) {
	var data T
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return &data, nil
	}
	if err := json.Unmarshal(m.Payload, &data); err != nil {
		return nil, fmt.Errorf("ペイロードのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
