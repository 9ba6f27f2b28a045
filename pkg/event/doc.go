// Package event はWebSocketで送受信するメッセージのフォーマットを定義する。
//
// すべてのメッセージは {"type": ..., "payload": ...} の形式を取る。
// サーバーからのプッシュ（notification）、購読の応答（subscribed/unsubscribed）、
// pingへの応答（pong）、不正なメッセージへの応答（error）を扱う。
package event
