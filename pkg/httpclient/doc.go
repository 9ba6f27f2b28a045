// Package httpclient は通知APIを呼び出すJSON HTTPクライアントを提供する。
//
// 通知を生成するプロデューサー（cmd/notifysend など）が通知サービスの
// REST APIを呼び出す際に使用する。
package httpclient
