// Package notification は通知の生成・既読管理・配信とHTTP APIを提供する。
//
// 通知はStoreに永続化されたあと、Notifierを通じて購読中のクライアントへ
// リアルタイムに配信される。配信はベストエフォートであり、配信の失敗が
// 通知の生成を失敗させることはない。
package notification
