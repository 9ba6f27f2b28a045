// Package realtime はWebSocketによる通知のリアルタイム配信を提供する。
//
// 主な構成要素は以下の通り。
//
//   - Session: 1本のWebSocket接続と生存フラグを持つクライアントセッション
//   - Registry: ユーザーIDからセッション集合への対応を管理する
//   - Monitor: 定期的なpingで応答のないセッションを切断する
//   - Dispatcher: ユーザー単位の配信と全体へのブロードキャストを行う
//   - Endpoint: WebSocketのアップグレードと受信ループを担うginハンドラ
//   - RedisBridge: Redis Pub/Subで複数インスタンス間に配信を中継する
//
// 配信はベストエフォートであり、送信に失敗したメッセージは再送しない。
package realtime
