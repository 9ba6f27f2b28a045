// Package middleware は通知サービスのHTTPファサードで使うGinミドルウェアをまとめる。
//
// CORS、パニックリカバリ、zapによるリクエストログ、JWTによる利用者の識別を提供する。
// JWTの検証関数はWebSocketの購読時にも再利用する。
package middleware
