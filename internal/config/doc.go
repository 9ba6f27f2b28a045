// Package config は通知サービスの設定読み込みを提供する。
//
// 設定値は以下の優先順位で解決される。
//
//  1. コマンドラインフラグ（明示的に指定された場合のみ）
//  2. 環境変数
//  3. .envファイル（既存の環境変数は上書きしない）
//  4. デフォルト値
package config
