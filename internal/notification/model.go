package notification

import (
	"fmt"
	"time"
)

// Type は通知の種類。
type Type string

const (
	// TypeInfo は一般的なお知らせ。
	TypeInfo Type = "info"
	// TypeSuccess は処理の成功通知。
	TypeSuccess Type = "success"
	// TypeWarning は警告。
	TypeWarning Type = "warning"
	// TypeError はエラー通知。
	TypeError Type = "error"
	// TypeSystem はシステム全体へのお知らせ。
	TypeSystem Type = "system"
)

// Types は全ての通知種類を定義順に返す。
func Types() []Type {
	return []Type{TypeInfo, TypeSuccess, TypeWarning, TypeError, TypeSystem}
}

// Valid は既知の通知種類かどうかを返す。
func (t Type) Valid() bool {
	switch t {
	case TypeInfo, TypeSuccess, TypeWarning, TypeError, TypeSystem:
		return true
	default:
		return false
	}
}

// parseType は通知種類を解釈する。空の場合はdefを返す。
func parseType(s string, def Type) (Type, error) {
	if s == "" {
		return def, nil
	}
	t := Type(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("未対応の通知種類です: %q", s)}
	}
	return t, nil
}

// Notification はユーザー宛ての通知。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id" db:"id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id" db:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title" db:"title"`
	// Message は通知の本文。
	Message string `json:"message" db:"message"`
	// Type は通知の種類。
	Type Type `json:"type" db:"type"`
	// IsRead は既読かどうか。
	IsRead bool `json:"is_read" db:"is_read"`
	// CreatedAt は作成日時。作成後は変更されない。
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	// ReadAt は最初に既読になった日時。未読の間はnil。
	ReadAt *time.Time `json:"read_at" db:"read_at"`
}

// CreateInput は通知作成の入力。
type CreateInput struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// Type は通知の種類。省略時はinfo。
	Type string `json:"type"`
}

// Patch は通知の部分更新。nilのフィールドは変更しない。
type Patch struct {
	// Title は新しいタイトル。
	Title *string `json:"title"`
	// Message は新しい本文。
	Message *string `json:"message"`
	// IsRead は新しい既読状態。
	IsRead *bool `json:"is_read"`
}

// ListOptions は通知一覧の取得条件。
type ListOptions struct {
	// UnreadOnly が真の場合は未読のみを返す。
	UnreadOnly bool
	// Limit は取得件数の上限。0の場合は制限しない。
	Limit int
	// Offset は読み飛ばす件数。
	Offset int
}

// Stats はユーザーごとの通知集計。
type Stats struct {
	// Total は通知の総数。
	Total int `json:"total"`
	// Unread は未読の通知数。
	Unread int `json:"unread"`
	// ByType は種類ごとの通知数。全種類のキーを含む。
	ByType map[Type]int `json:"byType"`
}
