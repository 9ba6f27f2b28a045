package notification

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound は指定されたIDとユーザーIDに一致する通知がないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrForbidden は認証済みユーザーと操作対象のユーザーが異なることを表す。
	ErrForbidden = errors.New("他のユーザーの通知は操作できません")
)

// ValidationError は入力値が不正であることを表す。
type ValidationError struct {
	// Field は不正なフィールド名。
	Field string
	// Reason は不正な理由。
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// required は必須フィールドが空であることを表すValidationErrorを返す。
func required(field string) error {
	return &ValidationError{Field: field, Reason: "必須項目です"}
}

// IsValidation はerrがValidationErrorを含むかどうかを返す。
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
