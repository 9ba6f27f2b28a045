package notification

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/nao1215/notifyd/pkg/migration"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// 対応するドライバー名。
const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// Filter は通知一覧の検索条件。
type Filter struct {
	// UserID は通知の所有者。
	UserID string
	// UnreadOnly が真の場合は未読のみを対象とする。
	UnreadOnly bool
	// Limit は取得件数の上限。0の場合は制限しない。
	Limit int
	// Offset は読み飛ばす件数。0の場合は読み飛ばさない。
	Offset int
}

// Store は通知の永続化を担う。
type Store interface {
	// Save は通知を挿入または更新する。IDや作成日時が空の場合は採番する。
	Save(ctx context.Context, n *Notification) error
	// FindOne はIDと所有者に一致する通知を返す。存在しない場合はErrNotFoundを返す。
	FindOne(ctx context.Context, id, userID string) (*Notification, error)
	// FindMany は作成日時の新しい順に通知を返す。totalはLimit/Offset適用前の件数。
	FindMany(ctx context.Context, f Filter) (items []*Notification, total int, err error)
	// Count は所有者の通知数を返す。isReadがnilでない場合は既読状態で絞り込む。
	Count(ctx context.Context, userID string, isRead *bool) (int, error)
	// Delete は通知を削除し、削除件数を返す。idが空の場合は所有者の全通知を削除する。
	Delete(ctx context.Context, id, userID string) (int64, error)
	// BulkSetRead は所有者の未読通知を全て既読にし、更新件数を返す。
	BulkSetRead(ctx context.Context, userID string, readAt time.Time) (int64, error)
	// CountByType は所有者の通知数を種類ごとに返す。
	CountByType(ctx context.Context, userID string) (map[Type]int, error)
	// Close はストアを閉じる。
	Close() error
}

// SQLStore はsqlxを使ったStoreの実装。SQLiteとPostgreSQLに対応する。
type SQLStore struct {
	// db はデータベース接続。
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore はデータベースへ接続し、マイグレーションを適用したSQLStoreを返す。
// driverには"sqlite"または"postgres"を指定する。
func OpenSQLStore(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if driver != driverSQLite && driver != driverPostgres {
		return nil, fmt.Errorf("未対応のデータベースドライバーです: %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// インメモリSQLiteは接続ごとに別のデータベースになる
	if driver == driverSQLite && strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	if err := migration.Run(ctx, db, migrationsFS, "migrations/"+driver, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// DB は内部のデータベース接続を返す。
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// Save は通知を挿入または更新する。
func (s *SQLStore) Save(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	normalize(n)

	const query = `
		INSERT INTO notifications (id, user_id, title, message, type, is_read, created_at, read_at)
		VALUES (:id, :user_id, :title, :message, :type, :is_read, :created_at, :read_at)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			message = excluded.message,
			type = excluded.type,
			is_read = excluded.is_read,
			read_at = excluded.read_at`
	if _, err := s.db.NamedExecContext(ctx, query, n); err != nil {
		return fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return nil
}

// FindOne はIDと所有者に一致する通知を返す。
func (s *SQLStore) FindOne(ctx context.Context, id, userID string) (*Notification, error) {
	var n Notification
	query := s.db.Rebind(`SELECT * FROM notifications WHERE id = ? AND user_id = ?`)
	if err := s.db.GetContext(ctx, &n, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	normalize(&n)
	return &n, nil
}

// FindMany は作成日時の新しい順に通知を返す。
func (s *SQLStore) FindMany(ctx context.Context, f Filter) ([]*Notification, int, error) {
	where := ` WHERE user_id = ?`
	args := []any{f.UserID}
	if f.UnreadOnly {
		where += ` AND is_read = ?`
		args = append(args, false)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM notifications`+where), args...); err != nil {
		return nil, 0, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}

	query := `SELECT * FROM notifications` + where + ` ORDER BY created_at DESC, id DESC`
	switch {
	case f.Limit > 0:
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	case f.Offset > 0 && s.db.DriverName() == driverSQLite:
		// SQLiteはLIMITなしのOFFSETを受け付けない
		query += ` LIMIT -1`
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	items := []*Notification{}
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	for _, n := range items {
		normalize(n)
	}
	return items, total, nil
}

// Count は所有者の通知数を返す。
func (s *SQLStore) Count(ctx context.Context, userID string, isRead *bool) (int, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE user_id = ?`
	args := []any{userID}
	if isRead != nil {
		query += ` AND is_read = ?`
		args = append(args, *isRead)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}
	return count, nil
}

// Delete は通知を削除する。
func (s *SQLStore) Delete(ctx context.Context, id, userID string) (int64, error) {
	query := `DELETE FROM notifications WHERE user_id = ?`
	args := []any{userID}
	if id != "" {
		query += ` AND id = ?`
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("通知の削除に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return affected, nil
}

// BulkSetRead は所有者の未読通知を全て同じ日時で既読にする。
func (s *SQLStore) BulkSetRead(ctx context.Context, userID string, readAt time.Time) (int64, error) {
	query := s.db.Rebind(`UPDATE notifications SET is_read = ?, read_at = ? WHERE user_id = ? AND is_read = ?`)
	res, err := s.db.ExecContext(ctx, query, true, readAt.UTC(), userID, false)
	if err != nil {
		return 0, fmt.Errorf("通知の一括既読化に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return affected, nil
}

// typeCount は種類ごとの集計行。
type typeCount struct {
	// Type は通知の種類。
	Type Type `db:"type"`
	// Count は件数。
	Count int `db:"count"`
}

// CountByType は所有者の通知数を種類ごとに返す。
func (s *SQLStore) CountByType(ctx context.Context, userID string) (map[Type]int, error) {
	var rows []typeCount
	query := s.db.Rebind(`SELECT type, COUNT(*) AS count FROM notifications WHERE user_id = ? GROUP BY type`)
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("種類別件数の取得に失敗: %w", err)
	}

	out := make(map[Type]int, len(rows))
	for _, r := range rows {
		out[r.Type] = r.Count
	}
	return out, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// normalize は日時をUTCに揃える。
func normalize(n *Notification) {
	n.CreatedAt = n.CreatedAt.UTC()
	if n.ReadAt != nil {
		t := n.ReadAt.UTC()
		n.ReadAt = &t
	}
}
