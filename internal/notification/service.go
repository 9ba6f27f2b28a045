package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier は通知をクライアントへ配信する。
// 戻り値は配信できた宛先の数であり、配信の失敗はエラーとして返さない。
type Notifier interface {
	// SendNotification はユーザーを購読しているクライアントへ通知を配信する。
	SendNotification(userID string, payload any) int
	// Broadcast は接続中の全クライアントへ通知を配信する。
	Broadcast(payload any) int
}

// Service は通知のライフサイクルを管理する。
// 永続化を先に確定させ、その後にベストエフォートで配信する。
type Service struct {
	// store は通知の永続化先。
	store Store
	// notifier は配信先。nilの場合は配信しない。
	notifier Notifier
	// logger はログ出力先。
	logger *zap.Logger
	// now は現在時刻を返す。
	now func() time.Time
}

// ServiceOption はServiceの設定を変更する。
type ServiceOption func(*Service)

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService は新しいServiceを生成する。
func NewService(store Store, notifier Notifier, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create は通知を作成して保存し、通知先ユーザーへ配信する。
// 配信に失敗しても作成は成功として扱う。
func (s *Service) Create(ctx context.Context, in CreateInput) (*Notification, error) {
	if in.UserID == "" {
		return nil, required("user_id")
	}
	if in.Title == "" {
		return nil, required("title")
	}
	if in.Message == "" {
		return nil, required("message")
	}
	t, err := parseType(in.Type, TypeInfo)
	if err != nil {
		return nil, err
	}

	n := &Notification{
		ID:        uuid.New().String(),
		UserID:    in.UserID,
		Title:     in.Title,
		Message:   in.Message,
		Type:      t,
		IsRead:    false,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Save(ctx, n); err != nil {
		return nil, err
	}

	s.logger.Info("通知を作成しました",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("type", string(n.Type)),
	)
	s.notify(n)
	return n, nil
}

// CreateBulk は入力順に1件ずつ通知を作成する。
// 途中で失敗した場合は残りを作成せずにエラーを返す。作成済みの通知は取り消さない。
func (s *Service) CreateBulk(ctx context.Context, inputs []CreateInput) ([]*Notification, error) {
	if len(inputs) == 0 {
		return nil, &ValidationError{Field: "notifications", Reason: "1件以上の通知が必要です"}
	}

	created := make([]*Notification, 0, len(inputs))
	for i, in := range inputs {
		n, err := s.Create(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%d件目の通知の作成に失敗: %w", i+1, err)
		}
		created = append(created, n)
	}
	return created, nil
}

// Get はIDと所有者に一致する通知を返す。
func (s *Service) Get(ctx context.Context, id, userID string) (*Notification, error) {
	if userID == "" {
		return nil, required("user_id")
	}
	return s.store.FindOne(ctx, id, userID)
}

// List はユーザーの通知を新しい順に返す。totalはページング前の件数。
func (s *Service) List(ctx context.Context, userID string, opts ListOptions) ([]*Notification, int, error) {
	if userID == "" {
		return nil, 0, required("user_id")
	}
	if opts.Limit < 0 {
		return nil, 0, &ValidationError{Field: "limit", Reason: "0以上である必要があります"}
	}
	if opts.Offset < 0 {
		return nil, 0, &ValidationError{Field: "offset", Reason: "0以上である必要があります"}
	}
	return s.store.FindMany(ctx, Filter{
		UserID:     userID,
		UnreadOnly: opts.UnreadOnly,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
}

// MarkAsRead は通知を既読にする。既に既読の場合は何も変更せずに返す。
func (s *Service) MarkAsRead(ctx context.Context, id, userID string) (*Notification, error) {
	n, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if n.IsRead {
		return n, nil
	}

	readAt := s.now().UTC()
	n.IsRead = true
	n.ReadAt = &readAt
	if err := s.store.Save(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// MarkAllAsRead はユーザーの未読通知を全て同じ日時で既読にし、更新件数を返す。
func (s *Service) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, required("user_id")
	}
	affected, err := s.store.BulkSetRead(ctx, userID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.logger.Info("通知を一括既読にしました", zap.String("user_id", userID), zap.Int64("count", affected))
	return affected, nil
}

// Update は指定されたフィールドのみを更新する。
// is_readをtrueにしたときread_atが未設定であれば現在時刻を設定する。
// is_readをfalseに戻してもread_atは消去しない。
func (s *Service) Update(ctx context.Context, id, userID string, p Patch) (*Notification, error) {
	if p.Title != nil && *p.Title == "" {
		return nil, required("title")
	}
	if p.Message != nil && *p.Message == "" {
		return nil, required("message")
	}

	n, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Message != nil {
		n.Message = *p.Message
	}
	if p.IsRead != nil {
		n.IsRead = *p.IsRead
		if n.IsRead && n.ReadAt == nil {
			readAt := s.now().UTC()
			n.ReadAt = &readAt
		}
	}

	if err := s.store.Save(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Delete は通知を削除する。一致する通知があった場合はtrueを返す。
func (s *Service) Delete(ctx context.Context, id, userID string) (bool, error) {
	if userID == "" {
		return false, required("user_id")
	}
	if id == "" {
		return false, required("id")
	}
	affected, err := s.store.Delete(ctx, id, userID)
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteAll はユーザーの通知を全て削除し、削除件数を返す。
func (s *Service) DeleteAll(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, required("user_id")
	}
	affected, err := s.store.Delete(ctx, "", userID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("通知を一括削除しました", zap.String("user_id", userID), zap.Int64("count", affected))
	return affected, nil
}

// UnreadCount はユーザーの未読通知数を返す。
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, required("user_id")
	}
	unread := false
	return s.store.Count(ctx, userID, &unread)
}

// Stats はユーザーの通知の総数・未読数・種類別件数を返す。種類別件数は全種類を含む。
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	if userID == "" {
		return nil, required("user_id")
	}

	total, err := s.store.Count(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	unread, err := s.UnreadCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountByType(ctx, userID)
	if err != nil {
		return nil, err
	}

	byType := make(map[Type]int, len(Types()))
	for _, t := range Types() {
		byType[t] = counts[t]
	}
	return &Stats{Total: total, Unread: unread, ByType: byType}, nil
}

// BroadcastInput は全体通知の入力。
type BroadcastInput struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// Type は通知の種類。省略時はsystem。
	Type string `json:"type"`
}

// Broadcast は接続中の全クライアントへ通知を配信する。通知は保存しない。
// 戻り値の件数はNotifierが報告した配信先の数。
func (s *Service) Broadcast(_ context.Context, in BroadcastInput) (*Notification, int, error) {
	if in.Title == "" {
		return nil, 0, required("title")
	}
	if in.Message == "" {
		return nil, 0, required("message")
	}
	t, err := parseType(in.Type, TypeSystem)
	if err != nil {
		return nil, 0, err
	}

	n := &Notification{
		ID:        uuid.New().String(),
		Title:     in.Title,
		Message:   in.Message,
		Type:      t,
		CreatedAt: s.now().UTC(),
	}
	if s.notifier == nil {
		return n, 0, nil
	}
	sent := s.notifier.Broadcast(n)
	s.logger.Info("全体通知を配信しました", zap.String("notification_id", n.ID), zap.Int("sent", sent))
	return n, sent, nil
}

// notify は作成した通知を所有者へ配信する。配信結果は呼び出し元へ返さない。
func (s *Service) notify(n *Notification) {
	if s.notifier == nil {
		return
	}
	sent := s.notifier.SendNotification(n.UserID, n)
	s.logger.Debug("通知を配信しました",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.Int("sent", sent),
	)
}
