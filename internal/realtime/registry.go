package realtime

import "sync"

// Stats はRegistryの集計値。
type Stats struct {
	// TotalConnections は開いている接続の総数。購読していない接続も含む。
	TotalConnections int `json:"totalConnections"`
	// SubscribedUsers は1つ以上のセッションが購読しているユーザー数。
	SubscribedUsers int `json:"subscribedUsers"`
}

// Registry はユーザーIDからセッション集合への対応と、開いている全セッションを管理する。
// 全操作は1つのRWMutexで保護され、ロック中にI/Oは行わない。
type Registry struct {
	// mu は以下の2つのマップを保護する。
	mu sync.RWMutex
	// subscriptions はユーザーIDごとの購読セッション集合。空の集合は保持しない。
	subscriptions map[string]map[*Session]struct{}
	// sessions はトランスポート層で開いている全セッション。
	sessions map[*Session]struct{}
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		subscriptions: make(map[string]map[*Session]struct{}),
		sessions:      make(map[*Session]struct{}),
	}
}

// Register は開いたセッションを登録する。
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

// Unregister はセッションの登録を解除し、全ユーザーの購読からも取り除く。
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
	r.unsubscribeAllLocked(s)
}

// Subscribe はユーザーの購読集合にセッションを追加する。既に含まれていれば何もしない。
func (r *Registry) Subscribe(userID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subscriptions[userID]
	if !ok {
		set = make(map[*Session]struct{})
		r.subscriptions[userID] = set
	}
	set[s] = struct{}{}
}

// Unsubscribe はユーザーの購読集合からセッションを取り除く。
// 集合が空になった場合はユーザーのキーごと削除する。
func (r *Registry) Unsubscribe(userID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subscriptions[userID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.subscriptions, userID)
	}
}

// UnsubscribeAll は全ユーザーの購読集合からセッションを取り除く。
func (r *Registry) UnsubscribeAll(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeAllLocked(s)
}

// unsubscribeAllLocked はmuを保持した状態で呼び出す。
func (r *Registry) unsubscribeAllLocked(s *Session) {
	for userID, set := range r.subscriptions {
		if _, ok := set[s]; !ok {
			continue
		}
		delete(set, s)
		if len(set) == 0 {
			delete(r.subscriptions, userID)
		}
	}
}

// SessionsFor はユーザーを購読しているセッションのスナップショットを返す。
func (r *Registry) SessionsFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.subscriptions[userID]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Sessions は登録済みの全セッションのスナップショットを返す。
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// IsSubscribed はセッションがユーザーを購読しているかどうかを返す。
func (r *Registry) IsSubscribed(userID string, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscriptions[userID][s]
	return ok
}

// Stats は接続数と購読ユーザー数を返す。
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		TotalConnections: len(r.sessions),
		SubscribedUsers:  len(r.subscriptions),
	}
}
