package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// publishTimeout はRedisへの1回のPUBLISHに許容する時間。
const publishTimeout = 2 * time.Second

// 中継メッセージの種類。
const (
	// kindUser は特定ユーザー宛ての通知。
	kindUser = "user"
	// kindBroadcast は全セッション宛ての通知。
	kindBroadcast = "broadcast"
)

// bridgeMessage はRedisのチャンネルに流すメッセージ。
type bridgeMessage struct {
	// UserID は配信先ユーザーID。ブロードキャストでは空。
	UserID string `json:"user_id,omitempty"`
	// Kind は中継メッセージの種類。
	Kind string `json:"kind"`
	// Payload は通知本体。
	Payload json.RawMessage `json:"payload"`
}

// RedisBridge はRedis Pub/Subを介して複数インスタンスへ通知を中継する。
// 送信側はチャンネルへPUBLISHし、各インスタンスの購読ループが受信した通知をローカルのDispatcherへ再生する。
type RedisBridge struct {
	// client はRedisクライアント。
	client *redis.Client
	// channel は中継に使うPub/Subチャンネル名。
	channel string
	// local は受信した通知を配信するローカルのDispatcher。
	local *Dispatcher
	// logger はログ出力先。
	logger *zap.Logger
	// mu はcancelとdoneを保護する。
	mu sync.Mutex
	// cancel は購読ループを停止するためのキャンセル関数。
	cancel context.CancelFunc
	// done は購読ループの終了を通知する。
	done chan struct{}
}

// ConnectRedis はURLまたはhost:port形式の指定からRedisクライアントを生成し、疎通を確認する。
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("RedisのURLが不正です: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}

// NewRedisBridge は新しいRedisBridgeを生成する。
func NewRedisBridge(client *redis.Client, channel string, local *Dispatcher, logger *zap.Logger) *RedisBridge {
	return &RedisBridge{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger,
	}
}

// SendNotification はユーザー宛ての通知をチャンネルへPUBLISHする。
// 戻り値はメッセージを受信したインスタンス数であり、セッション数ではない。
func (b *RedisBridge) SendNotification(userID string, payload any) int {
	return b.publish(kindUser, userID, payload)
}

// Broadcast は全セッション宛ての通知をチャンネルへPUBLISHする。
// 戻り値はメッセージを受信したインスタンス数。
func (b *RedisBridge) Broadcast(payload any) int {
	return b.publish(kindBroadcast, "", payload)
}

// publish は中継メッセージをシリアライズしてPUBLISHする。失敗はログに残すのみとする。
func (b *RedisBridge) publish(kind, userID string, payload any) int {
	body, err := encodeBridgeMessage(kind, userID, payload)
	if err != nil {
		b.logger.Error("中継メッセージのシリアライズに失敗", zap.Error(err))
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	receivers, err := b.client.Publish(ctx, b.channel, body).Result()
	if err != nil {
		b.logger.Warn("Redisへの通知のPUBLISHに失敗", zap.String("channel", b.channel), zap.Error(err))
		return 0
	}
	return int(receivers)
}

// Start はチャンネルの購読を確立し、バックグラウンドで受信ループを開始する。
func (b *RedisBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("Redisチャンネル %s の購読に失敗: %w", b.channel, err)
	}

	done := make(chan struct{})
	b.cancel = cancel
	b.done = done

	go func() {
		defer close(done)
		defer pubsub.Close()
		b.logger.Info("Redisブリッジを開始します", zap.String("channel", b.channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("Redisブリッジを停止しました")
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.replay(msg.Payload)
			}
		}
	}()
	return nil
}

// Stop は受信ループを停止し、終了を待つ。
func (b *RedisBridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// replay は受信した中継メッセージをローカルのDispatcherで配信し、書き込めたセッション数を返す。
func (b *RedisBridge) replay(raw string) int {
	msg, err := decodeBridgeMessage(raw)
	if err != nil {
		b.logger.Warn("中継メッセージのデシリアライズに失敗", zap.Error(err))
		return 0
	}

	switch msg.Kind {
	case kindUser:
		if msg.UserID == "" {
			return 0
		}
		return b.local.SendNotification(msg.UserID, msg.Payload)
	case kindBroadcast:
		return b.local.Broadcast(msg.Payload)
	default:
		b.logger.Warn("未知の中継メッセージ", zap.String("kind", msg.Kind))
		return 0
	}
}

// encodeBridgeMessage は中継メッセージをJSONにシリアライズする。
func encodeBridgeMessage(kind, userID string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bridgeMessage{UserID: userID, Kind: kind, Payload: p})
}

// decodeBridgeMessage はJSONから中継メッセージを復元する。
func decodeBridgeMessage(raw string) (*bridgeMessage, error) {
	var msg bridgeMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
