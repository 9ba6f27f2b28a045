// 通知サービスのエントリポイント。
// 通知を永続化し、WebSocketで購読中のクライアントへリアルタイムに配信する。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/notifyd/internal/config"
	"github.com/nao1215/notifyd/internal/notification"
	"github.com/nao1215/notifyd/internal/realtime"
	"github.com/nao1215/notifyd/pkg/logger"
	"github.com/nao1215/notifyd/pkg/middleware"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "通知サービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

// run は設定を読み込んでサービスを起動し、終了シグナルを受けるまでブロックする。
func run(args []string) error {
	flags := config.NewFlagSet(args[0])
	if err := flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := notification.OpenSQLStore(ctx, cfg.Database.DriverName(), cfg.Database.DSN(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := realtime.NewRegistry()
	monitor := realtime.NewMonitor(registry, cfg.HeartbeatInterval, log)
	opts := []realtime.Option{realtime.WithMonitor(monitor)}
	if cfg.JWTSecret != "" {
		opts = append(opts, realtime.WithTokenVerifier(tokenVerifier(cfg.JWTSecret)))
	}
	dispatcher := realtime.NewDispatcher(registry, log, opts...)
	monitor.Start(ctx)
	defer dispatcher.Close()

	var notifier notification.Notifier = dispatcher
	if cfg.Redis.Enabled() {
		client, err := realtime.ConnectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()

		bridge := realtime.NewRedisBridge(client, cfg.Redis.Channel, dispatcher, log)
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		defer bridge.Stop()
		notifier = bridge
	}

	service := notification.NewService(store, notifier, log)
	server := notification.NewServer(service, dispatcher, notification.ServerConfig{
		CORSOrigins: cfg.CORSOrigins,
		JWTSecret:   cfg.JWTSecret,
	}, log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("通知サービスを起動します",
			zap.String("addr", httpServer.Addr),
			zap.String("database", cfg.Database.Type),
			zap.Bool("redis", cfg.Redis.Enabled()),
			zap.Bool("jwt", cfg.JWTSecret != ""),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTPサーバーが異常終了しました: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("通知サービスを停止します")
	// WebSocket接続はShutdownの待機対象にならないため先に閉じる
	dispatcher.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	log.Info("通知サービスを停止しました")
	return nil
}

// tokenVerifier は購読時に提示されたJWTからユーザーIDを取り出す検証関数を返す。
func tokenVerifier(secret string) realtime.TokenVerifier {
	return func(token string) (string, error) {
		claims, err := middleware.ParseJWT(secret, token)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}
}
