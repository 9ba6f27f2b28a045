// 通知サービスへ通知を送信するコマンド。
// 特定ユーザーへの通知、または接続中の全クライアントへの全体通知を送信する。
//
//	notifysend --user u1 --title "ビルド完了" --message "main ブランチのビルドが成功しました" --type success
//	notifysend --broadcast --title "メンテナンス" --message "21時から停止します"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/nao1215/notifyd/pkg/httpclient"
	"github.com/spf13/pflag"
)

// options はコマンドライン引数。
type options struct {
	// url は通知サービスのベースURL。
	url string
	// token はAuthorizationヘッダーに付与するJWT。
	token string
	// userID は通知先のユーザーID。
	userID string
	// title は通知のタイトル。
	title string
	// message は通知の本文。
	message string
	// typ は通知の種類。
	typ string
	// broadcast が真の場合は全体通知を送信する。
	broadcast bool
	// timeout はリクエストのタイムアウト。
	timeout time.Duration
}

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "notifysend: %v\n", err)
		os.Exit(1)
	}
}

// run は引数を解釈して通知を送信し、レスポンスを標準出力に書き出す。
func run(args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if opts.token != "" {
		ctx = httpclient.WithToken(ctx, opts.token)
	}

	result, err := send(ctx, httpclient.New(opts.url), opts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// parseOptions はコマンドライン引数を解釈する。
func parseOptions(args []string) (*options, error) {
	opts := &options{}
	flags := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	flags.StringVar(&opts.url, "url", envOr("NOTIFYD_URL", "http://localhost:3001"), "通知サービスのベースURL")
	flags.StringVar(&opts.token, "token", os.Getenv("NOTIFYD_TOKEN"), "認証に使うJWT")
	flags.StringVarP(&opts.userID, "user", "u", "", "通知先のユーザーID")
	flags.StringVarP(&opts.title, "title", "t", "", "通知のタイトル")
	flags.StringVarP(&opts.message, "message", "m", "", "通知の本文")
	flags.StringVar(&opts.typ, "type", "", "通知の種類（info, success, warning, error, system）")
	flags.BoolVar(&opts.broadcast, "broadcast", false, "接続中の全クライアントへ送信する")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "リクエストのタイムアウト")

	if err := flags.Parse(args[1:]); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// validate は必須の引数が揃っているかを確認する。
func (o *options) validate() error {
	if o.title == "" || o.message == "" {
		return errors.New("--title と --message は必須です")
	}
	if !o.broadcast && o.userID == "" {
		return errors.New("--user または --broadcast を指定してください")
	}
	if o.broadcast && o.userID != "" {
		return errors.New("--user と --broadcast は同時に指定できません")
	}
	return nil
}

// send は通知サービスへ通知を送信し、レスポンスを返す。
func send(ctx context.Context, client *httpclient.Client, o *options) (map[string]any, error) {
	var result map[string]any
	if o.broadcast {
		body := map[string]string{"title": o.title, "message": o.message, "type": o.typ}
		if err := client.PostJSON(ctx, "/api/notifications/broadcast", body, &result); err != nil {
			return nil, fmt.Errorf("全体通知の送信に失敗: %w", err)
		}
		return result, nil
	}

	body := map[string]string{"user_id": o.userID, "title": o.title, "message": o.message, "type": o.typ}
	if err := client.PostJSON(ctx, "/api/notifications", body, &result); err != nil {
		return nil, fmt.Errorf("通知の送信に失敗: %w", err)
	}
	return result, nil
}

// envOr は環境変数の値を返す。未設定の場合はdefを返す。
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
