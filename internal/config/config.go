package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// データベース種別。
const (
	// DatabaseSQLite はSQLite（modernc.org/sqlite）を使用する。
	DatabaseSQLite = "sqlite"
	// DatabasePostgres はPostgreSQL（lib/pq）を使用する。
	DatabasePostgres = "postgres"
)

// 設定キー。環境変数名と同じ綴りで保持する。
const (
	keyPort              = "PORT"
	keyCORSOrigins       = "CORS_ORIGINS"
	keyDatabaseType      = "DATABASE_TYPE"
	keyDatabasePath      = "DATABASE_PATH"
	keyDatabaseHost      = "DATABASE_HOST"
	keyDatabasePort      = "DATABASE_PORT"
	keyDatabaseName      = "DATABASE_NAME"
	keyDatabaseUser      = "DATABASE_USER"
	keyDatabasePassword  = "DATABASE_PASSWORD"
	keyDatabaseSSL       = "DATABASE_SSL"
	keyJWTSecret         = "JWT_SECRET"
	keyRedisURL          = "REDIS_URL"
	keyRedisChannel      = "REDIS_CHANNEL"
	keyHeartbeatInterval = "HEARTBEAT_INTERVAL"
	keyShutdownTimeout   = "SHUTDOWN_TIMEOUT"
	keyLogLevel          = "LOG_LEVEL"
	keyLogFormat         = "LOG_FORMAT"
)

// Config は通知サービス全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// CORSOrigins はCORSで許可するオリジンの一覧。
	CORSOrigins []string
	// Database はデータベース接続設定。
	Database DatabaseConfig
	// JWTSecret はJWT署名検証用の秘密鍵。空の場合は認証を行わない。
	JWTSecret string
	// Redis はインスタンス間配信に使うRedisの設定。
	Redis RedisConfig
	// HeartbeatInterval はハートビートの送信間隔。
	HeartbeatInterval time.Duration
	// ShutdownTimeout はグレースフルシャットダウンの待機上限。
	ShutdownTimeout time.Duration
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string
	// LogFormat はログ形式（json, console）。
	LogFormat string
}

// DatabaseConfig はデータベース接続設定。
type DatabaseConfig struct {
	// Type はデータベース種別（sqlite, postgres）。
	Type string
	// Path はSQLiteのファイルパス。":memory:" でインメモリDBになる。
	Path string
	// Host はPostgreSQLのホスト名。
	Host string
	// Port はPostgreSQLのポート番号。
	Port int
	// Name はPostgreSQLのデータベース名。
	Name string
	// User はPostgreSQLの接続ユーザー。
	User string
	// Password はPostgreSQLの接続パスワード。
	Password string
	// SSL はPostgreSQL接続でSSLを要求するかどうか。
	SSL bool
}

// RedisConfig はRedisブリッジの設定。
type RedisConfig struct {
	// URL はRedisの接続URL（例: redis://localhost:6379/0）。空の場合はブリッジを使わない。
	URL string
	// Channel は通知を中継するPub/Subチャンネル名。
	Channel string
}

// Enabled はRedisブリッジが有効かどうかを返す。
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// DriverName はdatabase/sqlに渡すドライバー名を返す。
func (d DatabaseConfig) DriverName() string {
	return d.Type
}

// DSN はドライバーに渡す接続文字列を返す。
func (d DatabaseConfig) DSN() string {
	if d.Type == DatabasePostgres {
		sslmode := "disable"
		if d.SSL {
			sslmode = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.User, d.Password),
			Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			Path:     "/" + d.Name,
			RawQuery: "sslmode=" + sslmode,
		}
		return u.String()
	}
	if d.Path == ":memory:" {
		return d.Path
	}
	return d.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// NewFlagSet は通知サービスが受け付けるコマンドラインフラグを定義したFlagSetを返す。
func NewFlagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.String("env-file", ".env", ".envファイルのパス")
	flags.String("port", "3001", "HTTPサーバーのリッスンポート")
	flags.String("database-type", DatabaseSQLite, "データベース種別（sqlite, postgres）")
	flags.String("database-path", "notifications.db", "SQLiteのファイルパス")
	flags.Duration("heartbeat-interval", 30*time.Second, "ハートビートの送信間隔")
	flags.String("log-level", "info", "ログレベル（debug, info, warn, error）")
	flags.String("log-format", "json", "ログ形式（json, console）")
	return flags
}

// flagBindings はフラグ名と設定キーの対応。
var flagBindings = map[string]string{
	"port":               keyPort,
	"database-type":      keyDatabaseType,
	"database-path":      keyDatabasePath,
	"heartbeat-interval": keyHeartbeatInterval,
	"log-level":          keyLogLevel,
	"log-format":         keyLogFormat,
}

// Load は.envファイル、環境変数、フラグから設定を読み込む。
// flagsがnilの場合はフラグを参照しない。
func Load(flags *pflag.FlagSet) (*Config, error) {
	envFile := ".env"
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
	}
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagBindings {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("フラグ %s のバインドに失敗: %w", name, err)
			}
		}
	}

	heartbeat, err := durationOf(v, keyHeartbeatInterval)
	if err != nil {
		return nil, err
	}
	shutdown, err := durationOf(v, keyShutdownTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:        v.GetString(keyPort),
		CORSOrigins: splitList(v.GetString(keyCORSOrigins)),
		Database: DatabaseConfig{
			Type:     strings.ToLower(v.GetString(keyDatabaseType)),
			Path:     v.GetString(keyDatabasePath),
			Host:     v.GetString(keyDatabaseHost),
			Port:     v.GetInt(keyDatabasePort),
			Name:     v.GetString(keyDatabaseName),
			User:     v.GetString(keyDatabaseUser),
			Password: v.GetString(keyDatabasePassword),
			SSL:      v.GetBool(keyDatabaseSSL),
		},
		JWTSecret: v.GetString(keyJWTSecret),
		Redis: RedisConfig{
			URL:     v.GetString(keyRedisURL),
			Channel: v.GetString(keyRedisChannel),
		},
		HeartbeatInterval: heartbeat,
		ShutdownTimeout:   shutdown,
		LogLevel:          v.GetString(keyLogLevel),
		LogFormat:         v.GetString(keyLogFormat),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORTが空です")
	}
	switch c.Database.Type {
	case DatabaseSQLite:
		if c.Database.Path == "" {
			return errors.New("DATABASE_PATHが空です")
		}
	case DatabasePostgres:
		if c.Database.Host == "" || c.Database.Name == "" {
			return errors.New("PostgreSQLにはDATABASE_HOSTとDATABASE_NAMEが必要です")
		}
	default:
		return fmt.Errorf("未対応のDATABASE_TYPEです: %q", c.Database.Type)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVALは正の値である必要があります: %s", c.HeartbeatInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUTは正の値である必要があります: %s", c.ShutdownTimeout)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("未対応のLOG_FORMATです: %q", c.LogFormat)
	}
	return nil
}

// setDefaults はすべての設定キーにデフォルト値を登録する。
func setDefaults(v *viper.Viper) {
	v.SetDefault(keyPort, "3001")
	v.SetDefault(keyCORSOrigins, "http://localhost:3000")
	v.SetDefault(keyDatabaseType, DatabaseSQLite)
	v.SetDefault(keyDatabasePath, "notifications.db")
	v.SetDefault(keyDatabaseHost, "localhost")
	v.SetDefault(keyDatabasePort, 5432)
	v.SetDefault(keyDatabaseName, "notifications")
	v.SetDefault(keyDatabaseUser, "postgres")
	v.SetDefault(keyDatabasePassword, "")
	v.SetDefault(keyDatabaseSSL, false)
	v.SetDefault(keyJWTSecret, "")
	v.SetDefault(keyRedisURL, "")
	v.SetDefault(keyRedisChannel, "notifications")
	v.SetDefault(keyHeartbeatInterval, "30s")
	v.SetDefault(keyShutdownTimeout, "10s")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "json")
}

// loadEnvFile は.envファイルを読み込む。ファイルが存在しない場合は何もしない。
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
	}
	return nil
}

// durationOf は設定値をtime.Durationとして解釈する。
// 単位のない整数は秒として扱う。
func durationOf(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%sの形式が不正です: %q", key, raw)
	}
	return d, nil
}

// splitList はカンマ区切りの文字列を空要素を除いたスライスに分割する。
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
