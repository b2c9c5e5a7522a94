// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// セッション設定
	SessionSecret      string // セッションクッキー署名用の秘密鍵
	SessionIdleMinutes int    // 無操作でセッションを破棄するまでの分数
	SessionMaxHours    int    // セッションの最大寿命（時間）
	TeardownGraceSec   int    // セッション破棄時に実行中ジョブの終了を待つ秒数

	// 管理者設定（/metrics と /api/admin/* の保護）
	AdminUsername     string // 管理者ユーザー名
	AdminPasswordHash string // bcryptでハッシュ化された管理者パスワード

	// サーバー設定
	Port       string // APIサーバーのポート番号
	GinMode    string // Ginの実行モード (debug, release, test)
	InstanceID string // メンテナンスキューを分離するためのインスタンス識別子

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限・保存先
	MaxFileSize      int64  // 単一ファイルの最大サイズ（バイト）
	StorageDir       string // 成果物の保存ルート
	JobExpireMinutes int    // 終了済みジョブと成果物の保持期間（分）

	// ジョブ/キュー設定
	JobStore           string // ジョブレコードの保存先 (memory, redis)
	JobStoreRedisURL   string // JobStore=redis のときの接続URL
	QueueRedisURL      string // Asynq用Redis接続URL（空ならプロセス内で実行）
	JobMaxRunMinutes   int    // 実行中ジョブを強制失敗させるまでの分数
	JobMaxQueueMinutes int    // 待機中ジョブを強制失敗させるまでの分数
	SweepIntervalSec   int    // セッション掃除・ウォッチドッグの実行間隔（秒）
	PoolsConfigPath    string // ワーカープール設定YAMLのパス（任意）

	// 変換ツール設定
	SofficePath         string // LibreOffice 実行ファイルのパス
	OCRmyPDFPath        string // OCRmyPDF 実行ファイルのパス
	MagickPath          string // ImageMagick 実行ファイルのパス
	FFmpegPath          string // FFmpeg 実行ファイルのパス
	DefaultOCRLanguages string // OCR言語の既定値（+区切り）

	// プール設定（PoolsConfigPath または既定値から構築）
	Pools *PoolsConfig
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// セッション設定
		SessionSecret:      getEnv("SESSION_SECRET", ""),
		SessionIdleMinutes: getEnvAsInt("SESSION_IDLE_MINUTES", 30),
		SessionMaxHours:    getEnvAsInt("SESSION_MAX_HOURS", 12),
		TeardownGraceSec:   getEnvAsInt("TEARDOWN_GRACE_SECONDS", 30),

		// 管理者設定
		AdminUsername:     getEnv("ADMIN_USERNAME", ""),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),

		// サーバー設定
		Port:       getEnv("PORT", "8080"),
		GinMode:    getEnv("GIN_MODE", "debug"),
		InstanceID: getEnv("INSTANCE_ID", hostnameOr("local")),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限・保存先
		MaxFileSize:      getEnvAsInt64("MAX_FILE_SIZE", 209715200), // 200MB
		StorageDir:       getEnv("STORAGE_DIR", filepath.Join(os.TempDir(), "media-forge")),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 30),

		// ジョブ/キュー設定
		JobStore:           strings.ToLower(getEnv("JOB_STORE", "memory")),
		JobStoreRedisURL:   getEnv("JOB_STORE_REDIS_URL", "redis://127.0.0.1:6379/1"),
		QueueRedisURL:      getEnv("QUEUE_REDIS_URL", ""),
		JobMaxRunMinutes:   getEnvAsInt("JOB_MAX_RUN_MINUTES", 30),
		JobMaxQueueMinutes: getEnvAsInt("JOB_MAX_QUEUE_MINUTES", 180),
		SweepIntervalSec:   getEnvAsInt("SWEEP_INTERVAL_SECONDS", 60),
		PoolsConfigPath:    getEnv("POOLS_CONFIG", ""),

		// 変換ツール設定
		SofficePath:         getEnv("SOFFICE_PATH", "soffice"),
		OCRmyPDFPath:        getEnv("OCRMYPDF_PATH", "ocrmypdf"),
		MagickPath:          getEnv("MAGICK_PATH", "magick"),
		FFmpegPath:          getEnv("FFMPEG_PATH", "ffmpeg"),
		DefaultOCRLanguages: getEnv("DEFAULT_OCR_LANGUAGES", "eng"),
	}

	pools := DefaultPools()
	if config.PoolsConfigPath != "" {
		loaded, err := LoadPoolsConfig(config.PoolsConfigPath)
		if err != nil {
			return nil, err
		}
		pools = loaded
	}
	config.Pools = pools

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.JobStore {
	case "memory":
	case "redis":
		if c.JobStoreRedisURL == "" {
			return fmt.Errorf("JOB_STORE_REDIS_URL is required when JOB_STORE=redis")
		}
	default:
		return fmt.Errorf("JOB_STORE must be memory or redis (got %q)", c.JobStore)
	}
	if c.StorageDir == "" {
		return fmt.Errorf("STORAGE_DIR is required")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.Pools != nil {
		if err := c.Pools.Validate(); err != nil {
			return err
		}
		// 実行中ジョブのウォッチドッグは変換タイムアウトより長くなければならない
		if longest := c.Pools.LongestTimeout(); longest > 0 && c.JobMaxRun() <= longest {
			return fmt.Errorf("JOB_MAX_RUN_MINUTES (%s) must exceed the longest conversion timeout (%s)", c.JobMaxRun(), longest)
		}
		// 満杯の待ち行列の最後尾が開始される前にウォッチドッグが失敗させてはならない
		if wait, pool := c.Pools.MaxQueueWait(); c.JobMaxQueue() < wait {
			return fmt.Errorf("JOB_MAX_QUEUE_MINUTES (%s) is shorter than the worst queue wait of pool %s (%s)", c.JobMaxQueue(), pool, wait)
		}
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.AdminUsername == "" || c.AdminPasswordHash == "" {
			return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD_HASH are required in release mode")
		}
	}

	return nil
}

// IdleTimeout はセッションの無操作タイムアウトを返します。
func (c *Config) IdleTimeout() time.Duration {
	return minutesOr(c.SessionIdleMinutes, 30)
}

// MaxSessionLifetime はセッションの最大寿命を返します。
func (c *Config) MaxSessionLifetime() time.Duration {
	if c.SessionMaxHours <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(c.SessionMaxHours) * time.Hour
}

// TeardownGrace はセッション破棄時の猶予時間を返します。
func (c *Config) TeardownGrace() time.Duration {
	if c.TeardownGraceSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TeardownGraceSec) * time.Second
}

// JobRetention は終了済みジョブの保持期間を返します。
func (c *Config) JobRetention() time.Duration {
	return minutesOr(c.JobExpireMinutes, 30)
}

// JobMaxRun は実行中ジョブの最大実行時間を返します。
func (c *Config) JobMaxRun() time.Duration {
	return minutesOr(c.JobMaxRunMinutes, 30)
}

// JobMaxQueue は待機中ジョブの最大待機時間を返します。
func (c *Config) JobMaxQueue() time.Duration {
	return minutesOr(c.JobMaxQueueMinutes, 180)
}

// SweepInterval は定期メンテナンスの間隔を返します。
func (c *Config) SweepInterval() time.Duration {
	if c.SweepIntervalSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// OCRLanguages は既定のOCR言語一覧を返します。
func (c *Config) OCRLanguages() []string {
	var langs []string
	for _, l := range strings.FieldsFunc(c.DefaultOCRLanguages, func(r rune) bool { return r == '+' || r == ',' }) {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return langs
}

func minutesOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Minute
}

func hostnameOr(def string) string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return def
	}
	return strings.TrimSpace(host)
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
