// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ジョブの実行方式
const (
	DispatchLocal = "local"
	DispatchQueue = "queue"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り、* で全許可）

	// ストレージ設定
	UploadDir string // アップロードされたPDFの保存先
	OutputDir string // 変換結果の保存先

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages    int   // 単一ファイルの最大ページ数（0 で無制限）

	// ジョブ設定
	MaxWorkers               int    // 同時に実行する変換の上限
	ConversionTimeoutSeconds int    // 変換1件あたりのタイムアウト（秒）
	JobRetentionMinutes      int    // 終了したジョブを保持する時間（分、0 でプロセス終了まで保持）
	JobResultBaseURL         string // 結果ファイル取得用のベースURL
	DispatchMode             string // local または queue
	QueueRedisURL            string // Asynq用Redis接続URL

	// 変換エンジン設定
	SofficePath string // LibreOffice (soffice) 実行ファイルのパス

	// ログ設定
	LogJSON  bool   // JSON 形式で出力するか
	LogLevel string // debug, info, warn, error

	// オブジェクトストレージ設定（任意）
	S3 S3Config
}

// S3Config は変換結果をミラーする S3 互換ストレージの設定です。
type S3Config struct {
	Endpoint        string // R2 などの S3 互換エンドポイント（空なら AWS）
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PresignMinutes  int // 署名付きURLの有効期間（分）
}

// Enabled は S3 ミラーが構成済みかどうかを返します。
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// ConversionTimeout は変換タイムアウトを time.Duration で返します。
func (c *Config) ConversionTimeout() time.Duration {
	return time.Duration(c.ConversionTimeoutSeconds) * time.Second
}

// JobRetention はジョブ保持期間を返します。0 の場合は期限なしです。
func (c *Config) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionMinutes) * time.Minute
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	setDefaults(v)

	// 設定ファイルは任意
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	config := &Config{
		// サーバー設定
		Port:    v.GetString("PORT"),
		GinMode: v.GetString("GIN_MODE"),

		// CORS設定
		CORSAllowedOrigins: v.GetString("CORS_ALLOWED_ORIGINS"),

		// ストレージ設定
		UploadDir: v.GetString("UPLOAD_DIR"),
		OutputDir: v.GetString("OUTPUT_DIR"),

		// ファイル制限
		MaxFileSize: v.GetInt64("MAX_FILE_SIZE"),
		MaxPages:    v.GetInt("MAX_PAGES"),

		// ジョブ設定
		MaxWorkers:               v.GetInt("MAX_WORKERS"),
		ConversionTimeoutSeconds: v.GetInt("CONVERSION_TIMEOUT_SECONDS"),
		JobRetentionMinutes:      v.GetInt("JOB_RETENTION_MINUTES"),
		JobResultBaseURL:         v.GetString("JOB_RESULT_BASE_URL"),
		DispatchMode:             strings.ToLower(v.GetString("DISPATCH_MODE")),
		QueueRedisURL:            v.GetString("QUEUE_REDIS_URL"),

		// 変換エンジン設定
		SofficePath: v.GetString("SOFFICE_PATH"),

		// ログ設定
		LogJSON:  v.GetBool("LOG_JSON"),
		LogLevel: v.GetString("LOG_LEVEL"),

		S3: S3Config{
			Endpoint:        v.GetString("S3_ENDPOINT"),
			Region:          v.GetString("S3_REGION"),
			Bucket:          v.GetString("S3_BUCKET"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
			PresignMinutes:  v.GetInt("S3_PRESIGN_MINUTES"),
		},
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("GIN_MODE", "debug")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("UPLOAD_DIR", "./uploads")
	v.SetDefault("OUTPUT_DIR", "./outputs")
	v.SetDefault("MAX_FILE_SIZE", 104857600) // 100MB
	v.SetDefault("MAX_PAGES", 200)
	v.SetDefault("MAX_WORKERS", 4)
	v.SetDefault("CONVERSION_TIMEOUT_SECONDS", 300)
	v.SetDefault("JOB_RETENTION_MINUTES", 60)
	v.SetDefault("JOB_RESULT_BASE_URL", "")
	v.SetDefault("DISPATCH_MODE", DispatchLocal)
	v.SetDefault("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0")
	v.SetDefault("SOFFICE_PATH", "soffice")
	v.SetDefault("LOG_JSON", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_REGION", "auto")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_ACCESS_KEY_ID", "")
	v.SetDefault("S3_SECRET_ACCESS_KEY", "")
	v.SetDefault("S3_PRESIGN_MINUTES", 15)
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
	if c.UploadDir == "" || c.OutputDir == "" {
		return errors.New("UPLOAD_DIR and OUTPUT_DIR are required")
	}
	if filepath.Clean(c.UploadDir) == filepath.Clean(c.OutputDir) {
		return errors.New("UPLOAD_DIR and OUTPUT_DIR must be different directories")
	}
	if c.MaxFileSize <= 0 {
		return errors.Newf("MAX_FILE_SIZE must be positive (got %d)", c.MaxFileSize)
	}
	if c.MaxPages < 0 {
		return errors.Newf("MAX_PAGES must not be negative (got %d)", c.MaxPages)
	}
	if c.MaxWorkers < 1 {
		return errors.Newf("MAX_WORKERS must be at least 1 (got %d)", c.MaxWorkers)
	}
	if c.ConversionTimeoutSeconds <= 0 {
		return errors.Newf("CONVERSION_TIMEOUT_SECONDS must be positive (got %d)", c.ConversionTimeoutSeconds)
	}
	if c.JobRetentionMinutes < 0 {
		return errors.Newf("JOB_RETENTION_MINUTES must not be negative (got %d)", c.JobRetentionMinutes)
	}

	switch c.DispatchMode {
	case DispatchLocal:
	case DispatchQueue:
		if c.QueueRedisURL == "" {
			return errors.New("QUEUE_REDIS_URL is required when DISPATCH_MODE=queue")
		}
	default:
		return errors.Newf("DISPATCH_MODE must be %q or %q (got %q)", DispatchLocal, DispatchQueue, c.DispatchMode)
	}

	// 本番環境では変換エンジンの指定を必須にする
	if c.GinMode == "release" && c.SofficePath == "" {
		return errors.New("SOFFICE_PATH is required in release mode")
	}

	return nil
}
