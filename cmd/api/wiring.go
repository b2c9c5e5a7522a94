package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/convert"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/logging"
	"github.com/yourusername/media-forge/internal/maintenance"
)

// setupJobStore は設定に応じてジョブレコードの保存先を作成します。
func setupJobStore(cfg *config.Config) (jobs.Store, func() error, error) {
	if cfg.JobStore != "redis" {
		return jobs.NewMemoryStore(), func() error { return nil }, nil
	}
	opt, err := redis.ParseURL(cfg.JobStoreRedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse JOB_STORE_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	// 終了済みレコードは保持期間の掃除で消えるが、取りこぼしに備えて有効期限も付ける
	store := jobs.NewRedisStore(client, cfg.InstanceID, 2*cfg.JobRetention())
	return store, client.Close, nil
}

// poolOptions は設定ファイルのプール構成をキューの設定に変換します。
func poolOptions(cfg *config.Config) (map[convert.Class]jobs.PoolConfig, error) {
	pools := make(map[convert.Class]jobs.PoolConfig, len(cfg.Pools.Pools))
	for name, p := range cfg.Pools.Pools {
		class := convert.Class(name)
		known := false
		for _, c := range convert.Classes() {
			if c == class {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown pool %q", name)
		}
		pools[class] = jobs.PoolConfig{Workers: p.Workers, Depth: p.Depth}
	}
	return pools, nil
}

func converterTools(cfg *config.Config) convert.Tools {
	return convert.Tools{
		Soffice:  cfg.SofficePath,
		OCRmyPDF: cfg.OCRmyPDFPath,
		Magick:   cfg.MagickPath,
		FFmpeg:   cfg.FFmpegPath,
	}
}

// setupMaintenance は QUEUE_REDIS_URL があれば asynq、無ければプロセス内のゴルーチンで定期処理を行います。
func setupMaintenance(cfg *config.Config, handlers *maintenance.Handlers) (maintenance.Scheduler, error) {
	if cfg.QueueRedisURL == "" {
		logging.Info("main", "QUEUE_REDIS_URL not set; running maintenance in-process")
		return maintenance.NewInline(cfg.SweepInterval(), handlers)
	}
	return maintenance.NewManager(cfg.QueueRedisURL, cfg.InstanceID, cfg.SweepInterval(), handlers)
}

// sessionSecret は署名鍵を返します。開発環境で未設定の場合は起動ごとに生成します。
func sessionSecret(cfg *config.Config) ([]byte, error) {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	logging.Warn("main", "SESSION_SECRET not set; using an ephemeral key")
	return []byte(hex.EncodeToString(buf)), nil
}
