package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/media-forge/internal/convert"
)

// PoolConfig はリソースクラスごとのワーカープール設定です。
type PoolConfig struct {
	Workers int `yaml:"workers"`
	Depth   int `yaml:"depth"`
}

// PoolsConfig はプール構成と変換種別ごとのタイムアウトを表します。
//
//	pools:
//	  document: {workers: 2, depth: 32}
//	  video:    {workers: 1, depth: 8}
//	timeouts:
//	  video-compress: 30m
type PoolsConfig struct {
	Pools    map[string]PoolConfig    `yaml:"pools"`
	Timeouts map[string]time.Duration `yaml:"-"`
}

type rawPoolsConfig struct {
	Pools    map[string]PoolConfig `yaml:"pools"`
	Timeouts map[string]string     `yaml:"timeouts"`
}

// DefaultPools は設定ファイルがない場合のプール構成を返します。
func DefaultPools() *PoolsConfig {
	return &PoolsConfig{
		Pools: map[string]PoolConfig{
			"document": {Workers: 2, Depth: 32},
			"image":    {Workers: 4, Depth: 64},
			"video":    {Workers: 1, Depth: 8},
		},
		Timeouts: map[string]time.Duration{
			"pdf-docx":        2 * time.Minute,
			"docx-pdf":        2 * time.Minute,
			"pdf-txt":         5 * time.Minute,
			"image-transcode": time.Minute,
			"image-compress":  time.Minute,
			"video-transcode": 20 * time.Minute,
			"video-compress":  20 * time.Minute,
		},
	}
}

// ParsePoolsConfig は YAML からプール設定を読み込み、既定値に上書きします。
func ParsePoolsConfig(data []byte) (*PoolsConfig, error) {
	cfg := DefaultPools()
	if len(data) == 0 {
		return cfg, nil
	}
	var raw rawPoolsConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	for name, pool := range raw.Pools {
		cfg.Pools[name] = pool
	}
	for kind, value := range raw.Timeouts {
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("parse timeout for %s: %w", kind, err)
		}
		cfg.Timeouts[kind] = d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPoolsConfig は YAML ファイルからプール設定を読み込みます。
func LoadPoolsConfig(path string) (*PoolsConfig, error) {
	if path == "" {
		return nil, errors.New("pool config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool config: %w", err)
	}
	return ParsePoolsConfig(data)
}

// Validate はプール設定の妥当性を検証します。
func (p *PoolsConfig) Validate() error {
	if len(p.Pools) == 0 {
		return errors.New("pool config has no pools")
	}
	for name, pool := range p.Pools {
		if pool.Workers <= 0 {
			return fmt.Errorf("pool %s: workers must be positive", name)
		}
		if pool.Depth <= 0 {
			return fmt.Errorf("pool %s: depth must be positive", name)
		}
	}
	for kind, d := range p.Timeouts {
		if d <= 0 {
			return fmt.Errorf("timeout for %s must be positive", kind)
		}
	}
	return nil
}

// LongestTimeout は設定されている最大の変換タイムアウトを返します。
func (p *PoolsConfig) LongestTimeout() time.Duration {
	var longest time.Duration
	for _, d := range p.Timeouts {
		if d > longest {
			longest = d
		}
	}
	return longest
}

// MaxQueueWait はサブプールが満杯のとき、最後尾のジョブが実行開始まで待ちうる最大時間と、そのプール名を返します。
// 先行するジョブがすべて変換タイムアウトまで走った場合を想定します。
func (p *PoolsConfig) MaxQueueWait() (time.Duration, string) {
	var (
		worst time.Duration
		class string
	)
	for _, kind := range convert.Kinds() {
		name := string(kind.Class())
		pool, ok := p.Pools[name]
		if !ok || pool.Workers <= 0 {
			continue
		}
		timeout, ok := p.Timeouts[string(kind)]
		if !ok {
			timeout = convert.DefaultTimeout
		}
		rounds := (pool.Depth + pool.Workers - 1) / pool.Workers
		if wait := time.Duration(rounds) * timeout; wait > worst {
			worst, class = wait, name
		}
	}
	return worst, class
}
