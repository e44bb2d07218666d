package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 存储类型
const (
	StorageMemory     = "memory"
	StorageFilesystem = "filesystem"
	StorageRedis      = "redis"
	StoragePostgres   = "postgres"
	StorageMySQL      = "mysql"
)

// ProviderConfig 邮件转发服务商（ImprovMX）接口配置
type ProviderConfig struct {
	BaseURL   string        // API 根地址，默认 https://api.improvmx.com/v3
	APIKey    string        // 可选：预置 API Key，登录时优先于已保存的凭据
	Domain    string        // 可选：预置域名
	Timeout   time.Duration // 单次请求超时
	RateLimit float64       // 每秒最多请求数
	Burst     int           // 突发请求数
}

// AliasConfig 别名生命周期配置
type AliasConfig struct {
	TTL          time.Duration // 别名存活时长，默认 4 分钟
	PurgeWorkers int           // 批量清理过期别名的并发数
}

// PollerConfig 投递日志轮询配置
type PollerConfig struct {
	Interval time.Duration // 自动轮询间隔，默认 40 秒
	AutoLoad bool          // 首次运行时的自动轮询默认值（之后以保存的偏好为准）
}

// NotificationConfig 通知队列配置
type NotificationConfig struct {
	DefaultDuration time.Duration // 默认展示时长
	DismissDelay    time.Duration // 关闭动画时长，结束后才展示下一条
	Tick            time.Duration // 调度循环兜底轮询间隔
}

// StorageConfig 本地状态存储配置
type StorageConfig struct {
	Type string // memory / filesystem / redis / postgres / mysql
	Path string // filesystem 存储文件路径
	DSN  string // postgres / mysql 连接串
}

// RedisConfig 定义 Redis 存储配置
type RedisConfig struct {
	Address   string // Redis 服务地址，格式 "host:port"
	Password  string // 认证密码，留空表示无密码
	DB        int    // 数据库编号
	KeyPrefix string // 键前缀，区分多个设备实例
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色输出和详细堆栈
	File        string // 日志文件路径，留空输出到 stderr
}

// DiagnosticsConfig 本地诊断服务（健康检查、指标、事件推送）
type DiagnosticsConfig struct {
	Addr           string   // 监听地址，留空表示不启动
	AllowedOrigins []string // 允许的跨域来源
}

// Config 系统配置根结构体
type Config struct {
	Provider     ProviderConfig
	Alias        AliasConfig
	Poller       PollerConfig
	Notification NotificationConfig
	Storage      StorageConfig
	Redis        RedisConfig
	Log          LogConfig
	Diagnostics  DiagnosticsConfig
}

// Load 从环境变量和 .env 文件加载配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: ALIASMX_，例如 ALIASMX_PROVIDER_API_KEY、ALIASMX_STORAGE_TYPE
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("aliasmx")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("provider.base_url", "https://api.improvmx.com/v3")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.domain", "")
	v.SetDefault("provider.timeout", "15s")
	v.SetDefault("provider.rate_limit", 5.0)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("alias.ttl", "4m")
	v.SetDefault("alias.purge_workers", 4)
	v.SetDefault("poller.interval", "40s")
	v.SetDefault("poller.auto_load", true)
	v.SetDefault("notification.default_duration", "5s")
	v.SetDefault("notification.dismiss_delay", "300ms")
	v.SetDefault("notification.tick", "100ms")
	v.SetDefault("storage.type", StorageFilesystem)
	v.SetDefault("storage.path", defaultStatePath())
	v.SetDefault("storage.dsn", "")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "aliasmx:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("diagnostics.addr", "")
	v.SetDefault("diagnostics.allowed_origins", "http://localhost,http://127.0.0.1")

	timeout, err := parsePositiveDuration(v, "provider.timeout")
	if err != nil {
		return nil, err
	}
	ttl, err := parsePositiveDuration(v, "alias.ttl")
	if err != nil {
		return nil, err
	}
	interval, err := parsePositiveDuration(v, "poller.interval")
	if err != nil {
		return nil, err
	}
	defaultDuration, err := parsePositiveDuration(v, "notification.default_duration")
	if err != nil {
		return nil, err
	}
	tick, err := parsePositiveDuration(v, "notification.tick")
	if err != nil {
		return nil, err
	}

	dismissDelay, err := time.ParseDuration(v.GetString("notification.dismiss_delay"))
	if err != nil || dismissDelay < 0 {
		dismissDelay = 300 * time.Millisecond
	}

	rateLimit := v.GetFloat64("provider.rate_limit")
	if rateLimit <= 0 {
		rateLimit = 5
	}
	purgeWorkers := v.GetInt("alias.purge_workers")
	if purgeWorkers <= 0 {
		purgeWorkers = 1
	}
	burst := v.GetInt("provider.burst")
	if burst <= 0 {
		burst = 1
	}

	baseURL := strings.TrimRight(strings.TrimSpace(v.GetString("provider.base_url")), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provider.base_url must not be empty")
	}

	storageType := strings.ToLower(strings.TrimSpace(v.GetString("storage.type")))
	switch storageType {
	case StorageMemory, StorageFilesystem, StorageRedis:
	case StoragePostgres, StorageMySQL:
		if v.GetString("storage.dsn") == "" {
			return nil, fmt.Errorf("storage.dsn is required for %s storage", storageType)
		}
	default:
		return nil, fmt.Errorf("unsupported storage.type %q", storageType)
	}

	cfg := &Config{
		Provider: ProviderConfig{
			BaseURL:   baseURL,
			APIKey:    strings.TrimSpace(v.GetString("provider.api_key")),
			Domain:    strings.ToLower(strings.TrimSpace(v.GetString("provider.domain"))),
			Timeout:   timeout,
			RateLimit: rateLimit,
			Burst:     burst,
		},
		Alias: AliasConfig{
			TTL:          ttl,
			PurgeWorkers: purgeWorkers,
		},
		Poller: PollerConfig{
			Interval: interval,
			AutoLoad: v.GetBool("poller.auto_load"),
		},
		Notification: NotificationConfig{
			DefaultDuration: defaultDuration,
			DismissDelay:    dismissDelay,
			Tick:            tick,
		},
		Storage: StorageConfig{
			Type: storageType,
			Path: v.GetString("storage.path"),
			DSN:  v.GetString("storage.dsn"),
		},
		Redis: RedisConfig{
			Address:   v.GetString("redis.address"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Diagnostics: DiagnosticsConfig{
			Addr:           strings.TrimSpace(v.GetString("diagnostics.addr")),
			AllowedOrigins: parseList(v.GetString("diagnostics.allowed_origins")),
		},
	}

	return cfg, nil
}

// parsePositiveDuration 解析必须为正数的时长配置
func parsePositiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// defaultStatePath 默认状态文件位置：用户配置目录下的 aliasmx/state.json
func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "aliasmx", "state.json")
}

// loadEnvFile 尝试加载 .env 文件，不存在时静默跳过，已有环境变量不会被覆盖
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
