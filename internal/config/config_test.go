package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"ALIASMX_PROVIDER_BASE_URL",
	"ALIASMX_PROVIDER_API_KEY",
	"ALIASMX_PROVIDER_DOMAIN",
	"ALIASMX_PROVIDER_TIMEOUT",
	"ALIASMX_ALIAS_TTL",
	"ALIASMX_ALIAS_PURGE_WORKERS",
	"ALIASMX_POLLER_INTERVAL",
	"ALIASMX_POLLER_AUTO_LOAD",
	"ALIASMX_NOTIFICATION_DEFAULT_DURATION",
	"ALIASMX_NOTIFICATION_DISMISS_DELAY",
	"ALIASMX_STORAGE_TYPE",
	"ALIASMX_STORAGE_PATH",
	"ALIASMX_STORAGE_DSN",
	"ALIASMX_REDIS_ADDRESS",
	"ALIASMX_REDIS_DB",
	"ALIASMX_LOG_LEVEL",
	"ALIASMX_DIAGNOSTICS_ADDR",
	"ALIASMX_DIAGNOSTICS_ALLOWED_ORIGINS",
}

// resetEnv 清空相关环境变量，测试结束后恢复
func resetEnv(t *testing.T) {
	t.Helper()
	original := make(map[string]string)
	for _, key := range envKeys {
		if value, ok := os.LookupEnv(key); ok {
			original[key] = value
		}
		os.Unsetenv(key)
	}
	t.Cleanup(func() {
		for _, key := range envKeys {
			if value, ok := original[key]; ok {
				os.Setenv(key, value)
			} else {
				os.Unsetenv(key)
			}
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("默认配置加载成功", func(t *testing.T) {
		resetEnv(t)

		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, "https://api.improvmx.com/v3", cfg.Provider.BaseURL)
		assert.Equal(t, 4*time.Minute, cfg.Alias.TTL)
		assert.Equal(t, 4, cfg.Alias.PurgeWorkers)
		assert.Equal(t, 40*time.Second, cfg.Poller.Interval)
		assert.True(t, cfg.Poller.AutoLoad)
		assert.Equal(t, 5*time.Second, cfg.Notification.DefaultDuration)
		assert.Equal(t, 300*time.Millisecond, cfg.Notification.DismissDelay)
		assert.Equal(t, 100*time.Millisecond, cfg.Notification.Tick)
		assert.Equal(t, StorageFilesystem, cfg.Storage.Type)
		assert.NotEmpty(t, cfg.Storage.Path)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Empty(t, cfg.Diagnostics.Addr)
		assert.Equal(t, []string{"http://localhost", "http://127.0.0.1"}, cfg.Diagnostics.AllowedOrigins)
	})

	t.Run("环境变量覆盖默认值", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("ALIASMX_PROVIDER_BASE_URL", "http://127.0.0.1:9999/v3/")
		os.Setenv("ALIASMX_PROVIDER_DOMAIN", " Example.COM ")
		os.Setenv("ALIASMX_POLLER_INTERVAL", "10s")
		os.Setenv("ALIASMX_POLLER_AUTO_LOAD", "false")
		os.Setenv("ALIASMX_STORAGE_TYPE", "Redis")
		os.Setenv("ALIASMX_REDIS_ADDRESS", "redis:6380")
		os.Setenv("ALIASMX_REDIS_DB", "2")
		os.Setenv("ALIASMX_DIAGNOSTICS_ADDR", "127.0.0.1:7070")

		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:9999/v3", cfg.Provider.BaseURL)
		assert.Equal(t, "example.com", cfg.Provider.Domain)
		assert.Equal(t, 10*time.Second, cfg.Poller.Interval)
		assert.False(t, cfg.Poller.AutoLoad)
		assert.Equal(t, StorageRedis, cfg.Storage.Type)
		assert.Equal(t, "redis:6380", cfg.Redis.Address)
		assert.Equal(t, 2, cfg.Redis.DB)
		assert.Equal(t, "127.0.0.1:7070", cfg.Diagnostics.Addr)
	})

	t.Run("无效的轮询间隔失败", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("ALIASMX_POLLER_INTERVAL", "soon")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid poller.interval")
	})

	t.Run("非正数的别名时长失败", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("ALIASMX_ALIAS_TTL", "-1m")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "alias.ttl must be positive")
	})

	t.Run("非正数的通知时长失败", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("ALIASMX_NOTIFICATION_DEFAULT_DURATION", "0s")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "must be positive")
	})

	t.Run("不支持的存储类型失败", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("ALIASMX_STORAGE_TYPE", "mongo")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "unsupported storage.type")
	})

	t.Run("postgres存储缺少DSN失败", func(t *testing.T) {
		resetEnv(t)
		os.Setenv("ALIASMX_STORAGE_TYPE", "postgres")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "storage.dsn is required")
	})
}

func TestParseList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "单个项目", input: "item1", expected: []string{"item1"}},
		{name: "带空格的项目", input: " item1 , item2 ", expected: []string{"item1", "item2"}},
		{name: "空字符串", input: "", expected: []string{}},
		{name: "混合空值", input: "item1,,item2,", expected: []string{"item1", "item2"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, parseList(tc.input))
		})
	}
}
