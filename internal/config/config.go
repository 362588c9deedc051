package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 进程启动配置。运行期可变的缓存/水印设置由各服务持有，
// 这里只提供初始值。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	Sora          SoraConfig          `mapstructure:"sora"`
	Generation    GenerationConfig    `mapstructure:"generation"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Admin         AdminConfig         `mapstructure:"admin"`
	WatermarkFree WatermarkFreeConfig `mapstructure:"watermark_free"`
	TokenRefresh  TokenRefreshConfig  `mapstructure:"token_refresh"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// 客户端 API Key。留空表示不鉴权。
	APIKey string `mapstructure:"api_key"`
}

type DatabaseConfig struct {
	// sqlite 文件路径，":memory:" 用于测试。
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type SoraConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ProxyURL     string        `mapstructure:"proxy_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type GenerationConfig struct {
	ImageTimeout time.Duration `mapstructure:"image_timeout"`
	VideoTimeout time.Duration `mapstructure:"video_timeout"`
	// 引擎 worker 池上限：同时在跑的生成任务数。
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Dir     string        `mapstructure:"dir"`
	Timeout time.Duration `mapstructure:"timeout"`
	BaseURL string        `mapstructure:"base_url"`
	// 过期清扫周期。
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type AdminConfig struct {
	// 管理接口的 API Key。留空表示不鉴权(仅限内网部署)。
	APIKey string `mapstructure:"api_key"`
	// 连续错误达到该值后自动禁用账号。
	ErrorBanThreshold int `mapstructure:"error_ban_threshold"`
	// 自动禁用后的冷却时长。
	BanCooldown time.Duration `mapstructure:"ban_cooldown"`
}

type WatermarkFreeConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ParseMethod    string `mapstructure:"parse_method"` // third_party / custom
	CustomParseURL string `mapstructure:"custom_parse_url"`
	CustomToken    string `mapstructure:"custom_parse_token"`
}

type TokenRefreshConfig struct {
	AutoRefreshEnabled bool `mapstructure:"auto_refresh_enabled"`
	// 距离过期多近时触发续期。
	RenewWindow time.Duration `mapstructure:"renew_window"`
}

// Load 读取配置文件并套用 SORAPOOL_* 环境变量覆盖。
// path 为空时在当前目录和 ./config 下查找 config.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("SORAPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺失时退回默认值 + 环境变量。
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errorsAs(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7860)
	v.SetDefault("database.path", "data/sorapool.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("sora.base_url", "https://sora.chatgpt.com/backend")
	v.SetDefault("sora.timeout", "120s")
	v.SetDefault("sora.poll_interval", "2500ms")
	v.SetDefault("generation.image_timeout", "300s")
	v.SetDefault("generation.video_timeout", "1500s")
	v.SetDefault("generation.max_concurrent_jobs", 64)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.dir", "tmp")
	v.SetDefault("cache.timeout", "600s")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("admin.error_ban_threshold", 3)
	v.SetDefault("admin.ban_cooldown", "30m")
	v.SetDefault("watermark_free.enabled", false)
	v.SetDefault("watermark_free.parse_method", "third_party")
	v.SetDefault("token_refresh.auto_refresh_enabled", false)
	v.SetDefault("token_refresh.renew_window", "24h")
}

// errorsAs 小包装，避免在 Load 里引入额外命名冲突。
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
