package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/murajaah/murajaah-cache/internal/policy"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v, path)
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAppDefaults(&cfg.App)
	normalizeRoleKeys(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if page := strings.TrimSpace(cfg.App.OfflinePage); page != "" {
		if !filepath.IsAbs(page) {
			page = filepath.Join(filepath.Dir(path), page)
		}
		body, err := os.ReadFile(page)
		if err != nil {
			return nil, newFieldError("App.OfflinePage", fmt.Sprintf("无法读取: %v", err))
		}
		cfg.App.OfflinePageBody = body
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", "file")
	v.SetDefault("MetadataCacheEntries", 4096)
	v.SetDefault("MaxRetries", 2)
	v.SetDefault("InitialBackoff", "500ms")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("BackgroundTimeout", "30s")
	v.SetDefault("MaxResponseSize", 128*1024*1024)
	v.SetDefault("WatchConfig", false)
	v.SetDefault("App.ExternalScheme", "https")
	v.SetDefault("App.SkipWaiting", true)
	v.SetDefault("App.MaxKeyLength", 2000)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.StorageBackend == "" {
		g.StorageBackend = "file"
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.BackgroundTimeout.DurationValue() == 0 {
		g.BackgroundTimeout = Duration(30 * time.Second)
	}
}

func applyAppDefaults(a *AppConfig) {
	a.Name = strings.TrimSpace(a.Name)
	a.Domain = strings.ToLower(strings.TrimSpace(a.Domain))
	a.Origin = strings.TrimRight(strings.TrimSpace(a.Origin), "/")
	if a.ExternalScheme == "" {
		a.ExternalScheme = "https"
	}
	a.ExternalScheme = strings.ToLower(a.ExternalScheme)
	if a.MaxKeyLength <= 0 {
		a.MaxKeyLength = 2000
	}
	if len(a.DocumentSuffixes) == 0 {
		a.DocumentSuffixes = append([]string(nil), policy.DefaultDocumentSuffixes...)
	}
}

// normalizeRoleKeys 统一 [Generations]/[Strategies] 的键为小写，值去除空白。
func normalizeRoleKeys(cfg *Config) {
	cfg.Generations = lowerKeys(cfg.Generations)
	cfg.Strategies = lowerKeys(cfg.Strategies)
}

func lowerKeys(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return out
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
