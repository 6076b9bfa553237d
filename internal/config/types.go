package config

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/murajaah/murajaah-cache/internal/policy"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort           int      `mapstructure:"ListenPort"`
	LogLevel             string   `mapstructure:"LogLevel"`
	LogFilePath          string   `mapstructure:"LogFilePath"`
	LogMaxSize           int      `mapstructure:"LogMaxSize"`
	LogMaxBackups        int      `mapstructure:"LogMaxBackups"`
	LogCompress          bool     `mapstructure:"LogCompress"`
	StoragePath          string   `mapstructure:"StoragePath"`
	StorageBackend       string   `mapstructure:"StorageBackend"`
	MetadataCacheEntries int      `mapstructure:"MetadataCacheEntries"`
	MaxRetries           int      `mapstructure:"MaxRetries"`
	InitialBackoff       Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout      Duration `mapstructure:"UpstreamTimeout"`
	BackgroundTimeout    Duration `mapstructure:"BackgroundTimeout"`
	MaxResponseSize      int64    `mapstructure:"MaxResponseSize"`
	WatchConfig          bool     `mapstructure:"WatchConfig"`
}

// AppConfig 描述被缓存的 Web 应用：域名、源站与各类主机列表。
type AppConfig struct {
	Name             string   `mapstructure:"Name"`
	Domain           string   `mapstructure:"Domain"`
	Origin           string   `mapstructure:"Origin"`
	ExternalScheme   string   `mapstructure:"ExternalScheme"`
	ShellDocument    string   `mapstructure:"ShellDocument"`
	OfflinePage      string   `mapstructure:"OfflinePage"`
	SkipWaiting      bool     `mapstructure:"SkipWaiting"`
	MaxKeyLength     int      `mapstructure:"MaxKeyLength"`
	Precache         []string `mapstructure:"Precache"`
	PinnedURLs       []string `mapstructure:"PinnedURLs"`
	APIHosts         []string `mapstructure:"APIHosts"`
	APIPrefixes      []string `mapstructure:"APIPrefixes"`
	ProxyHosts       []string `mapstructure:"ProxyHosts"`
	StaticHosts      []string `mapstructure:"StaticHosts"`
	DocumentSuffixes []string `mapstructure:"DocumentSuffixes"`

	// OfflinePageBody 是 OfflinePage 文件的内容，由 Load 读取。
	OfflinePageBody []byte `mapstructure:"-"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global      GlobalConfig      `mapstructure:",squash"`
	App         AppConfig         `mapstructure:"App"`
	Generations map[string]string `mapstructure:"Generations"`
	Strategies  map[string]string `mapstructure:"Strategies"`
}

// OriginURL 返回应用源站地址。
func (a AppConfig) OriginURL() (*url.URL, error) {
	return url.Parse(strings.TrimSpace(a.Origin))
}

// ShellDocumentURL 返回相对源站解析后的根文档地址，未配置时为 nil。
func (a AppConfig) ShellDocumentURL() *url.URL {
	raw := strings.TrimSpace(a.ShellDocument)
	if raw == "" {
		return nil
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	origin, err := a.OriginURL()
	if err != nil || ref.IsAbs() {
		return ref
	}
	return origin.ResolveReference(ref)
}

// ExternalHosts 返回允许被代理的外部主机（API/代理/静态资源），已去重排序。
func (a AppConfig) ExternalHosts() []string {
	seen := map[string]struct{}{}
	add := func(host string) {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			seen[host] = struct{}{}
		}
	}
	for _, group := range [][]string{a.APIHosts, a.ProxyHosts, a.StaticHosts} {
		for _, host := range group {
			add(host)
		}
	}
	for _, prefix := range a.APIPrefixes {
		if u, err := url.Parse(prefix); err == nil {
			add(u.Hostname())
		}
	}
	result := make([]string, 0, len(seen))
	for host := range seen {
		result = append(result, host)
	}
	sort.Strings(result)
	return result
}

// GenerationMap 将 [Generations] 转换为角色映射。
func (c *Config) GenerationMap() (map[policy.Role]string, error) {
	result := make(map[policy.Role]string, len(c.Generations))
	for raw, tag := range c.Generations {
		role, err := policy.ParseRole(raw)
		if err != nil {
			return nil, newFieldError("Generations."+raw, err.Error())
		}
		result[role] = strings.TrimSpace(tag)
	}
	return result, nil
}

// StrategyMap 将 [Strategies] 转换为角色到策略的映射。
func (c *Config) StrategyMap() (map[policy.Role]policy.Kind, error) {
	result := make(map[policy.Role]policy.Kind, len(c.Strategies))
	for raw, value := range c.Strategies {
		role, err := policy.ParseRole(raw)
		if err != nil {
			return nil, newFieldError("Strategies."+raw, err.Error())
		}
		kind, err := policy.ParseKind(value)
		if err != nil {
			return nil, newFieldError("Strategies."+raw, err.Error())
		}
		result[role] = kind
	}
	return result, nil
}

// ClassifierOptions 构建分类器配置。
func (c *Config) ClassifierOptions() (policy.Options, error) {
	strategies, err := c.StrategyMap()
	if err != nil {
		return policy.Options{}, err
	}
	return policy.Options{
		DocumentSuffixes: c.App.DocumentSuffixes,
		ProxyHosts:       c.App.ProxyHosts,
		APIHosts:         c.App.APIHosts,
		APIPrefixes:      c.App.APIPrefixes,
		PinnedURLs:       c.App.PinnedURLs,
		Strategies:       strategies,
	}, nil
}

// GenerationsChanged 报告两份配置的 generation 是否不同，用于热部署判定。
func GenerationsChanged(prev, next *Config) bool {
	if prev == nil || next == nil {
		return prev != next
	}
	if len(prev.Generations) != len(next.Generations) {
		return true
	}
	for role, tag := range prev.Generations {
		if next.Generations[role] != tag {
			return true
		}
	}
	return false
}
