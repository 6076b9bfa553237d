package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/murajaah/murajaah-cache/internal/policy"
)

const supportedBackendList = "file|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	switch g.StorageBackend {
	case "file":
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case "memory":
	default:
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.MetadataCacheEntries < 0 {
		return newFieldError("Global.MetadataCacheEntries", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.BackgroundTimeout.DurationValue() <= 0 {
		return newFieldError("Global.BackgroundTimeout", "必须大于 0")
	}
	if g.MaxResponseSize < 0 {
		return newFieldError("Global.MaxResponseSize", "不能为负数")
	}

	if err := c.validateApp(); err != nil {
		return err
	}
	return c.validateRoles()
}

func (c *Config) validateApp() error {
	app := c.App
	if app.Name == "" {
		return newFieldError("App.Name", "不能为空")
	}
	if strings.ContainsAny(app.Name, " /\\") {
		return newFieldError("App.Name", "不允许包含空格或路径分隔符")
	}
	if err := validateDomain(app.Domain); err != nil {
		return fmt.Errorf("App.Domain: %w", err)
	}
	if err := validateOrigin(app.Origin); err != nil {
		return fmt.Errorf("App.Origin: %w", err)
	}
	if app.ExternalScheme != "http" && app.ExternalScheme != "https" {
		return newFieldError("App.ExternalScheme", "仅支持 http/https")
	}
	if app.MaxKeyLength <= 0 {
		return newFieldError("App.MaxKeyLength", "必须大于 0")
	}
	for _, group := range []struct {
		field string
		hosts []string
	}{
		{"App.APIHosts", app.APIHosts},
		{"App.ProxyHosts", app.ProxyHosts},
		{"App.StaticHosts", app.StaticHosts},
	} {
		for _, host := range group.hosts {
			if err := validateDomain(strings.TrimSpace(host)); err != nil {
				return fmt.Errorf("%s: %w", group.field, err)
			}
		}
	}
	for _, prefix := range app.APIPrefixes {
		if err := validateOrigin(prefix); err != nil {
			return fmt.Errorf("App.APIPrefixes: %w", err)
		}
	}
	for _, pinned := range app.PinnedURLs {
		if err := validateOrigin(pinned); err != nil {
			return fmt.Errorf("App.PinnedURLs: %w", err)
		}
	}
	return nil
}

func (c *Config) validateRoles() error {
	generations, err := c.GenerationMap()
	if err != nil {
		return err
	}
	for _, role := range policy.Roles() {
		if generations[role] == "" {
			return newFieldError("Generations."+string(role), "不能为空")
		}
	}
	if _, err := c.StrategyMap(); err != nil {
		return err
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") && strings.Contains(domain, ":") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
