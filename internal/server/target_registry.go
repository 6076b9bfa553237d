package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/murajaah/murajaah-cache/internal/config"
)

// TargetKind 区分应用自身域名与允许代理的外部主机。
type TargetKind string

const (
	TargetApp      TargetKind = "app"
	TargetExternal TargetKind = "external"
)

// Target 是某个 Host 对应的真实回源地址。
type Target struct {
	// Host 是请求中携带的 Host（已规范化）。
	Host string
	Kind TargetKind
	// Base 为回源的 scheme://host[/path]，请求路径会拼接在其后。
	Base *url.URL
}

// Resolve 将请求 URI（path + query）拼接到 Base 上，得到被拦截请求的完整 URL。
func (t *Target) Resolve(requestURI string) (*url.URL, error) {
	ref, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return nil, fmt.Errorf("invalid request uri %q: %w", requestURI, err)
	}
	resolved := *t.Base
	resolved.Path = strings.TrimRight(t.Base.Path, "/") + ref.Path
	if ref.RawPath != "" {
		resolved.RawPath = strings.TrimRight(t.Base.EscapedPath(), "/") + ref.RawPath
	} else {
		resolved.RawPath = ""
	}
	resolved.RawQuery = ref.RawQuery
	resolved.Fragment = ""
	return &resolved, nil
}

// TargetRegistry 提供 Host/Host:port 到 Target 的查询能力，只有登记过的主机会被代理。
type TargetRegistry struct {
	targets map[string]*Target
}

// NewTargetRegistry 根据配置构建 Host 映射：App.Domain → App.Origin，
// 外部主机 → ExternalScheme://host。
func NewTargetRegistry(cfg *config.Config) (*TargetRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	origin, err := cfg.App.OriginURL()
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid app origin %q", cfg.App.Origin)
	}

	registry := &TargetRegistry{targets: make(map[string]*Target)}
	appHost := normalizeDomain(cfg.App.Domain)
	if appHost == "" {
		return nil, fmt.Errorf("invalid domain for app %s", cfg.App.Name)
	}
	registry.targets[appHost] = &Target{Host: appHost, Kind: TargetApp, Base: origin}

	scheme := cfg.App.ExternalScheme
	if scheme == "" {
		scheme = "https"
	}
	for _, host := range cfg.App.ExternalHosts() {
		normalized := normalizeDomain(host)
		if normalized == "" {
			continue
		}
		if _, exists := registry.targets[normalized]; exists {
			return nil, fmt.Errorf("duplicate host mapping detected for %s", normalized)
		}
		registry.targets[normalized] = &Target{
			Host: normalized,
			Kind: TargetExternal,
			Base: &url.URL{Scheme: scheme, Host: normalized},
		}
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 Target。
func (r *TargetRegistry) Lookup(host string) (*Target, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	target, ok := r.targets[normalizedHost]
	return target, ok
}

// List 返回按 Host 排序的 Target 列表，用于诊断输出。
func (r *TargetRegistry) List() []Target {
	if r == nil || len(r.targets) == 0 {
		return nil
	}
	result := make([]Target, 0, len(r.targets))
	for _, target := range r.targets {
		result = append(result, *target)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Host < result[j].Host })
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
