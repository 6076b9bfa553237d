package policy

import (
	"net/http"
	"net/url"
	"strings"
)

// Request 是分类器所需的最小请求描述。
type Request struct {
	Method   string
	URL      *url.URL
	Navigate bool
}

// Matcher 是规则谓词，使用带标签的具体类型而不是散落的字符串判断。
type Matcher interface {
	Match(req Request) bool
	String() string
}

// MethodIn 在请求方法属于给定集合时命中。
type MethodIn []string

func (m MethodIn) Match(req Request) bool {
	for _, method := range m {
		if strings.EqualFold(method, req.Method) {
			return true
		}
	}
	return false
}

func (m MethodIn) String() string { return "method in [" + strings.Join(m, ",") + "]" }

// SchemeIn 在 URL scheme 属于给定集合时命中。
type SchemeIn []string

func (m SchemeIn) Match(req Request) bool {
	if req.URL == nil {
		return false
	}
	for _, scheme := range m {
		if strings.EqualFold(scheme, req.URL.Scheme) {
			return true
		}
	}
	return false
}

func (m SchemeIn) String() string { return "scheme in [" + strings.Join(m, ",") + "]" }

// NavigationFlag 匹配顶层页面加载。
type NavigationFlag struct{}

func (NavigationFlag) Match(req Request) bool { return req.Navigate }

func (NavigationFlag) String() string { return "navigate" }

// PathSuffix 在路径以任一后缀结尾时命中（忽略大小写）。
type PathSuffix []string

func (m PathSuffix) Match(req Request) bool {
	if req.URL == nil {
		return false
	}
	p := strings.ToLower(req.URL.Path)
	for _, suffix := range m {
		if suffix != "" && strings.HasSuffix(p, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

func (m PathSuffix) String() string { return "path suffix [" + strings.Join(m, ",") + "]" }

// HostSuffix 匹配 host 本身或其子域名，例如 alquran.cloud 同时命中 api.alquran.cloud。
type HostSuffix []string

func (m HostSuffix) Match(req Request) bool {
	if req.URL == nil {
		return false
	}
	host := normalizeHost(req.URL.Hostname())
	if host == "" {
		return false
	}
	for _, raw := range m {
		suffix := normalizeHost(raw)
		if suffix == "" {
			continue
		}
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func (m HostSuffix) String() string { return "host suffix [" + strings.Join(m, ",") + "]" }

// URLPrefix 在完整 URL（scheme/host 小写、去掉 fragment）以任一前缀开头时命中。
type URLPrefix []string

func (m URLPrefix) Match(req Request) bool {
	if req.URL == nil {
		return false
	}
	full := canonicalURL(req.URL.String())
	for _, prefix := range m {
		if prefix != "" && strings.HasPrefix(full, prefix) {
			return true
		}
	}
	return false
}

func (m URLPrefix) String() string { return "url prefix [" + strings.Join(m, ",") + "]" }

// Not 取反。
type Not struct{ Matcher Matcher }

func (m Not) Match(req Request) bool { return !m.Matcher.Match(req) }

func (m Not) String() string { return "not(" + m.Matcher.String() + ")" }

// AnyOf 任一子谓词命中即命中。
type AnyOf []Matcher

func (m AnyOf) Match(req Request) bool {
	for _, sub := range m {
		if sub.Match(req) {
			return true
		}
	}
	return false
}

func (m AnyOf) String() string { return "any(" + joinMatchers(m) + ")" }

// Always 恒真，作为兜底规则保证分类的完备性。
type Always struct{}

func (Always) Match(Request) bool { return true }

func (Always) String() string { return "always" }

// Rule 将谓词映射为路由类别。
type Rule struct {
	Name    string
	Matcher Matcher
	Class   Class
}

func joinMatchers(ms []Matcher) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = m.String()
	}
	return strings.Join(parts, ", ")
}

func normalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "*.")
	raw = strings.TrimPrefix(raw, ".")
	raw = strings.TrimSuffix(raw, ".")
	return strings.ToLower(raw)
}

// cacheableMethods 是允许进入缓存机制的请求方法；HEAD 只读不写。
var cacheableMethods = MethodIn{http.MethodGet, http.MethodHead}
