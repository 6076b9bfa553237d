package policy

import (
	"net/http"
	"net/url"
	"strings"
)

// DefaultDocumentSuffixes 是视为 App Shell 文档的路径后缀。
var DefaultDocumentSuffixes = []string{".html", ".htm"}

// DefaultStrategies 是未配置 [Strategies] 时各角色使用的策略。
func DefaultStrategies() map[Role]Kind {
	return map[Role]Kind{
		RoleShell:  KindNetworkFirst,
		RoleData:   KindNetworkFirst,
		RoleStatic: KindStaleWhileRevalidate,
	}
}

// Options 是分类器的注入配置，取代散落在代码中的 host/URL 常量。
type Options struct {
	DocumentSuffixes []string
	ProxyHosts       []string
	APIHosts         []string
	APIPrefixes      []string
	// PinnedURLs 是安装阶段预先写入 data bucket 的 API 地址，命中后走 cache-first。
	PinnedURLs []string
	Strategies map[Role]Kind
}

// Route 是一次分类的结果。Method 随路由一起传递，方便执行器对 HEAD 抑制写入。
type Route struct {
	Class    Class
	Method   string
	Strategy Kind
	Role     Role
	Pinned   bool
	Rule     string
}

// AllowsWrite 表示该路由是否可能产生缓存条目。
func (r Route) AllowsWrite() bool {
	return r.Role != RoleNone && r.Method == http.MethodGet
}

// Classifier 按固定优先级评估规则，首个命中的规则生效。
type Classifier struct {
	rules      []Rule
	pinned     map[string]struct{}
	strategies map[Role]Kind
}

// NewClassifier 根据配置构建有序规则表，最后一条规则恒真。
func NewClassifier(opts Options) *Classifier {
	suffixes := opts.DocumentSuffixes
	if len(suffixes) == 0 {
		suffixes = DefaultDocumentSuffixes
	}

	strategies := DefaultStrategies()
	for role, kind := range opts.Strategies {
		if kind != "" {
			strategies[role] = kind
		}
	}

	pinned := make(map[string]struct{}, len(opts.PinnedURLs))
	for _, raw := range opts.PinnedURLs {
		if canonical := canonicalURL(raw); canonical != "" {
			pinned[canonical] = struct{}{}
		}
	}

	rules := []Rule{
		{Name: "non-cacheable-method", Matcher: Not{Matcher: cacheableMethods}, Class: ClassPassThrough},
		{Name: "non-http-scheme", Matcher: Not{Matcher: SchemeIn{"http", "https"}}, Class: ClassPassThrough},
		{Name: "app-shell", Matcher: AnyOf{NavigationFlag{}, PathSuffix(suffixes)}, Class: ClassAppShell},
		{Name: "proxy-host", Matcher: HostSuffix(opts.ProxyHosts), Class: ClassProxyOnly},
		{Name: "api", Matcher: AnyOf{HostSuffix(opts.APIHosts), URLPrefix(canonicalPrefixes(opts.APIPrefixes))}, Class: ClassAPIData},
		{Name: "static-default", Matcher: Always{}, Class: ClassStaticAsset},
	}

	return &Classifier{
		rules:      rules,
		pinned:     pinned,
		strategies: strategies,
	}
}

// Rules 返回规则表副本，供诊断输出。
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify 是纯函数：相同输入总是得到相同 Route。
func (c *Classifier) Classify(req Request) Route {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	req.Method = method

	for _, rule := range c.rules {
		if !rule.Matcher.Match(req) {
			continue
		}
		route := Route{
			Class:  rule.Class,
			Method: method,
			Role:   RoleForClass(rule.Class),
			Rule:   rule.Name,
		}
		route.Strategy = c.strategyFor(route)
		if route.Class == ClassAPIData && c.isPinned(req.URL) {
			route.Pinned = true
			route.Strategy = KindCacheFirst
		}
		return route
	}

	// 兜底规则恒真，这里不可达；仍返回 static 保证完备。
	return Route{Class: ClassStaticAsset, Method: method, Role: RoleStatic, Strategy: c.strategies[RoleStatic], Rule: "static-default"}
}

// IsPinned 报告 URL 是否在预置列表中。
func (c *Classifier) IsPinned(u *url.URL) bool {
	return c.isPinned(u)
}

func (c *Classifier) isPinned(u *url.URL) bool {
	if u == nil || len(c.pinned) == 0 {
		return false
	}
	_, ok := c.pinned[canonicalURL(u.String())]
	return ok
}

func (c *Classifier) strategyFor(route Route) Kind {
	if route.Role == RoleNone {
		return KindNetworkOnly
	}
	if kind, ok := c.strategies[route.Role]; ok {
		return kind
	}
	return KindNetworkOnly
}

// canonicalPrefixes 按请求 URL 的同一规则规范化前缀（scheme/host 小写）。
func canonicalPrefixes(prefixes []string) []string {
	result := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		if canonical := canonicalURL(prefix); canonical != "" {
			result = append(result, canonical)
		}
	}
	return result
}

func canonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}
