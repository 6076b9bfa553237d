package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/murajaah/murajaah-cache/internal/cache"
	"github.com/murajaah/murajaah-cache/internal/policy"
)

var (
	// ErrNetworkUnavailable 表示请求未能得到任何上游响应（拒绝、超时、连接失败）。
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrResponseTooLarge 表示上游正文超过 MaxResponseSize。
	ErrResponseTooLarge = errors.New("upstream response too large")
	// ErrKeyTooLong 表示规范化 key 超过长度上限，写入被跳过，不对调用方暴露。
	ErrKeyTooLong = errors.New("cache key too long")
)

// Request 是执行器处理的一次被拦截请求。Header 应已剔除 hop-by-hop 字段。
type Request struct {
	Method   string
	URL      *url.URL
	Navigate bool
	Header   http.Header
	Body     []byte
}

// Key 返回请求的规范化缓存 key。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.URL)
}

// Policy 返回分类器所需的描述。
func (r *Request) Policy() policy.Request {
	return policy.Request{Method: r.Method, URL: r.URL, Navigate: r.Navigate}
}

// Clone 复制请求，后台任务持有的副本与调用方互不影响。
func (r *Request) Clone() *Request {
	cloned := *r
	if r.URL != nil {
		u := *r.URL
		cloned.URL = &u
	}
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Fetcher 执行网络请求。任何错误都视为网络失败，HTTP 错误状态码不是错误。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher 使用共享 http.Client 回源，并一次性读取正文，保证正文只被消费一次。
type HTTPFetcher struct {
	client  *http.Client
	origin  *url.URL
	maxBody int64
}

// NewHTTPFetcher 创建回源器；origin 用于判定同源（basic）响应，maxBody<=0 表示不限制。
func NewHTTPFetcher(client *http.Client, origin *url.URL, maxBody int64) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, origin: origin, maxBody: maxBody}
}

// Fetch 实现 Fetcher。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	// 交给 Transport 处理压缩，缓存中保存解压后的正文。
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = req.URL.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if f.maxBody > 0 {
		reader = io.LimitReader(resp.Body, f.maxBody+1)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetworkUnavailable, err)
	}
	if f.maxBody > 0 && int64(len(payload)) > f.maxBody {
		return nil, fmt.Errorf("%w: %s", ErrResponseTooLarge, req.URL.Redacted())
	}

	header := resp.Header.Clone()
	if resp.Uncompressed {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	return &cache.Response{
		URL:    req.URL.String(),
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Type:   f.responseType(req.URL, header),
	}, nil
}

func (f *HTTPFetcher) responseType(target *url.URL, header http.Header) cache.ResponseType {
	if f.origin != nil && sameOrigin(f.origin, target) {
		return cache.ResponseTypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return cache.ResponseTypeCORS
	}
	return cache.ResponseTypeOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
