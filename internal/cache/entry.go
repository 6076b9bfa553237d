package cache

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Key 是规范化后的请求：`GET <absolute-url>`，不含 fragment，忽略全部请求头。
// HEAD 请求复用 GET 的 key，因此探测请求可以读取但永远不会写入条目。
type Key string

// NewKey 根据 URL 构造 key。
func NewKey(u *url.URL) Key {
	if u == nil {
		return ""
	}
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Host = strings.ToLower(clone.Host)
	return Key(http.MethodGet + " " + clone.String())
}

// URL 返回 key 中的 URL 部分。
func (k Key) URL() string {
	s := string(k)
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// ResponseType 对应响应的来源可信度：同源 basic、带 CORS 授权的 cors，
// 以及无法校验内容的 opaque。
type ResponseType string

const (
	ResponseTypeBasic  ResponseType = "basic"
	ResponseTypeCORS   ResponseType = "cors"
	ResponseTypeOpaque ResponseType = "opaque"
)

// Response 是缓存中保存的完整响应，状态码/头/正文逐字节保留。
type Response struct {
	URL      string       `json:"url"`
	Status   int          `json:"status"`
	Header   http.Header  `json:"header"`
	Body     []byte       `json:"-"`
	Type     ResponseType `json:"type"`
	StoredAt time.Time    `json:"stored_at"`
}

// OK 表示 2xx。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 深拷贝响应；同一响应既要返回给调用方又要写缓存时必须先 Clone。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}
