package traffic

import (
	"net/url"
	"strings"
)

// Header 规范化后的请求头。Cookie/Referer/Origin/User-Agent 使用惯用大小写，其余名称统一小写
type Header map[string]string

var canonicalNames = map[string]string{
	"cookie":     "Cookie",
	"referer":    "Referer",
	"origin":     "Origin",
	"user-agent": "User-Agent",
}

// singleton 重复出现时只保留第一次的值
var singleton = map[string]bool{
	"User-Agent": true,
	"Referer":    true,
	"Origin":     true,
}

// CanonicalName 返回请求头的规范名称
func CanonicalName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if c, ok := canonicalNames[lower]; ok {
		return c
	}
	return lower
}

// IsSingleton 是否为单值请求头
func IsSingleton(name string) bool {
	return singleton[CanonicalName(name)]
}

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if v, ok := h[CanonicalName(key)]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Set 设置指定 Header 的值
func (h Header) Set(key, value string) {
	h.Del(key)
	h[CanonicalName(key)] = value
}

// Del 删除指定 Header（任意大小写）
func (h Header) Del(key string) {
	for k := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
}

// Clone 复制
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Pair 有序的名称/值对，用于原始请求头和 Cookie
type Pair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParseCookie 解析 Cookie 头，保持原有顺序
func ParseCookie(s string) []Pair {
	var out []Pair
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		p := Pair{Name: strings.TrimSpace(kv[0])}
		if len(kv) == 2 {
			p.Value = strings.TrimSpace(kv[1])
		}
		out = append(out, p)
	}
	return out
}

// JoinCookies 拼接为 Cookie 头
func JoinCookies(pairs []Pair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.Name == "" {
			continue
		}
		parts = append(parts, p.Name+"="+p.Value)
	}
	return strings.Join(parts, "; ")
}

// MergeCookies 按 name=value 取并集，保持首次出现的顺序
func MergeCookies(values ...string) string {
	seen := make(map[string]bool)
	var merged []Pair
	for _, v := range values {
		for _, p := range ParseCookie(v) {
			key := p.Name + "=" + p.Value
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, p)
		}
	}
	return JoinCookies(merged)
}

// Origin 返回 scheme://host，无法解析时返回空串
func Origin(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// Path 返回 URL 的路径部分
func Path(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}
