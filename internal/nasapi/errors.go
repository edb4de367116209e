package nasapi

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotCandidate 目标地址不是候选视频地址
var ErrNotCandidate = errors.New("not a valid video URL")

// ConfigError 缺少 NAS 地址或密钥，不重试
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "NAS not configured: missing " + strings.Join(e.Missing, ", ")
}

// NetworkError 连接失败或超时
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: request timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RemoteError NAS 返回非 2xx
type RemoteError struct {
	StatusCode int
	Detail     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("NAS returned %d: %s", e.StatusCode, e.Detail)
}

// Category 面向用户的错误类别
type Category string

const (
	CategoryConfig        Category = "config"
	CategoryInvalidURL    Category = "invalid_url"
	CategoryForbidden     Category = "forbidden"
	CategoryNotFound      Category = "not_found"
	CategoryTimeout       Category = "timeout"
	CategorySSL           Category = "ssl"
	CategoryConnection    Category = "connection"
	CategoryEmptyPlaylist Category = "empty_playlist"
	CategoryGeneric       Category = "generic"
)

var remediations = map[Category]string{
	CategoryConfig:        "Open the settings and enter the NAS endpoint and API key.",
	CategoryInvalidURL:    "Pick an .m3u8 or .mp4 URL from the detected list.",
	CategoryForbidden:     "The video server refused access. Play the video in the browser first so fresh cookies and tokens are captured, then resend.",
	CategoryNotFound:      "The video URL has expired or moved. Reload the page and resend the newest detected URL.",
	CategoryTimeout:       "The request timed out. Check that the NAS is reachable and not overloaded.",
	CategorySSL:           "TLS certificate verification failed. Check the certificate of the video host or the NAS endpoint.",
	CategoryConnection:    "Could not connect. Check the NAS endpoint address and your network.",
	CategoryEmptyPlaylist: "The playlist has no segments. Try a different quality variant or wait for the stream to start.",
	CategoryGeneric:       "Check the NAS logs for details.",
}

// 按顺序匹配，靠前的优先
var categoryPatterns = []struct {
	cat      Category
	keywords []string
}{
	{CategoryForbidden, []string{"403", "forbidden"}},
	{CategoryNotFound, []string{"404", "not found", "not-found"}},
	{CategoryTimeout, []string{"timeout", "timed out"}},
	{CategorySSL, []string{"ssl", "certificate", "tls"}},
	{CategoryEmptyPlaylist, []string{"empty playlist", "no segments", "playlist is empty"}},
	{CategoryConnection, []string{"connection", "network", "unreachable", "refused"}},
}

// Classify 将错误归类
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return CategoryConfig
	}
	if errors.Is(err, ErrNotCandidate) {
		return CategoryInvalidURL
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		if netErr.Timeout {
			return CategoryTimeout
		}
		if ClassifyMessage(netErr.Err.Error()) == CategorySSL {
			return CategorySSL
		}
		return CategoryConnection
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return ClassifyMessage(remote.Detail)
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage 按已知关键字归类错误消息
func ClassifyMessage(msg string) Category {
	lower := strings.ToLower(msg)
	for _, p := range categoryPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				return p.cat
			}
		}
	}
	return CategoryGeneric
}

// Remediation 类别对应的处理建议
func Remediation(c Category) string {
	if r, ok := remediations[c]; ok {
		return r
	}
	return remediations[CategoryGeneric]
}

// Describe 返回用户可读的错误消息与建议
func Describe(err error) (Category, string) {
	c := Classify(err)
	return c, err.Error() + "\n" + Remediation(c)
}
