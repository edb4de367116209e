// Package submit 组装发往 NAS 的下载任务：合并捕获的请求头、页面 Cookie 与目标域 Cookie。
package submit

import (
	"context"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/publicsuffix"

	"chrome2nas/internal/capture"
	"chrome2nas/internal/classify"
	"chrome2nas/internal/logger"
	"chrome2nas/internal/nasapi"
	"chrome2nas/internal/resolve"
	"chrome2nas/pkg/model"
	"chrome2nas/pkg/traffic"
)

const (
	maxTitleLen  = 100
	defaultTitle = "Untitled Video"
)

// hopByHop 不能转发到另一台机器的请求头
var hopByHop = []string{"Host", "Connection", "Content-Length", "Accept-Encoding"}

// CookieSource 浏览器 Cookie 查询
type CookieSource interface {
	Cookies(ctx context.Context, rawURL string) ([]traffic.Pair, error)
	// PartitionedCookies 按顶级站点查询分区（CHIPS）Cookie
	PartitionedCookies(ctx context.Context, rawURL, topLevelSite string) ([]traffic.Pair, error)
}

// Options 组装器依赖
type Options struct {
	Captures  *capture.Store
	Cookies   CookieSource
	Settings  nasapi.SettingsProvider
	ActiveTab func() model.TabID
	Clock     model.Clock
	Logger    logger.Logger
}

// Assembler 任务组装器
type Assembler struct {
	captures  *capture.Store
	cookies   CookieSource
	settings  nasapi.SettingsProvider
	activeTab func() model.TabID
	clock     model.Clock
	log       logger.Logger
}

// New 创建组装器
func New(opts Options) *Assembler {
	if opts.Clock == nil {
		opts.Clock = model.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.ActiveTab == nil {
		opts.ActiveTab = func() model.TabID { return model.OrphanTab }
	}
	return &Assembler{
		captures:  opts.Captures,
		cookies:   opts.Cookies,
		settings:  opts.Settings,
		activeTab: opts.ActiveTab,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
}

// Build 组装下载请求。非候选地址或未配置时直接失败，不发起任何网络请求
func (a *Assembler) Build(ctx context.Context, target, pageTitle, pageURL string) (*nasapi.DownloadRequest, error) {
	if !classify.IsCandidate(target) {
		return nil, nasapi.ErrNotCandidate
	}
	s := a.settings.Settings()
	if !s.Configured() {
		var missing []string
		if s.NASEndpoint == "" {
			missing = append(missing, "nasEndpoint")
		}
		if s.APIKey == "" {
			missing = append(missing, "apiKey")
		}
		return nil, &nasapi.ConfigError{Missing: missing}
	}

	l := a.log.With("traceId", logger.TraceID(ctx))
	finalURL := target
	headers := traffic.Header{}

	if a.captures != nil {
		var exact *model.CapturedHeaderSet
		if set, ok := a.captures.Get(target); ok {
			exact = &set
		}
		best := resolve.Best(a.captures.Snapshot(), target, a.activeTab(), pageURL, a.clock.Now())
		if m := resolve.Choose(target, exact, best); m != nil {
			finalURL = m.URL
			headers = StripHopByHop(m.Headers)
			l.Debug("使用捕获的请求头", "url", m.URL, "score", m.Score)
		}
	}

	if headers.Get("Cookie") == "" && pageURL != "" {
		if pairs := a.lookup(ctx, l, pageURL, ""); len(pairs) > 0 {
			headers.Set("Cookie", traffic.JoinCookies(pairs))
		}
	}

	targetPairs := a.lookup(ctx, l, finalURL, "")
	if len(targetPairs) == 0 {
		if site := TopLevelSite(pageURL); site != "" {
			targetPairs = a.lookup(ctx, l, finalURL, site)
		}
	}
	if len(targetPairs) > 0 {
		headers.Set("Cookie", traffic.MergeCookies(headers.Get("Cookie"), traffic.JoinCookies(targetPairs)))
	}

	return &nasapi.DownloadRequest{
		URL:        finalURL,
		Title:      SanitizeTitle(pageTitle),
		SourcePage: pageURL,
		Referer:    pageURL,
		Headers:    headers,
	}, nil
}

// lookup 查询 Cookie，失败只记录日志
func (a *Assembler) lookup(ctx context.Context, l logger.Logger, rawURL, site string) []traffic.Pair {
	if a.cookies == nil || rawURL == "" {
		return nil
	}
	var (
		pairs []traffic.Pair
		err   error
	)
	if site == "" {
		pairs, err = a.cookies.Cookies(ctx, rawURL)
	} else {
		pairs, err = a.cookies.PartitionedCookies(ctx, rawURL, site)
	}
	if err != nil {
		l.Warn("查询 Cookie 失败", "url", rawURL, "partition", site, "error", err.Error())
		return nil
	}
	return pairs
}

// StripHopByHop 复制请求头并去掉逐跳头（大小写不敏感）
func StripHopByHop(h traffic.Header) traffic.Header {
	out := h.Clone()
	for _, name := range hopByHop {
		out.Del(name)
	}
	return out
}

// SanitizeTitle 去掉文件系统不安全字符并截断
func SanitizeTitle(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return -1
		}
		return r
	}, title)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return defaultTitle
	}
	if utf8.RuneCountInString(cleaned) > maxTitleLen {
		cleaned = string([]rune(cleaned)[:maxTitleLen])
	}
	return cleaned
}

// TopLevelSite 返回 scheme://eTLD+1，用作分区 Cookie 的键
func TopLevelSite(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		site = host
	}
	return strings.ToLower(u.Scheme) + "://" + site
}
