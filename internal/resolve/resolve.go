// Package resolve 在所有已捕获的请求头中找出与目标地址最可能属于同一播放会话的那一条。
// 用户点击的地址常常缺少播放器实际请求时携带的带签名查询参数，直接发送会得到 403/404。
package resolve

import (
	"net/url"
	"strings"
	"time"

	"chrome2nas/internal/classify"
	"chrome2nas/pkg/model"
	"chrome2nas/pkg/traffic"
)

// 打分权重
const (
	weightSameTab    = 10
	weightSameOrigin = 5
	weightSamePath   = 2
	weightTokenQuery = 3
	weightHasCookie  = 3
	weightInitiator  = 3
	weightRecent     = 1
	recentWindow     = 60 * time.Second
	HighConfidence   = 15

	// MinRelated 候选至少要达到的得分，低于它视为另一个视频
	MinRelated = weightSameOrigin
)

// Match 解析结果
type Match struct {
	URL       string
	Headers   traffic.Header
	Score     int
	Timestamp int64
}

// Best 只在播放列表条目中挑选得分最高者，同分取最新。
// 目标本身不是播放列表时不做替换；候选必须与目标同源或同路径，且得分不低于 MinRelated
func Best(captures []model.CapturedHeaderSet, target string, activeTab model.TabID, sourcePage string, now time.Time) *Match {
	if !classify.IsManifest(target) {
		return nil
	}
	targetOrigin := traffic.Origin(target)
	targetPath := traffic.Path(target)
	pageOrigin := traffic.Origin(sourcePage)

	var best *Match
	for _, c := range captures {
		if !classify.IsManifest(c.Key) {
			continue
		}
		sameOrigin := targetOrigin != "" && traffic.Origin(c.Key) == targetOrigin
		samePath := targetPath != "" && traffic.Path(c.Key) == targetPath
		if !sameOrigin && !samePath {
			continue
		}
		score := 0
		if !activeTab.IsOrphan() && c.TabID == activeTab {
			score += weightSameTab
		}
		if sameOrigin {
			score += weightSameOrigin
		}
		if samePath {
			score += weightSamePath
		}
		if hasTokenQuery(c.Key) {
			score += weightTokenQuery
		}
		if c.Headers.Get("Cookie") != "" {
			score += weightHasCookie
		}
		if pageOrigin != "" && strings.HasPrefix(c.Initiator, pageOrigin) {
			score += weightInitiator
		}
		if now.UnixMilli()-c.Timestamp <= recentWindow.Milliseconds() {
			score += weightRecent
		}
		if score < MinRelated {
			continue
		}

		if best == nil || score > best.Score || (score == best.Score && c.Timestamp > best.Timestamp) {
			best = &Match{URL: c.Key, Headers: c.Headers, Score: score, Timestamp: c.Timestamp}
		}
	}
	return best
}

// Choose 在精确匹配与最佳匹配之间取舍：最佳匹配得分达到高置信度或比精确匹配更新时胜出
func Choose(target string, exact *model.CapturedHeaderSet, best *Match) *Match {
	if best != nil {
		if exact == nil || best.Score >= HighConfidence || best.Timestamp > exact.Timestamp {
			return best
		}
	}
	if exact != nil {
		return &Match{URL: target, Headers: exact.Headers, Timestamp: exact.Timestamp}
	}
	return nil
}

// hasTokenQuery 查询串中至少有一个非空参数值
func hasTokenQuery(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return false
	}
	for _, vals := range u.Query() {
		for _, v := range vals {
			if v != "" {
				return true
			}
		}
	}
	return false
}
