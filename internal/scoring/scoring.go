// Package scoring 为候选地址打分排序，并判断哪一个正在播放。
package scoring

import (
	"sort"
	"strings"
	"time"

	"chrome2nas/internal/classify"
	"chrome2nas/pkg/model"
)

// Thresholds 判定“正在播放”的经验阈值
type Thresholds struct {
	StrongAbsolute float64       // 有传统信号时的绝对高分
	ClearWinner    float64       // 明显胜出的最低分
	ManifestWinner float64       // 播放列表胜出的最低分
	Margin         float64       // 领先第二名的分差
	Recent         time.Duration // 有传统信号时的新鲜度
	RecentManifest time.Duration // 播放列表的新鲜度
}

// DefaultThresholds 默认阈值
var DefaultThresholds = Thresholds{
	StrongAbsolute: 12,
	ClearWinner:    8,
	ManifestWinner: 4,
	Margin:         2,
	Recent:         30 * time.Second,
	RecentManifest: 300 * time.Second,
}

// Score 计算单个候选地址的分数
func Score(c model.CandidateURL, now time.Time) float64 {
	var score float64

	age := now.UnixMilli() - c.Timestamp
	switch {
	case age < 10_000:
		score += 10
	case age < 30_000:
		score += 8
	case age < 120_000:
		score += 4
	}

	if classify.IsManifest(c.URL) {
		score += 4
	} else if containsMP4(c.URL) {
		score += 1
	}

	if c.RequestType == "media" {
		score += 6
	}
	if c.RangeHitCount > 0 {
		score += 12
	}
	if c.HitCount >= 3 {
		score += 2
	}
	if c.HitCount >= 10 {
		score += 2
	}
	return score
}

// Rank 按 (分数降序, 时间戳降序) 排序，分数和时间都相同时保留首次出现顺序。
// 最多标记一个正在播放的地址。
func Rank(cands []model.CandidateURL, now time.Time, th Thresholds) []model.CandidateURL {
	out := make([]model.CandidateURL, len(cands))
	copy(out, cands)
	for i := range out {
		out[i].Score = Score(out[i], now)
		out[i].IsNowPlaying = false
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Timestamp > out[j].Timestamp
	})

	if len(out) > 0 {
		runnerUp := 0.0
		if len(out) > 1 {
			runnerUp = out[1].Score
		}
		out[0].IsNowPlaying = NowPlaying(out[0], runnerUp, now, th)
	}
	return out
}

// NowPlaying 判断排名第一的候选是否明显在播放
func NowPlaying(top model.CandidateURL, runnerUp float64, now time.Time, th Thresholds) bool {
	age := time.Duration(now.UnixMilli()-top.Timestamp) * time.Millisecond
	isRecent := age <= th.Recent
	isRecentManifest := age <= th.RecentManifest
	isManifest := classify.IsManifest(top.URL)

	hasTraditional := top.RangeHitCount > 0 || top.HitCount >= 2 || top.RequestType == "media"
	hasActivity := hasTraditional || (isManifest && isRecentManifest)

	isStrongAbsolute := top.Score >= th.StrongAbsolute
	isClearWinner := top.Score >= th.ClearWinner && top.Score >= runnerUp+th.Margin
	isManifestWinner := isManifest && top.Score >= th.ManifestWinner && top.Score >= runnerUp+th.Margin

	var qualified bool
	if hasTraditional {
		qualified = (isStrongAbsolute || isClearWinner) && isRecent
	} else {
		qualified = (isClearWinner || isManifestWinner) && isRecentManifest
	}
	return qualified && hasActivity
}

func containsMP4(u string) bool {
	return strings.Contains(strings.ToLower(u), ".mp4")
}
