// Package classify 判断一个请求地址是否可能是可播放的视频资源。
package classify

import (
	"net/url"
	"strings"
)

// segmentExts 分片文件，不是可独立寻址的视频
var segmentExts = []string{".ts", ".m4s"}

// nonVideoExts 文件名里带 .mp4/.m3u8 但实际是图片、脚本等资源
var nonVideoExts = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".ico", ".bmp", ".avif",
	".css", ".js", ".mjs", ".map",
	".html", ".htm", ".xml", ".json", ".txt", ".vtt", ".srt",
	".woff", ".woff2", ".ttf", ".otf",
}

// IsCandidate 是否为候选视频地址（m3u8 播放列表或 mp4 文件）
func IsCandidate(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	lower := strings.ToLower(rawURL)
	if !strings.Contains(lower, ".m3u8") && !strings.Contains(lower, ".mp4") {
		return false
	}

	seg := lastSegment(lower)
	if hasSuffix(seg, segmentExts) || hasSuffix(seg, nonVideoExts) {
		return false
	}
	return true
}

// IsManifest 是否为 HLS 播放列表
func IsManifest(rawURL string) bool {
	return strings.Contains(strings.ToLower(rawURL), ".m3u8")
}

// lastSegment 返回路径最后一段，解析失败时按 ?/# 截断
func lastSegment(lower string) string {
	path := ""
	if u, err := url.Parse(lower); err == nil {
		path = u.Path
		if path == "" && u.Opaque != "" {
			path = u.Opaque
		}
	} else {
		path = lower
		if i := strings.IndexAny(path, "?#"); i >= 0 {
			path = path[:i]
		}
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func hasSuffix(s string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(s, ext) {
			return true
		}
	}
	return false
}
