// Package capture 缓存视频请求实际发出的请求头（含 Cookie），用于在 NAS 上复现请求。
package capture

import (
	"sort"
	"strings"
	"sync"

	"chrome2nas/internal/classify"
	"chrome2nas/pkg/model"
	"chrome2nas/pkg/traffic"
)

// DefaultCapacity 最多保留的请求头条目数
const DefaultCapacity = 100

// Meta 请求头附带信息
type Meta struct {
	TabID     model.TabID
	Initiator string
	Timestamp int64
}

// Store 以请求 URL 为键的请求头缓存
type Store struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]model.CapturedHeaderSet
}

// NewStore 创建请求头缓存
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		entries:  make(map[string]model.CapturedHeaderSet),
	}
}

// Capture 记录一次请求的请求头。非候选地址直接忽略并返回 false
func (s *Store) Capture(requestURL string, raw []traffic.Pair, meta Meta) (model.CapturedHeaderSet, bool) {
	if !classify.IsCandidate(requestURL) {
		return model.CapturedHeaderSet{}, false
	}

	set := model.CapturedHeaderSet{
		Key:       requestURL,
		Headers:   NormalizeHeaders(raw),
		Timestamp: meta.Timestamp,
		Initiator: meta.Initiator,
		TabID:     meta.TabID,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[requestURL] = set
	s.evictLocked()
	return cloneSet(set), true
}

// evictLocked 超出容量时按时间戳淘汰最旧的条目
func (s *Store) evictLocked() {
	over := len(s.entries) - s.capacity
	if over <= 0 {
		return
	}
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.entries[keys[i]], s.entries[keys[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys[:over] {
		delete(s.entries, k)
	}
}

// Get 精确匹配 URL
func (s *Store) Get(requestURL string) (model.CapturedHeaderSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.entries[requestURL]
	if !ok {
		return model.CapturedHeaderSet{}, false
	}
	return cloneSet(set), true
}

// Snapshot 返回全部条目的副本
func (s *Store) Snapshot() []model.CapturedHeaderSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CapturedHeaderSet, 0, len(s.entries))
	for _, set := range s.entries {
		out = append(out, cloneSet(set))
	}
	return out
}

// Len 当前条目数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// NormalizeHeaders 规范化原始请求头列表。
// 跳过伪头；重复名称时 Cookie 以 "; " 合并，单值头保留首个值，其余以 ", " 合并。
func NormalizeHeaders(raw []traffic.Pair) traffic.Header {
	h := make(traffic.Header, len(raw))
	for _, p := range raw {
		if p.Name == "" || strings.HasPrefix(p.Name, ":") {
			continue
		}
		name := traffic.CanonicalName(p.Name)
		prev, ok := h[name]
		if !ok {
			h[name] = p.Value
			continue
		}
		switch {
		case traffic.IsSingleton(name):
		case p.Value == "" || p.Value == prev:
		case prev == "":
			h[name] = p.Value
		case name == "Cookie":
			h[name] = prev + "; " + p.Value
		default:
			h[name] = prev + ", " + p.Value
		}
	}
	return h
}

func cloneSet(set model.CapturedHeaderSet) model.CapturedHeaderSet {
	set.Headers = set.Headers.Clone()
	return set
}
