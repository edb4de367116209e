// Package ledger 按标签页记录检测到的候选视频地址，并维护无标签页归属的孤儿桶。
package ledger

import (
	"sort"
	"sync"
	"time"

	"chrome2nas/pkg/model"
)

const (
	DefaultOrphanCapacity = 200
	DefaultOrphanMaxAge   = 5 * time.Minute
)

// Sighting 一次网络层面的观测
type Sighting struct {
	URL         string
	PageURL     string
	RequestType string
	Method      string
	FrameID     int
	Timestamp   int64
}

// records URL → 记录，并保留首次出现顺序
type records struct {
	order []string
	byURL map[string]*model.CandidateURL
}

func newRecords() *records {
	return &records{byURL: make(map[string]*model.CandidateURL)}
}

// upsert 新地址追加到末尾，已有地址原地更新并累加命中次数
func (r *records) upsert(tab model.TabID, s Sighting) bool {
	if c, ok := r.byURL[s.URL]; ok {
		c.Timestamp = s.Timestamp
		if s.PageURL != "" {
			c.PageURL = s.PageURL
		}
		if s.RequestType != "" {
			c.RequestType = s.RequestType
		}
		if s.Method != "" {
			c.Method = s.Method
		}
		c.FrameID = s.FrameID
		c.HitCount++
		return false
	}
	r.byURL[s.URL] = &model.CandidateURL{
		URL:         s.URL,
		TabID:       tab,
		Timestamp:   s.Timestamp,
		PageURL:     s.PageURL,
		RequestType: s.RequestType,
		FrameID:     s.FrameID,
		Method:      s.Method,
		HitCount:    1,
	}
	r.order = append(r.order, s.URL)
	return true
}

func (r *records) list() []model.CandidateURL {
	out := make([]model.CandidateURL, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, *r.byURL[u])
	}
	return out
}

func (r *records) remove(drop map[string]bool) {
	kept := r.order[:0]
	for _, u := range r.order {
		if drop[u] {
			delete(r.byURL, u)
			continue
		}
		kept = append(kept, u)
	}
	r.order = kept
}

// Options 孤儿桶限制
type Options struct {
	OrphanCapacity int
	OrphanMaxAge   time.Duration
	Clock          model.Clock
}

// Ledger 每个标签页的检测记录
type Ledger struct {
	mu           sync.RWMutex
	tabs         map[model.TabID]*records
	orphans      *records
	orphanCap    int
	orphanMaxAge time.Duration
	clock        model.Clock
}

// New 创建检测记录
func New(opts Options) *Ledger {
	if opts.OrphanCapacity <= 0 {
		opts.OrphanCapacity = DefaultOrphanCapacity
	}
	if opts.OrphanMaxAge <= 0 {
		opts.OrphanMaxAge = DefaultOrphanMaxAge
	}
	if opts.Clock == nil {
		opts.Clock = model.SystemClock
	}
	return &Ledger{
		tabs:         make(map[model.TabID]*records),
		orphans:      newRecords(),
		orphanCap:    opts.OrphanCapacity,
		orphanMaxAge: opts.OrphanMaxAge,
		clock:        opts.Clock,
	}
}

// RecordSighting 记录一次观测，返回是否为该标签页的新地址。tab < 0 时写入孤儿桶
func (l *Ledger) RecordSighting(tab model.TabID, s Sighting) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tab.IsOrphan() {
		created := l.orphans.upsert(model.OrphanTab, s)
		l.pruneOrphansLocked()
		return created
	}

	r, ok := l.tabs[tab]
	if !ok {
		r = newRecords()
		l.tabs[tab] = r
	}
	return r.upsert(tab, s)
}

// BumpRange 记录一次 Range 请求，只对真实标签页生效
func (l *Ledger) BumpRange(tab model.TabID, url string, ts int64) bool {
	if tab.IsOrphan() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.tabs[tab]
	if !ok {
		return false
	}
	c, ok := r.byURL[url]
	if !ok {
		return false
	}
	c.RangeHitCount++
	c.Timestamp = ts
	return true
}

// ClearTab 清空标签页记录（主框架导航时调用）
func (l *Ledger) ClearTab(tab model.TabID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tabs[tab] = newRecords()
}

// RemoveTab 标签页关闭时释放记录
func (l *Ledger) RemoveTab(tab model.TabID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tabs, tab)
}

// Candidates 返回标签页记录副本，按首次出现顺序
func (l *Ledger) Candidates(tab model.TabID) []model.CandidateURL {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.tabs[tab]
	if !ok {
		return []model.CandidateURL{}
	}
	return r.list()
}

// Count 标签页记录数（角标使用）
func (l *Ledger) Count(tab model.TabID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.tabs[tab]; ok {
		return len(r.order)
	}
	return 0
}

// Orphans 返回裁剪后的孤儿记录副本
func (l *Ledger) Orphans() []model.CandidateURL {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneOrphansLocked()
	return l.orphans.list()
}

// pruneOrphansLocked 按年龄和数量裁剪孤儿桶
func (l *Ledger) pruneOrphansLocked() {
	cutoff := l.clock.Now().Add(-l.orphanMaxAge).UnixMilli()
	drop := make(map[string]bool)
	for _, u := range l.orphans.order {
		if l.orphans.byURL[u].Timestamp < cutoff {
			drop[u] = true
		}
	}

	remaining := len(l.orphans.order) - len(drop)
	if over := remaining - l.orphanCap; over > 0 {
		alive := make([]*model.CandidateURL, 0, remaining)
		for _, u := range l.orphans.order {
			if !drop[u] {
				alive = append(alive, l.orphans.byURL[u])
			}
		}
		sort.SliceStable(alive, func(i, j int) bool { return alive[i].Timestamp < alive[j].Timestamp })
		for _, c := range alive[:over] {
			drop[c.URL] = true
		}
	}

	if len(drop) > 0 {
		l.orphans.remove(drop)
	}
}
