package cdp

import (
	"math"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"chrome2nas/internal/detect"
	"chrome2nas/pkg/model"
	"chrome2nas/pkg/traffic"
)

// ParseHeaders 将 CDP Headers 对象转换为有序的名称/值对
func ParseHeaders(raw gjson.Result) []traffic.Pair {
	if !raw.IsObject() {
		return nil
	}
	var out []traffic.Pair
	raw.ForEach(func(k, v gjson.Result) bool {
		// 同名多值以换行分隔
		for _, line := range strings.Split(v.String(), "\n") {
			out = append(out, traffic.Pair{Name: k.String(), Value: line})
		}
		return true
	})
	return out
}

// ResourceType 将 CDP 资源类型转换为小写名称，XHR/Fetch 统一为 xmlhttprequest
func ResourceType(cdpType string) string {
	switch strings.ToLower(cdpType) {
	case "":
		return "other"
	case "xhr", "fetch":
		return "xmlhttprequest"
	case "document":
		return "main_frame"
	default:
		return strings.ToLower(cdpType)
	}
}

// WallTimeMillis 秒级 wallTime 转毫秒
func WallTimeMillis(seconds float64) int64 {
	if seconds <= 0 {
		return 0
	}
	return int64(math.Round(seconds * 1000))
}

// ToRequestEvent 转换 Network.requestWillBeSent 参数，返回事件和 requestId
func ToRequestEvent(tab model.TabID, params []byte) (detect.RequestEvent, string) {
	p := gjson.ParseBytes(params)
	docURL := p.Get("documentURL").String()

	initiator := traffic.Origin(docURL)
	if initiator == "" {
		initiator = traffic.Origin(p.Get("initiator.url").String())
	}

	ev := detect.RequestEvent{
		TabID:        tab,
		URL:          p.Get("request.url").String(),
		DocumentURL:  docURL,
		Initiator:    initiator,
		Timestamp:    WallTimeMillis(p.Get("wallTime").Float()),
		Method:       p.Get("request.method").String(),
		ResourceType: ResourceType(p.Get("type").String()),
	}
	if frag := p.Get("request.urlFragment").String(); frag != "" {
		ev.URL += frag
	}
	return ev, p.Get("requestId").String()
}

// ToNavigation 转换 Page.frameNavigated 参数。没有 parentId 的是主框架，返回 0
func ToNavigation(params []byte) (frameID int, url string) {
	p := gjson.ParseBytes(params)
	url = p.Get("frame.url").String()
	if p.Get("frame.parentId").String() != "" {
		return 1, url
	}
	return 0, url
}

// ExtraInfo Network.requestWillBeSentExtraInfo 的请求头部分
func ExtraInfo(params []byte) (requestID string, headers []traffic.Pair) {
	p := gjson.ParseBytes(params)
	return p.Get("requestId").String(), ParseHeaders(p.Get("headers"))
}

const defaultJoinerCapacity = 512

type pendingRequest struct {
	ev      *detect.RequestEvent
	headers []traffic.Pair
	hasHdr  bool
}

// Joiner 按 requestId 合并请求事件与实际发出的请求头，两者到达顺序不固定
type Joiner struct {
	mu       sync.Mutex
	capacity int
	pending  map[string]*pendingRequest
	order    []string

	// 已确认无需合并的请求，迟到的请求头直接丢弃
	forgotten      map[string]uint64
	forgottenOrder []forgottenID
	seq            uint64
}

type forgottenID struct {
	id  string
	seq uint64
}

// NewJoiner 创建合并器
func NewJoiner(capacity int) *Joiner {
	if capacity <= 0 {
		capacity = defaultJoinerCapacity
	}
	return &Joiner{
		capacity:  capacity,
		pending:   make(map[string]*pendingRequest),
		forgotten: make(map[string]uint64),
	}
}

// Request 记录请求事件，请求头已先到时返回合并结果
func (j *Joiner) Request(id string, ev detect.RequestEvent) (detect.HeadersEvent, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	// 重定向沿用同一 requestId，新的跳转可能是候选地址
	delete(j.forgotten, id)
	p := j.getLocked(id)
	p.ev = &ev
	return j.completeLocked(id, p)
}

// Headers 记录请求头，请求事件已先到时返回合并结果
func (j *Joiner) Headers(id string, headers []traffic.Pair) (detect.HeadersEvent, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.forgotten[id]; ok {
		delete(j.forgotten, id)
		return detect.HeadersEvent{}, false
	}
	p := j.getLocked(id)
	p.headers = headers
	p.hasHdr = true
	return j.completeLocked(id, p)
}

// Forget 丢弃不需要合并的请求
func (j *Joiner) Forget(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if p, ok := j.pending[id]; ok {
		delete(j.pending, id)
		j.removeOrderLocked(id)
		if p.hasHdr {
			return
		}
	}
	j.seq++
	j.forgotten[id] = j.seq
	j.forgottenOrder = append(j.forgottenOrder, forgottenID{id: id, seq: j.seq})
	for len(j.forgottenOrder) > j.capacity {
		old := j.forgottenOrder[0]
		if j.forgotten[old.id] == old.seq {
			delete(j.forgotten, old.id)
		}
		j.forgottenOrder = j.forgottenOrder[1:]
	}
}

// Len 待合并条目数
func (j *Joiner) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

func (j *Joiner) getLocked(id string) *pendingRequest {
	if p, ok := j.pending[id]; ok {
		return p
	}
	p := &pendingRequest{}
	j.pending[id] = p
	j.order = append(j.order, id)
	for len(j.order) > j.capacity {
		delete(j.pending, j.order[0])
		j.order = j.order[1:]
	}
	return p
}

func (j *Joiner) completeLocked(id string, p *pendingRequest) (detect.HeadersEvent, bool) {
	if p.ev == nil || !p.hasHdr {
		return detect.HeadersEvent{}, false
	}
	delete(j.pending, id)
	j.removeOrderLocked(id)
	return detect.HeadersEvent{
		TabID:     p.ev.TabID,
		URL:       p.ev.URL,
		Initiator: p.ev.Initiator,
		Timestamp: p.ev.Timestamp,
		Headers:   p.headers,
	}, true
}

func (j *Joiner) removeOrderLocked(id string) {
	for i, o := range j.order {
		if o == id {
			j.order = append(j.order[:i], j.order[i+1:]...)
			return
		}
	}
}

// ParseCookies 解析 Network.getCookies 的结果。site 为空时只返回未分区 Cookie，否则只返回该顶级站点分区下的 Cookie
func ParseCookies(result []byte, site string) []traffic.Pair {
	var out []traffic.Pair
	gjson.GetBytes(result, "cookies").ForEach(func(_, c gjson.Result) bool {
		key := c.Get("partitionKey")
		partition := key.String()
		if key.IsObject() {
			partition = key.Get("topLevelSite").String()
		}
		if site == "" && partition != "" {
			return true
		}
		if site != "" && !strings.EqualFold(strings.TrimRight(partition, "/"), site) {
			return true
		}
		out = append(out, traffic.Pair{Name: c.Get("name").String(), Value: c.Get("value").String()})
		return true
	})
	return out
}
