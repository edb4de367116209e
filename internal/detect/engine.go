// Package detect 是检测核心：接收浏览器网络事件，维护检测记录与请求头缓存，并响应界面操作。
package detect

import (
	"context"
	"sync"
	"time"

	"chrome2nas/internal/capture"
	"chrome2nas/internal/classify"
	"chrome2nas/internal/ledger"
	"chrome2nas/internal/logger"
	"chrome2nas/internal/nasapi"
	"chrome2nas/internal/scoring"
	"chrome2nas/internal/submit"
	"chrome2nas/pkg/model"
	"chrome2nas/pkg/traffic"
)

const (
	DefaultNotifyInterval = time.Second
	eventBuffer           = 256
)

// RequestEvent 请求开始
type RequestEvent struct {
	TabID        model.TabID
	URL          string
	DocumentURL  string
	Initiator    string
	Timestamp    int64
	Method       string
	ResourceType string
	FrameID      int
}

// HeadersEvent 请求头已发出
type HeadersEvent struct {
	TabID     model.TabID
	URL       string
	Initiator string
	Timestamp int64
	Headers   []traffic.Pair
}

// Submitter 提交下载任务
type Submitter interface {
	Submit(ctx context.Context, req *nasapi.DownloadRequest) (*model.Job, error)
}

// JobRecorder 本地任务记录
type JobRecorder interface {
	Record(ctx context.Context, job model.Job) error
}

// Options 引擎依赖与参数
type Options struct {
	Settings       nasapi.SettingsProvider
	Cookies        submit.CookieSource
	Submitter      Submitter
	Jobs           JobRecorder
	Notifier       Notifier
	Clock          model.Clock
	Logger         logger.Logger
	Thresholds     scoring.Thresholds
	HeaderCapacity int
	OrphanCapacity int
	OrphanMaxAge   time.Duration
	NotifyInterval time.Duration
}

// Engine 检测引擎。所有入口串行执行，内部异常不会向外传播
type Engine struct {
	mu sync.Mutex

	ledger    *ledger.Ledger
	captures  *capture.Store
	assembler *submit.Assembler
	settings  nasapi.SettingsProvider
	submitter Submitter
	jobs      JobRecorder
	notifier  Notifier
	clock     model.Clock
	log       logger.Logger
	th        scoring.Thresholds

	notifyInterval time.Duration
	lastNotify     map[model.TabID]time.Time

	tabMu     sync.RWMutex
	activeTab model.TabID
	tabURLs   map[model.TabID]string

	events chan model.Event
	wg     sync.WaitGroup
}

// New 创建检测引擎
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = model.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Thresholds == (scoring.Thresholds{}) {
		opts.Thresholds = scoring.DefaultThresholds
	}
	if opts.NotifyInterval <= 0 {
		opts.NotifyInterval = DefaultNotifyInterval
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier(opts.Logger)
	}

	e := &Engine{
		ledger: ledger.New(ledger.Options{
			OrphanCapacity: opts.OrphanCapacity,
			OrphanMaxAge:   opts.OrphanMaxAge,
			Clock:          opts.Clock,
		}),
		captures:       capture.NewStore(opts.HeaderCapacity),
		settings:       opts.Settings,
		submitter:      opts.Submitter,
		jobs:           opts.Jobs,
		notifier:       opts.Notifier,
		clock:          opts.Clock,
		log:            opts.Logger,
		th:             opts.Thresholds,
		notifyInterval: opts.NotifyInterval,
		lastNotify:     make(map[model.TabID]time.Time),
		activeTab:      model.OrphanTab,
		tabURLs:        make(map[model.TabID]string),
		events:         make(chan model.Event, eventBuffer),
	}
	e.assembler = submit.New(submit.Options{
		Captures:  e.captures,
		Cookies:   opts.Cookies,
		Settings:  opts.Settings,
		ActiveTab: e.ActiveTab,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
	})
	return e
}

// Events 事件通道（updated / badge / notification）
func (e *Engine) Events() <-chan model.Event {
	return e.events
}

// Captures 请求头缓存
func (e *Engine) Captures() *capture.Store {
	return e.captures
}

// OnRequestStarted 请求开始：候选地址写入检测记录
func (e *Engine) OnRequestStarted(ev RequestEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recover("OnRequestStarted")

	if !classify.IsCandidate(ev.URL) {
		return
	}
	if !e.settings.Settings().AutoDetect {
		return
	}

	pageURL := ev.Initiator
	if pageURL == "" {
		pageURL = ev.DocumentURL
	}
	ts := ev.Timestamp
	if ts == 0 {
		ts = e.clock.Now().UnixMilli()
	}
	created := e.ledger.RecordSighting(ev.TabID, ledger.Sighting{
		URL:         ev.URL,
		PageURL:     pageURL,
		RequestType: ev.ResourceType,
		Method:      ev.Method,
		FrameID:     ev.FrameID,
		Timestamp:   ts,
	})
	if ev.TabID.IsOrphan() {
		e.log.Debug("记录孤儿请求", "url", ev.URL, "page", pageURL)
		return
	}
	if created {
		e.log.Debug("检测到视频地址", "tab", int(ev.TabID), "url", ev.URL)
	}
	e.touchLocked(ev.TabID)
}

// OnHeadersSent 请求头已发出：缓存请求头，Range 请求累加播放信号
func (e *Engine) OnHeadersSent(ev HeadersEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recover("OnHeadersSent")

	ts := ev.Timestamp
	if ts == 0 {
		ts = e.clock.Now().UnixMilli()
	}
	set, ok := e.captures.Capture(ev.URL, ev.Headers, capture.Meta{
		TabID:     ev.TabID,
		Initiator: ev.Initiator,
		Timestamp: ts,
	})
	if !ok {
		return
	}
	if set.Headers.Get("Range") == "" || ev.TabID.IsOrphan() {
		return
	}
	if e.ledger.BumpRange(ev.TabID, ev.URL, ts) {
		e.touchLocked(ev.TabID)
	}
}

// OnTabClosed 标签页关闭
func (e *Engine) OnTabClosed(tab model.TabID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recover("OnTabClosed")

	e.ledger.RemoveTab(tab)
	delete(e.lastNotify, tab)

	e.tabMu.Lock()
	delete(e.tabURLs, tab)
	if e.activeTab == tab {
		e.activeTab = model.OrphanTab
	}
	e.tabMu.Unlock()
	e.log.Debug("标签页已关闭", "tab", int(tab))
}

// OnNavigationCommitted 导航完成，只有主框架（frameID 为 0）清空记录
func (e *Engine) OnNavigationCommitted(tab model.TabID, frameID int, pageURL string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recover("OnNavigationCommitted")

	if frameID != 0 || tab.IsOrphan() {
		return
	}
	e.SetTabURL(tab, pageURL)
	e.ledger.ClearTab(tab)
	e.sendEvent(model.Event{Type: "badge", Tab: tab, Count: 0})
	e.log.Debug("主框架导航，清空检测记录", "tab", int(tab), "url", pageURL)
}

// SetActiveTab 设置当前活动标签页
func (e *Engine) SetActiveTab(tab model.TabID) {
	e.tabMu.Lock()
	defer e.tabMu.Unlock()
	e.activeTab = tab
}

// ActiveTab 当前活动标签页，未知时为 OrphanTab
func (e *Engine) ActiveTab() model.TabID {
	e.tabMu.RLock()
	defer e.tabMu.RUnlock()
	return e.activeTab
}

// SetTabURL 更新标签页当前地址
func (e *Engine) SetTabURL(tab model.TabID, pageURL string) {
	e.tabMu.Lock()
	defer e.tabMu.Unlock()
	if pageURL == "" {
		return
	}
	e.tabURLs[tab] = pageURL
}

// TabURL 标签页当前地址
func (e *Engine) TabURL(tab model.TabID) string {
	e.tabMu.RLock()
	defer e.tabMu.RUnlock()
	return e.tabURLs[tab]
}

// GetDetectedURLs 返回排序后的候选地址（含归属的孤儿请求），tab 为空时使用活动标签页
func (e *Engine) GetDetectedURLs(tab *model.TabID) (out []model.CandidateURL) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out = []model.CandidateURL{}
	defer e.recover("GetDetectedURLs")

	t := e.ActiveTab()
	if tab != nil {
		t = *tab
	}
	if t.IsOrphan() {
		return out
	}
	merged := ledger.AttachOrphans(e.TabURL(t), e.ledger.Candidates(t), e.ledger.Orphans())
	return scoring.Rank(merged, e.clock.Now(), e.th)
}

// ClearDetected 清空活动标签页的检测记录
func (e *Engine) ClearDetected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.recover("ClearDetected")

	t := e.ActiveTab()
	if t.IsOrphan() {
		return
	}
	e.ledger.ClearTab(t)
	e.sendEvent(model.Event{Type: "badge", Tab: t, Count: 0})
}

// touchLocked 更新角标并按标签页节流发送 updated 事件
func (e *Engine) touchLocked(tab model.TabID) {
	count := e.ledger.Count(tab)
	e.sendEvent(model.Event{Type: "badge", Tab: tab, Count: count})

	now := e.clock.Now()
	if last, ok := e.lastNotify[tab]; ok && now.Sub(last) < e.notifyInterval {
		return
	}
	e.lastNotify[tab] = now
	e.sendEvent(model.Event{Type: "updated", Tab: tab, Count: count})
}

// sendEvent 非阻塞发送事件，通道满时丢弃
func (e *Engine) sendEvent(evt model.Event) {
	evt.Timestamp = e.clock.Now().UnixMilli()
	select {
	case e.events <- evt:
	default:
	}
}

// recover 捕获内部异常，保证事件循环继续运行
func (e *Engine) recover(op string) {
	if r := recover(); r != nil {
		e.log.Error("检测引擎内部异常", "op", op, "panic", r)
	}
}
