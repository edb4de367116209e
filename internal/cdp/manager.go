// Package cdp 通过 Chrome DevTools Protocol 观察浏览器网络请求，并把事件交给检测引擎。
package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"

	cdpadapter "chrome2nas/internal/adapter/cdp"
	"chrome2nas/internal/detect"
	"chrome2nas/internal/logger"
	"chrome2nas/internal/session"
	"chrome2nas/pkg/model"
)

const defaultPollInterval = 2 * time.Second

// Sink 接收浏览器事件的检测核心
type Sink interface {
	OnRequestStarted(ev detect.RequestEvent)
	OnHeadersSent(ev detect.HeadersEvent)
	OnTabClosed(tab model.TabID)
	OnNavigationCommitted(tab model.TabID, frameID int, url string)
	SetActiveTab(tab model.TabID)
	SetTabURL(tab model.TabID, url string)
}

// Options 管理器配置
type Options struct {
	DevToolsURL  string
	PollInterval time.Duration
	Registry     *session.Manager
	Sink         Sink
	Logger       logger.Logger
}

// Manager 调试目标管理器：定期刷新目标列表，为每个页面和 worker 建立连接
type Manager struct {
	devtoolsURL string
	poll        time.Duration
	registry    *session.Manager
	sink        Sink
	joiner      *cdpadapter.Joiner
	log         logger.Logger

	targetsMu sync.Mutex
	targets   map[session.TargetID]*targetSession
	active    session.TargetID
}

// targetSession 单个目标的连接
type targetSession struct {
	id     session.TargetID
	tab    model.TabID
	kind   string
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建管理器
func New(opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = session.NewManager(opts.Logger)
	}
	return &Manager{
		devtoolsURL: opts.DevToolsURL,
		poll:        opts.PollInterval,
		registry:    opts.Registry,
		sink:        opts.Sink,
		joiner:      cdpadapter.NewJoiner(0),
		log:         opts.Logger,
		targets:     make(map[session.TargetID]*targetSession),
	}
}

// Run 刷新目标直到 ctx 结束，退出时关闭所有连接
func (m *Manager) Run(ctx context.Context) error {
	defer m.closeAll()

	if err := m.refresh(ctx); err != nil {
		m.log.Warn("获取调试目标失败", "devtools", m.devtoolsURL, "error", err.Error())
	}
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.refresh(ctx); err != nil {
				m.log.Warn("获取调试目标失败", "devtools", m.devtoolsURL, "error", err.Error())
			}
		}
	}
}

// refresh 同步目标列表：附加新目标，移除已消失的目标，列表中第一个页面视为活动标签页
func (m *Manager) refresh(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	targets, err := devtool.New(m.devtoolsURL).List(listCtx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	seen := make(map[session.TargetID]bool, len(targets))
	var firstPage session.TargetID
	for _, t := range targets {
		kind := string(t.Type)
		if kind != "page" && !session.IsWorker(kind) {
			continue
		}
		id := session.TargetID(t.ID)
		seen[id] = true
		tab := m.registry.Register(id, kind, t.URL, t.Title)
		if kind == "page" {
			if firstPage == "" {
				firstPage = id
			}
			m.sink.SetTabURL(tab.ID, t.URL)
		}

		m.targetsMu.Lock()
		_, attached := m.targets[id]
		m.targetsMu.Unlock()
		if attached || t.WebSocketDebuggerURL == "" {
			continue
		}
		if err := m.attach(ctx, t, tab.ID); err != nil {
			m.log.Err(err, "附加调试目标失败", "target", t.ID, "type", kind)
		}
	}

	for _, id := range m.registry.IDs() {
		if !seen[id] {
			m.removeTarget(id)
		}
	}

	m.targetsMu.Lock()
	changed := firstPage != "" && firstPage != m.active
	if changed {
		m.active = firstPage
	}
	m.targetsMu.Unlock()

	if changed {
		m.registry.SetActive(firstPage)
		if tab, ok := m.registry.Get(firstPage); ok {
			m.sink.SetActiveTab(tab.ID)
			m.log.Debug("活动标签页变更", "target", string(firstPage), "tab", int(tab.ID))
		}
	}
	return nil
}

// attach 建立连接并启用 Network（页面另启用 Page）
func (m *Manager) attach(ctx context.Context, t *devtool.Target, tab model.TabID) error {
	tctx, cancel := context.WithCancel(ctx)
	conn, err := rpcc.DialContext(tctx, t.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return fmt.Errorf("dial %s: %w", t.ID, err)
	}
	ts := &targetSession{
		id:     session.TargetID(t.ID),
		tab:    tab,
		kind:   string(t.Type),
		conn:   conn,
		client: cdp.NewClient(conn),
		ctx:    tctx,
		cancel: cancel,
	}

	if err := ts.client.Network.Enable(tctx, nil); err != nil {
		m.closeTargetSession(ts)
		return fmt.Errorf("enable network: %w", err)
	}
	if ts.kind == "page" {
		if err := ts.client.Page.Enable(tctx); err != nil {
			m.closeTargetSession(ts)
			return fmt.Errorf("enable page: %w", err)
		}
	}

	m.targetsMu.Lock()
	m.targets[ts.id] = ts
	m.targetsMu.Unlock()

	go m.consumeRequests(ts)
	go m.consumeExtraInfo(ts)
	if ts.kind == "page" {
		go m.consumeNavigations(ts)
	}
	m.log.Info("已附加调试目标", "target", t.ID, "tab", int(tab), "type", ts.kind)
	return nil
}

// removeTarget 目标已关闭：断开连接并通知检测核心
func (m *Manager) removeTarget(id session.TargetID) {
	m.targetsMu.Lock()
	if ts, ok := m.targets[id]; ok {
		m.closeTargetSession(ts)
		delete(m.targets, id)
	}
	if m.active == id {
		m.active = ""
	}
	m.targetsMu.Unlock()

	tab, ok := m.registry.Delete(id)
	if ok && !tab.ID.IsOrphan() {
		m.sink.OnTabClosed(tab.ID)
	}
}

// closeTargetSession 关闭单个目标连接
func (m *Manager) closeTargetSession(ts *targetSession) {
	ts.cancel()
	if err := ts.conn.Close(); err != nil {
		m.log.Debug("关闭目标连接出错", "target", string(ts.id), "error", err.Error())
	}
}

func (m *Manager) closeAll() {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	for id, ts := range m.targets {
		m.closeTargetSession(ts)
		delete(m.targets, id)
	}
}

// Registry 标签页登记表
func (m *Manager) Registry() *session.Manager {
	return m.registry
}
