package cdp

import (
	"encoding/json"

	"github.com/mafredri/cdp/rpcc"

	cdpadapter "chrome2nas/internal/adapter/cdp"
	"chrome2nas/internal/classify"
)

// stream 订阅一个原始事件流，逐条交给 fn 处理，流结束时移除目标
func (m *Manager) stream(ts *targetSession, method string, fn func(params []byte)) {
	s, err := rpcc.NewStream(ts.ctx, method, ts.conn)
	if err != nil {
		m.log.Err(err, "订阅事件流失败", "target", string(ts.id), "method", method)
		m.handleTargetStreamClosed(ts, err)
		return
	}
	defer s.Close()

	for {
		var raw json.RawMessage
		if err := s.RecvMsg(&raw); err != nil {
			m.handleTargetStreamClosed(ts, err)
			return
		}
		fn(raw)
	}
}

// consumeRequests Network.requestWillBeSent
func (m *Manager) consumeRequests(ts *targetSession) {
	m.stream(ts, "Network.requestWillBeSent", func(params []byte) {
		ev, reqID := cdpadapter.ToRequestEvent(ts.tab, params)
		key := string(ts.id) + "/" + reqID
		if !classify.IsCandidate(ev.URL) {
			m.joiner.Forget(key)
			return
		}
		m.sink.OnRequestStarted(ev)
		if hev, ok := m.joiner.Request(key, ev); ok {
			m.sink.OnHeadersSent(hev)
		}
	})
}

// consumeExtraInfo Network.requestWillBeSentExtraInfo 携带实际发出的请求头（含 Cookie）
func (m *Manager) consumeExtraInfo(ts *targetSession) {
	m.stream(ts, "Network.requestWillBeSentExtraInfo", func(params []byte) {
		reqID, headers := cdpadapter.ExtraInfo(params)
		if hev, ok := m.joiner.Headers(string(ts.id)+"/"+reqID, headers); ok {
			m.sink.OnHeadersSent(hev)
		}
	})
}

// consumeNavigations Page.frameNavigated
func (m *Manager) consumeNavigations(ts *targetSession) {
	m.stream(ts, "Page.frameNavigated", func(params []byte) {
		frameID, url := cdpadapter.ToNavigation(params)
		m.sink.OnNavigationCommitted(ts.tab, frameID, url)
		if frameID == 0 {
			m.registry.Register(ts.id, ts.kind, url, "")
		}
	})
}

// handleTargetStreamClosed 事件流中断时移除目标，目标仍存在时下次刷新会重新附加
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if ts.ctx.Err() != nil {
		return
	}
	m.log.Warn("事件流被中断，移除目标", "target", string(ts.id), "error", err.Error())

	m.targetsMu.Lock()
	cur, ok := m.targets[ts.id]
	if ok && cur == ts {
		m.closeTargetSession(cur)
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
}
