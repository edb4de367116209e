package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"chrome2nas/pkg/model"
)

const subscriberBuffer = 64

// Hub 把引擎事件分发给所有订阅者，订阅者跟不上时丢弃事件
type Hub struct {
	mu   sync.Mutex
	subs map[chan model.Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan model.Event]struct{})}
}

// Run 从 src 读取事件直到 ctx 结束或 src 关闭
func (h *Hub) Run(ctx context.Context, src <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-src:
			if !ok {
				return
			}
			h.Publish(evt)
		}
	}
}

// Publish 非阻塞分发
func (h *Hub) Publish(evt model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe 返回事件通道和取消函数
func (h *Hub) Subscribe() (<-chan model.Event, func()) {
	ch := make(chan model.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// handleEvents 以 text/event-stream 推送事件
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
