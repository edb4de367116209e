package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chrome2nas/internal/detect"
	"chrome2nas/pkg/model"
)

type fakeSink struct {
	mu      sync.Mutex
	active  model.TabID
	urls    map[model.TabID]string
	closed  []model.TabID
	started []detect.RequestEvent
}

func newFakeSink() *fakeSink {
	return &fakeSink{active: model.OrphanTab, urls: make(map[model.TabID]string)}
}

func (s *fakeSink) OnRequestStarted(ev detect.RequestEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, ev)
}

func (s *fakeSink) OnHeadersSent(detect.HeadersEvent) {}

func (s *fakeSink) OnTabClosed(tab model.TabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, tab)
}

func (s *fakeSink) OnNavigationCommitted(model.TabID, int, string) {}

func (s *fakeSink) SetActiveTab(tab model.TabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = tab
}

func (s *fakeSink) SetTabURL(tab model.TabID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[tab] = url
}

// fakeDevTools 只提供目标列表，不提供 WebSocket 地址，因此不会真正附加
type fakeDevTools struct {
	mu      sync.Mutex
	targets []map[string]string
}

func (f *fakeDevTools) set(targets ...map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = targets
}

func (f *fakeDevTools) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.targets)
}

func target(id, typ, url string) map[string]string {
	return map[string]string{"id": id, "type": typ, "url": url, "title": id}
}

func TestRefreshTracksTargets(t *testing.T) {
	dt := &fakeDevTools{}
	srv := httptest.NewServer(dt)
	defer srv.Close()

	sink := newFakeSink()
	m := New(Options{DevToolsURL: srv.URL, Sink: sink})
	ctx := context.Background()

	dt.set(
		target("P2", "page", "https://y.com/"),
		target("P1", "page", "https://x.com/watch"),
		target("SW", "service_worker", "https://x.com/sw.js"),
		target("BG", "other", "chrome://newtab"),
	)
	require.NoError(t, m.refresh(ctx))

	tabs := m.Registry().List()
	require.Len(t, tabs, 3)
	assert.Equal(t, "P2", tabs[0].TargetID)
	assert.True(t, tabs[0].IsActive)
	assert.Equal(t, model.OrphanTab, tabs[2].ID)
	assert.Equal(t, model.TabID(1), sink.active)
	assert.Equal(t, "https://x.com/watch", sink.urls[2])

	dt.set(target("P1", "page", "https://x.com/watch"))
	require.NoError(t, m.refresh(ctx))

	assert.Equal(t, []model.TabID{1}, sink.closed)
	assert.Equal(t, model.TabID(2), sink.active)
	require.Len(t, m.Registry().List(), 1)
}

func TestCookiesWithoutTarget(t *testing.T) {
	m := New(Options{Sink: newFakeSink()})
	_, err := m.Cookies(context.Background(), "https://x.com/a.m3u8")
	assert.ErrorIs(t, err, errNoTarget)
	_, err = m.PartitionedCookies(context.Background(), "https://x.com/a.m3u8", "https://x.com")
	assert.ErrorIs(t, err, errNoTarget)
}
