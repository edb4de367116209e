package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"chrome2nas/internal/detect"
	"chrome2nas/internal/nasapi"
	"chrome2nas/pkg/model"
)

type fakeService struct {
	lastTab   *model.TabID
	sent      []string
	cleared   int
	settings  model.Settings
	healthErr error
	cancelled string
	events    chan model.Event
}

func (f *fakeService) GetDetectedURLs(tab *model.TabID) []model.CandidateURL {
	f.lastTab = tab
	return []model.CandidateURL{{URL: "https://x.com/a.m3u8", TabID: 1, IsNowPlaying: true}}
}

func (f *fakeService) SendToNAS(url, _, _ string) detect.Ack {
	f.sent = append(f.sent, url)
	return detect.Ack{Success: true, TraceID: "t-1", URL: url}
}

func (f *fakeService) SendLatest(url, _, _ string) detect.Ack {
	return detect.Ack{Success: false, Error: "no video url detected"}
}

func (f *fakeService) ClearDetected() { f.cleared++ }

func (f *fakeService) Settings() model.Settings { return f.settings }

func (f *fakeService) UpdateSettings(_ context.Context, s model.Settings) (model.Settings, error) {
	f.settings = s
	return s, nil
}

func (f *fakeService) LocalJobs(context.Context, int) ([]model.Job, error) {
	return []model.Job{{ID: "j1", Status: model.JobPending}}, nil
}

func (f *fakeService) Health(context.Context) error { return f.healthErr }

func (f *fakeService) Status(context.Context) (*model.ApplianceStatus, error) {
	return &model.ApplianceStatus{ActiveDownloads: 1, QueueLength: 2}, nil
}

func (f *fakeService) RemoteJobs(context.Context, int) ([]model.Job, error) {
	return nil, &nasapi.ConfigError{Missing: []string{"apiKey"}}
}

func (f *fakeService) CancelJob(_ context.Context, id string) error {
	f.cancelled = id
	return nil
}

func (f *fakeService) Tabs() []model.TabInfo {
	return []model.TabInfo{{ID: model.OrphanTab, TargetID: "SW", Type: "service_worker"}}
}

func (f *fakeService) SubscribeEvents() <-chan model.Event { return f.events }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDetectedAndSend(t *testing.T) {
	svc := &fakeService{}
	h := New(svc, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/detected?tab=4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.lastTab)
	assert.Equal(t, model.TabID(4), *svc.lastTab)
	assert.True(t, gjson.Get(rec.Body.String(), "urls.0.isNowPlaying").Bool())

	do(t, h, http.MethodGet, "/api/detected", "")
	assert.Nil(t, svc.lastTab)

	rec = do(t, h, http.MethodGet, "/api/detected?tab=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/send", `{"url":"https://x.com/a.m3u8","title":"A","pageUrl":"https://x.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"https://x.com/a.m3u8"}, svc.sent)
	assert.Equal(t, "t-1", gjson.Get(rec.Body.String(), "traceId").String())

	rec = do(t, h, http.MethodPost, "/api/send", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/send/latest", `{"url":"https://x.com/watch"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/clear", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, svc.cleared)
}

func TestSettingsRoundTrip(t *testing.T) {
	svc := &fakeService{}
	h := New(svc, nil).Handler()

	rec := do(t, h, http.MethodPut, "/api/settings", `{"nasEndpoint":"http://nas.local:52052","apiKey":"secret","autoDetect":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/settings", "")
	var got model.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, model.Settings{NASEndpoint: "http://nas.local:52052", APIKey: "secret", AutoDetect: true}, got)

	rec = do(t, h, http.MethodPut, "/api/settings", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsPartialUpdateKeepsOtherFields(t *testing.T) {
	svc := &fakeService{settings: model.Settings{NASEndpoint: "http://nas.local:52052", APIKey: "secret", AutoDetect: true, ShowNotifications: true}}
	h := New(svc, nil).Handler()

	rec := do(t, h, http.MethodPut, "/api/settings", `{"autoDetect":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.Settings{NASEndpoint: "http://nas.local:52052", APIKey: "secret", AutoDetect: false, ShowNotifications: true}, svc.settings)

	// 显式给出的空值仍然生效
	rec = do(t, h, http.MethodPut, "/api/settings", `{"apiKey":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, svc.settings.APIKey)
	assert.Equal(t, "http://nas.local:52052", svc.settings.NASEndpoint)
}

func TestNASRoutes(t *testing.T) {
	svc := &fakeService{healthErr: &nasapi.NetworkError{Op: "GET /api/health", Timeout: true, Err: context.DeadlineExceeded}}
	h := New(svc, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/nas/health", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "timeout", gjson.Get(rec.Body.String(), "category").String())

	rec = do(t, h, http.MethodGet, "/api/nas/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), gjson.Get(rec.Body.String(), "queue_length").Int())

	rec = do(t, h, http.MethodGet, "/api/nas/jobs?limit=5", "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "config", gjson.Get(rec.Body.String(), "category").String())

	rec = do(t, h, http.MethodDelete, "/api/nas/jobs/abc-123", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", svc.cancelled)

	rec = do(t, h, http.MethodGet, "/api/jobs", "")
	assert.Equal(t, "j1", gjson.Get(rec.Body.String(), "jobs.0.id").String())

	rec = do(t, h, http.MethodGet, "/api/tabs", "")
	assert.Equal(t, "orphan", gjson.Get(rec.Body.String(), "tabs.0.id").String())
}

func TestHubFansOut(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe()
	b, cancelB := hub.Subscribe()
	defer cancelB()

	src := make(chan model.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, src)

	src <- model.Event{Type: "updated", Tab: 1}
	for _, ch := range []<-chan model.Event{a, b} {
		select {
		case evt := <-ch:
			assert.Equal(t, "updated", evt.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	cancelA()
	hub.Publish(model.Event{Type: "badge"})
	assert.Len(t, a, 0)
	assert.Len(t, b, 1)
}
