package nasapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chrome2nas/pkg/model"
	"chrome2nas/pkg/traffic"
)

type staticSettings model.Settings

func (s staticSettings) Settings() model.Settings { return model.Settings(s) }

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(staticSettings{NASEndpoint: srv.URL + "/", APIKey: "secret"}, Options{HealthTimeout: 200 * time.Millisecond})
	return c, srv
}

func TestSubmit(t *testing.T) {
	var body map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/download", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		_, _ = w.Write([]byte(`{"id":"0123456789abcdef","title":"Show","url":"https://cdn.x.com/a.m3u8","status":"pending","progress":0}`))
	})

	job, err := c.Submit(context.Background(), &DownloadRequest{
		URL:        "https://cdn.x.com/a.m3u8",
		Title:      "Show",
		SourcePage: "https://x.com/watch",
		Referer:    "https://x.com/watch",
		Headers:    traffic.Header{"Cookie": "a=1", "x.dotted": "ok"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", job.ID)
	assert.Equal(t, model.JobPending, job.Status)

	assert.Equal(t, "https://cdn.x.com/a.m3u8", body["url"])
	assert.Equal(t, "Show", body["title"])
	assert.Equal(t, "https://x.com/watch", body["source_page"])
	assert.Equal(t, "https://x.com/watch", body["referer"])
	assert.Equal(t, map[string]any{"Cookie": "a=1", "x.dotted": "ok"}, body["headers"])
}

func TestSubmitRemoteError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"HTTP 403 Forbidden while fetching playlist"}`))
	})

	_, err := c.Submit(context.Background(), &DownloadRequest{URL: "https://a/v.m3u8"})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusUnprocessableEntity, remote.StatusCode)
	assert.Equal(t, "HTTP 403 Forbidden while fetching playlist", remote.Detail)
	assert.Equal(t, CategoryForbidden, Classify(err))
}

func TestMissingConfiguration(t *testing.T) {
	c := NewClient(staticSettings{NASEndpoint: "http://nas.local"}, Options{})
	err := c.Health(context.Background())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"apiKey"}, cfgErr.Missing)
	assert.Equal(t, CategoryConfig, Classify(err))
}

func TestHealthTimeoutIsDistinct(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	err := c.Health(context.Background())
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout)
	assert.Equal(t, CategoryTimeout, Classify(err))
}

func TestHealthConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	c := NewClient(staticSettings{NASEndpoint: endpoint, APIKey: "k"}, Options{})
	err := c.Health(context.Background())
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.False(t, netErr.Timeout)
	assert.Equal(t, CategoryConnection, Classify(err))
}

func TestHealthStatusJobsCancel(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/health":
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		case r.URL.Path == "/api/status":
			_, _ = w.Write([]byte(`{"status":"ok","active_downloads":2,"queue_length":5,"total_jobs":9}`))
		case r.URL.Path == "/api/jobs" && r.Method == http.MethodGet:
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`[
				{"id":"a","title":"A","url":"u1","status":"downloading","progress":42.5},
				{"id":"b","title":"B","url":"u2","status":"failed","progress":0,"error_message":"404 not found","duration":null},
				{"id":"c","title":"C","url":"u3","status":"completed","progress":100,"duration":120}
			]`))
		case r.URL.Path == "/api/jobs/a" && r.Method == http.MethodDelete:
			_, _ = w.Write([]byte(`{"message":"cancelled"}`))
		case r.URL.Path == "/api/jobs/zzz" && r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Job not found or cannot be cancelled"}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	})
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, &model.ApplianceStatus{ActiveDownloads: 2, QueueLength: 5}, st)

	jobs, err := c.Jobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, 42, jobs[0].Progress)
	assert.Equal(t, model.JobFailed, jobs[1].Status)
	assert.Equal(t, "404 not found", jobs[1].ErrorMessage)
	assert.Nil(t, jobs[1].Duration)
	require.NotNil(t, jobs[2].Duration)
	assert.Equal(t, 120, *jobs[2].Duration)

	require.NoError(t, c.Cancel(ctx, "a"))
	err = c.Cancel(ctx, "zzz")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Job not found or cannot be cancelled", remote.Detail)
	assert.Equal(t, CategoryNotFound, Classify(err))
}

func TestUnhealthy(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"detail":"Service unhealthy"}`))
	})
	err := c.Health(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusServiceUnavailable, remote.StatusCode)
}

func TestClassifyMessage(t *testing.T) {
	cases := map[string]Category{
		"Server returned 403":               CategoryForbidden,
		"HTTP Error 404: Not Found":         CategoryNotFound,
		"Read timed out":                    CategoryTimeout,
		"SSL: CERTIFICATE_VERIFY_FAILED":    CategorySSL,
		"Network is unreachable":            CategoryConnection,
		"Empty playlist: no segments found": CategoryEmptyPlaylist,
		"something odd happened":            CategoryGeneric,
	}
	for msg, want := range cases {
		assert.Equal(t, want, ClassifyMessage(msg), msg)
	}
	assert.Equal(t, CategoryInvalidURL, Classify(ErrNotCandidate))
	assert.Equal(t, CategoryGeneric, Classify(errors.New("weird")))
	assert.NotEmpty(t, Remediation(CategorySSL))
}
