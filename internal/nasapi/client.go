// Package nasapi 是 NAS 下载服务的 HTTP 客户端。
package nasapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"chrome2nas/internal/logger"
	"chrome2nas/pkg/model"
	"chrome2nas/pkg/traffic"
)

// SettingsProvider 提供实时的 NAS 设置
type SettingsProvider interface {
	Settings() model.Settings
}

// DownloadRequest POST /api/download 请求体
type DownloadRequest struct {
	URL        string
	Title      string
	SourcePage string
	Referer    string
	Headers    traffic.Header
}

// Body 序列化为 JSON
func (r *DownloadRequest) Body() ([]byte, error) {
	body := []byte(`{}`)
	var err error
	fields := []struct {
		path  string
		value any
	}{
		{"url", r.URL},
		{"title", r.Title},
		{"source_page", r.SourcePage},
		{"referer", r.Referer},
		{"headers", headersOrEmpty(r.Headers)},
	}
	for _, f := range fields {
		if body, err = sjson.SetBytes(body, f.path, f.value); err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.path, err)
		}
	}
	return body, nil
}

func headersOrEmpty(h traffic.Header) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

// Options 客户端配置
type Options struct {
	HTTPClient    *http.Client
	Timeout       time.Duration
	HealthTimeout time.Duration
	Logger        logger.Logger
}

// Client NAS HTTP 客户端
type Client struct {
	settings      SettingsProvider
	http          *http.Client
	timeout       time.Duration
	healthTimeout time.Duration
	log           logger.Logger
}

// NewClient 创建客户端
func NewClient(settings SettingsProvider, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Client{
		settings:      settings,
		http:          opts.HTTPClient,
		timeout:       opts.Timeout,
		healthTimeout: opts.HealthTimeout,
		log:           opts.Logger,
	}
}

// Submit 提交下载任务
func (c *Client) Submit(ctx context.Context, req *DownloadRequest) (*model.Job, error) {
	body, err := req.Body()
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, c.timeout, http.MethodPost, "/api/download", body)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(data)
	if !res.Get("id").Exists() {
		return nil, &RemoteError{StatusCode: http.StatusOK, Detail: "response missing job id"}
	}
	job := jobFromResult(res)
	return &job, nil
}

// Health 健康检查，超时与连接失败分开报告
func (c *Client) Health(ctx context.Context) error {
	data, err := c.do(ctx, c.healthTimeout, http.MethodGet, "/api/health", nil)
	if err != nil {
		return err
	}
	if status := gjson.GetBytes(data, "status").String(); status != "healthy" {
		return &RemoteError{StatusCode: http.StatusOK, Detail: "unhealthy status: " + status}
	}
	return nil
}

// Status 队列状态
func (c *Client) Status(ctx context.Context) (*model.ApplianceStatus, error) {
	data, err := c.do(ctx, c.healthTimeout, http.MethodGet, "/api/status", nil)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(data)
	return &model.ApplianceStatus{
		ActiveDownloads: int(res.Get("active_downloads").Int()),
		QueueLength:     int(res.Get("queue_length").Int()),
	}, nil
}

// Jobs 最近的任务列表
func (c *Client) Jobs(ctx context.Context, limit int) ([]model.Job, error) {
	path := "/api/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	data, err := c.do(ctx, c.timeout, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	jobs := []model.Job{}
	gjson.ParseBytes(data).ForEach(func(_, v gjson.Result) bool {
		jobs = append(jobs, jobFromResult(v))
		return true
	})
	return jobs, nil
}

// Job 单个任务
func (c *Client) Job(ctx context.Context, id string) (*model.Job, error) {
	data, err := c.do(ctx, c.timeout, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	job := jobFromResult(gjson.ParseBytes(data))
	return &job, nil
}

// Cancel 取消任务
func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.do(ctx, c.timeout, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body []byte) ([]byte, error) {
	s := c.settings.Settings()
	var missing []string
	if s.NASEndpoint == "" {
		missing = append(missing, "nasEndpoint")
	}
	if s.APIKey == "" {
		missing = append(missing, "apiKey")
	}
	if len(missing) > 0 {
		return nil, &ConfigError{Missing: missing}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimRight(s.NASEndpoint, "/") + path
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("NAS 请求失败", "method", method, "path", path, "error", err.Error())
		return nil, &NetworkError{Op: method + " " + path, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Timeout: isTimeout(err), Err: err}
	}
	c.log.Debug("NAS 请求完成", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := gjson.GetBytes(data, "detail").String()
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return nil, &RemoteError{StatusCode: resp.StatusCode, Detail: detail}
	}
	return data, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func jobFromResult(r gjson.Result) model.Job {
	job := model.Job{
		ID:           r.Get("id").String(),
		Title:        r.Get("title").String(),
		URL:          r.Get("url").String(),
		Status:       model.JobStatus(r.Get("status").String()),
		Progress:     int(r.Get("progress").Int()),
		ErrorMessage: r.Get("error_message").String(),
		CreatedAt:    r.Get("created_at").String(),
	}
	if d := r.Get("duration"); d.Exists() && d.Type == gjson.Number {
		v := int(d.Int())
		job.Duration = &v
	}
	return job
}
