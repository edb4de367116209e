package model

import (
	"encoding/json"
	"strconv"
	"time"

	"chrome2nas/pkg/traffic"
)

// TabID 浏览器标签页编号，负数表示无法归属到标签页的请求
type TabID int

// OrphanTab 无标签页归属（service worker / 后台 fetch）的请求桶
const OrphanTab TabID = -1

// IsOrphan 是否为无归属标签页
func (t TabID) IsOrphan() bool { return t < 0 }

// MarshalJSON 孤儿请求序列化为 "orphan"
func (t TabID) MarshalJSON() ([]byte, error) {
	if t.IsOrphan() {
		return []byte(`"orphan"`), nil
	}
	return []byte(strconv.Itoa(int(t))), nil
}

// UnmarshalJSON 兼容整数与 "orphan"
func (t *TabID) UnmarshalJSON(b []byte) error {
	if string(b) == `"orphan"` {
		*t = OrphanTab
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = TabID(n)
	return nil
}

// CandidateURL 检测到的候选视频地址
type CandidateURL struct {
	URL           string  `json:"url"`
	TabID         TabID   `json:"tabId"`
	Timestamp     int64   `json:"timestamp"`
	PageURL       string  `json:"pageUrl,omitempty"`
	RequestType   string  `json:"requestType"`
	FrameID       int     `json:"frameId"`
	Method        string  `json:"method"`
	HitCount      int     `json:"hitCount"`
	RangeHitCount int     `json:"rangeHitCount"`
	Score         float64 `json:"score"`
	IsNowPlaying  bool    `json:"isNowPlaying"`
}

// CapturedHeaderSet 某个请求实际发出的请求头快照
type CapturedHeaderSet struct {
	Key       string         `json:"key"`
	Headers   traffic.Header `json:"headers"`
	Timestamp int64          `json:"timestamp"`
	Initiator string         `json:"initiator,omitempty"`
	TabID     TabID          `json:"tabId"`
}

// Settings 用户设置
type Settings struct {
	NASEndpoint       string `json:"nasEndpoint"`
	APIKey            string `json:"apiKey"`
	AutoDetect        bool   `json:"autoDetect"`
	ShowNotifications bool   `json:"showNotifications"`
}

// Configured 是否已配置 NAS 地址和密钥
func (s Settings) Configured() bool {
	return s.NASEndpoint != "" && s.APIKey != ""
}

type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDownloading JobStatus = "downloading"
	JobProcessing  JobStatus = "processing"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
)

// Job NAS 端下载任务
type Job struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Duration     *int      `json:"duration,omitempty"`
	CreatedAt    string    `json:"created_at,omitempty"`
}

// ApplianceStatus NAS 队列状态
type ApplianceStatus struct {
	ActiveDownloads int `json:"active_downloads"`
	QueueLength     int `json:"queue_length"`
}

// TabInfo 已附加的浏览器目标
type TabInfo struct {
	ID       TabID  `json:"id"`
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	IsActive bool   `json:"isActive"`
}

// Event 推送给界面的事件
type Event struct {
	Type      string `json:"type"`
	Tab       TabID  `json:"tab"`
	Count     int    `json:"count,omitempty"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	Message   string `json:"message,omitempty"`
	Action    string `json:"action,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Clock 可注入的时钟
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock 使用系统时间
var SystemClock Clock = systemClock{}

// FixedClock 测试用的固定时钟
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time { return c.T }

// Advance 时钟前进
func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
