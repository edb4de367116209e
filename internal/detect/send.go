package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chrome2nas/internal/classify"
	"chrome2nas/internal/logger"
	"chrome2nas/internal/nasapi"
	"chrome2nas/pkg/model"
)

// Ack sendToNAS 的即时应答，不等待远端任务完成
type Ack struct {
	Success bool   `json:"success"`
	TraceID string `json:"traceId,omitempty"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SendToNAS 异步执行 解析请求头 → 组装 → 提交 流程，立即返回
func (e *Engine) SendToNAS(target, title, pageURL string) Ack {
	traceID := uuid.NewString()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.recover("SendToNAS")
		ctx := logger.WithTraceID(context.Background(), traceID)
		e.submit(ctx, target, title, pageURL)
	}()
	return Ack{Success: true, TraceID: traceID, URL: target}
}

// SendLatest 右键菜单入口：地址本身是候选时直接发送，否则发送活动标签页排名第一的候选
func (e *Engine) SendLatest(target, title, pageURL string) Ack {
	if classify.IsCandidate(target) {
		return e.SendToNAS(target, title, pageURL)
	}
	cands := e.GetDetectedURLs(nil)
	if len(cands) == 0 {
		e.notify("Error", "No video URL found on this page")
		return Ack{Success: false, Error: "no video url detected"}
	}
	return e.SendToNAS(cands[0].URL, title, pageURL)
}

// Wait 等待所有进行中的提交完成
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) submit(ctx context.Context, target, title, pageURL string) {
	l := e.log.With("traceId", logger.TraceID(ctx))

	req, err := e.assembler.Build(ctx, target, title, pageURL)
	if err != nil {
		e.reportFailure(l, target, err)
		return
	}
	if e.submitter == nil {
		e.reportFailure(l, target, errors.New("no submitter configured"))
		return
	}
	l.Info("提交下载任务", "url", req.URL, "title", req.Title, "headers", len(req.Headers))

	job, err := e.submitter.Submit(ctx, req)
	if err != nil {
		e.reportFailure(l, target, err)
		return
	}
	if job.Title == "" {
		job.Title = req.Title
	}
	if job.URL == "" {
		job.URL = req.URL
	}
	l.Info("下载任务已提交", "jobID", job.ID, "status", job.Status)

	e.notify("Download Submitted", fmt.Sprintf("\"%s\" has been sent to NAS\nJob ID: %s...", req.Title, shortID(job.ID)))
	e.sendEvent(model.Event{Type: "submitted", Tab: e.ActiveTab(), URL: job.URL, Title: job.Title, Message: job.ID})

	if e.jobs != nil {
		if err := e.jobs.Record(ctx, *job); err != nil {
			l.Err(err, "保存本地任务记录失败", "jobID", job.ID)
		}
	}
}

func (e *Engine) reportFailure(l logger.Logger, target string, err error) {
	cat, msg := nasapi.Describe(err)
	l.Err(err, "发送到 NAS 失败", "url", target, "category", string(cat))

	title := "Error"
	action := ""
	if cat == nasapi.CategoryConfig {
		title = "Configuration Required"
		action = "open_settings"
	}
	e.notify(title, msg)
	e.sendEvent(model.Event{Type: "error", Tab: e.ActiveTab(), URL: target, Message: msg, Action: action})
}

// notify 受 showNotifications 设置控制
func (e *Engine) notify(title, message string) {
	if !e.settings.Settings().ShowNotifications {
		return
	}
	e.notifier.Notify(title, message)
	e.sendEvent(model.Event{Type: "notification", Tab: e.ActiveTab(), Title: title, Message: message})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
