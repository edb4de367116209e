package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"chrome2nas/internal/config"
	"chrome2nas/internal/detect"
	"chrome2nas/internal/logger"
	"chrome2nas/internal/nasapi"
	"chrome2nas/internal/storage"
	"chrome2nas/pkg/model"
)

// Service 控制接口：界面可调用的全部操作
type Service interface {
	// GetDetectedURLs 排序后的候选地址，tab 为空时使用活动标签页
	GetDetectedURLs(tab *model.TabID) []model.CandidateURL

	// SendToNAS 异步提交，立即返回
	SendToNAS(url, title, pageURL string) detect.Ack

	// SendLatest 地址不是候选时改为发送活动标签页排名第一的候选
	SendLatest(url, title, pageURL string) detect.Ack

	// ClearDetected 清空活动标签页
	ClearDetected()

	// Settings 当前设置
	Settings() model.Settings

	// UpdateSettings 保存设置并立即生效
	UpdateSettings(ctx context.Context, s model.Settings) (model.Settings, error)

	// LocalJobs 本地任务记录
	LocalJobs(ctx context.Context, limit int) ([]model.Job, error)

	// Health NAS 健康检查
	Health(ctx context.Context) error

	// Status NAS 队列状态
	Status(ctx context.Context) (*model.ApplianceStatus, error)

	// RemoteJobs NAS 端任务列表
	RemoteJobs(ctx context.Context, limit int) ([]model.Job, error)

	// CancelJob 取消 NAS 端任务
	CancelJob(ctx context.Context, id string) error

	// Tabs 已附加的浏览器目标
	Tabs() []model.TabInfo

	// SubscribeEvents 订阅引擎事件
	SubscribeEvents() <-chan model.Event
}

// TabLister 提供目标列表
type TabLister interface {
	List() []model.TabInfo
}

// Deps 服务依赖
type Deps struct {
	Engine       *detect.Engine
	NAS          *nasapi.Client
	Settings     *config.SettingsCache
	SettingsRepo *storage.SettingsRepo
	Jobs         *storage.JobRepo
	Tabs         TabLister
	Logger       logger.Logger
}

type service struct {
	d Deps
}

// NewService 创建并返回服务接口实现
func NewService(d Deps) Service {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	return &service{d: d}
}

func (s *service) GetDetectedURLs(tab *model.TabID) []model.CandidateURL {
	return s.d.Engine.GetDetectedURLs(tab)
}

func (s *service) SendToNAS(u, title, pageURL string) detect.Ack {
	return s.d.Engine.SendToNAS(u, title, pageURL)
}

func (s *service) SendLatest(u, title, pageURL string) detect.Ack {
	return s.d.Engine.SendLatest(u, title, pageURL)
}

func (s *service) ClearDetected() {
	s.d.Engine.ClearDetected()
}

func (s *service) Settings() model.Settings {
	return s.d.Settings.Settings()
}

func (s *service) UpdateSettings(ctx context.Context, in model.Settings) (model.Settings, error) {
	in.NASEndpoint = strings.TrimRight(strings.TrimSpace(in.NASEndpoint), "/")
	in.APIKey = strings.TrimSpace(in.APIKey)
	if in.NASEndpoint != "" {
		u, err := url.Parse(in.NASEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return model.Settings{}, fmt.Errorf("invalid nasEndpoint %q", in.NASEndpoint)
		}
	}
	if s.d.SettingsRepo != nil {
		if err := s.d.SettingsRepo.Save(ctx, in); err != nil {
			return model.Settings{}, err
		}
	}
	s.d.Settings.Update(in)
	s.d.Logger.Info("设置已更新", "endpoint", in.NASEndpoint, "autoDetect", in.AutoDetect, "showNotifications", in.ShowNotifications)
	return in, nil
}

func (s *service) LocalJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if s.d.Jobs == nil {
		return []model.Job{}, nil
	}
	return s.d.Jobs.List(ctx, limit)
}

func (s *service) Health(ctx context.Context) error {
	return s.d.NAS.Health(ctx)
}

func (s *service) Status(ctx context.Context) (*model.ApplianceStatus, error) {
	return s.d.NAS.Status(ctx)
}

func (s *service) RemoteJobs(ctx context.Context, limit int) ([]model.Job, error) {
	return s.d.NAS.Jobs(ctx, limit)
}

// CancelJob 取消成功后同步本地记录
func (s *service) CancelJob(ctx context.Context, id string) error {
	if err := s.d.NAS.Cancel(ctx, id); err != nil {
		return err
	}
	if s.d.Jobs != nil {
		if err := s.d.Jobs.UpdateStatus(ctx, id, model.JobCancelled); err != nil {
			s.d.Logger.Err(err, "更新本地任务状态失败", "jobID", id)
		}
	}
	return nil
}

func (s *service) Tabs() []model.TabInfo {
	if s.d.Tabs == nil {
		return []model.TabInfo{}
	}
	return s.d.Tabs.List()
}

func (s *service) SubscribeEvents() <-chan model.Event {
	return s.d.Engine.Events()
}
