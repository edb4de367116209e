// Package storage 持久化用户设置和本地任务记录，进程重启后仍然保留。
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"chrome2nas/internal/config"
	ilog "chrome2nas/internal/logger"
	"chrome2nas/pkg/model"
)

// DefaultJobHistory 本地任务记录上限
const DefaultJobHistory = 50

// SettingsRow 单行设置表
type SettingsRow struct {
	ID                uint `gorm:"primaryKey"`
	NASEndpoint       string
	APIKey            string
	AutoDetect        bool
	ShowNotifications bool
	UpdatedAt         time.Time
}

// JobRow 本地任务镜像
type JobRow struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	URL       string
	Status    string
	Progress  int
	CreatedAt time.Time `gorm:"index"`
}

// Open 打开数据库并迁移表结构
func Open(cfg config.SqliteConfig, l ilog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Dsn), &gorm.Config{
		Logger:         NewGormLogger(l).LogMode(logger.Warn),
		NamingStrategy: schema.NamingStrategy{TablePrefix: cfg.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Dsn, err)
	}
	if err := db.AutoMigrate(&SettingsRow{}, &JobRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// SettingsRepo 设置存取
type SettingsRepo struct {
	db *gorm.DB
}

func NewSettingsRepo(db *gorm.DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

// Load 读取设置，不存在时写入默认值
func (r *SettingsRepo) Load(ctx context.Context, defaults model.Settings) (model.Settings, error) {
	var row SettingsRow
	err := r.db.WithContext(ctx).First(&row, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := r.Save(ctx, defaults); err != nil {
			return defaults, err
		}
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("load settings: %w", err)
	}
	return model.Settings{
		NASEndpoint:       row.NASEndpoint,
		APIKey:            row.APIKey,
		AutoDetect:        row.AutoDetect,
		ShowNotifications: row.ShowNotifications,
	}, nil
}

// Save 保存设置
func (r *SettingsRepo) Save(ctx context.Context, s model.Settings) error {
	row := SettingsRow{
		ID:                1,
		NASEndpoint:       s.NASEndpoint,
		APIKey:            s.APIKey,
		AutoDetect:        s.AutoDetect,
		ShowNotifications: s.ShowNotifications,
	}
	if err := r.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// JobRepo 本地任务记录，最新在前，超出上限时删除最旧的
type JobRepo struct {
	db    *gorm.DB
	max   int
	clock model.Clock
}

func NewJobRepo(db *gorm.DB, max int, clock model.Clock) *JobRepo {
	if max <= 0 {
		max = DefaultJobHistory
	}
	if clock == nil {
		clock = model.SystemClock
	}
	return &JobRepo{db: db, max: max, clock: clock}
}

// Record 记录一次提交
func (r *JobRepo) Record(ctx context.Context, job model.Job) error {
	row := JobRow{
		ID:        job.ID,
		Title:     job.Title,
		URL:       job.URL,
		Status:    string(job.Status),
		Progress:  job.Progress,
		CreatedAt: r.clock.Now(),
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save job: %w", err)
		}
		var keep []string
		if err := tx.Model(&JobRow{}).Order("created_at desc").Limit(r.max).Pluck("id", &keep).Error; err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		if err := tx.Where("id NOT IN ?", keep).Delete(&JobRow{}).Error; err != nil {
			return fmt.Errorf("trim jobs: %w", err)
		}
		return nil
	})
}

// List 最新的任务在前
func (r *JobRepo) List(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 || limit > r.max {
		limit = r.max
	}
	var rows []JobRow
	if err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]model.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, model.Job{
			ID:        row.ID,
			Title:     row.Title,
			URL:       row.URL,
			Status:    model.JobStatus(row.Status),
			Progress:  row.Progress,
			CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return jobs, nil
}

// UpdateStatus 更新本地记录的状态
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status model.JobStatus) error {
	res := r.db.WithContext(ctx).Model(&JobRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("update job %s: %w", id, res.Error)
	}
	return nil
}
