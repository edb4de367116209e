package storage

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chrome2nas/internal/config"
	ilog "chrome2nas/internal/logger"
	"chrome2nas/pkg/model"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(config.SqliteConfig{Dsn: "file::memory:", Prefix: "t_"}, ilog.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接独立，限制为单连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestSettingsLoadSeedsDefaults(t *testing.T) {
	repo := NewSettingsRepo(openTestDB(t))
	ctx := context.Background()
	defaults := model.Settings{NASEndpoint: "http://nas.local:52052", APIKey: "secret", AutoDetect: true}

	got, err := repo.Load(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, got)

	updated := got
	updated.AutoDetect = false
	updated.ShowNotifications = true
	require.NoError(t, repo.Save(ctx, updated))

	got, err = repo.Load(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, updated, got)
}

func TestJobRepoKeepsMostRecent(t *testing.T) {
	clk := &model.FixedClock{T: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo := NewJobRepo(openTestDB(t), 50, clk)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		clk.Advance(time.Second)
		require.NoError(t, repo.Record(ctx, model.Job{ID: fmt.Sprintf("job-%02d", i), Status: model.JobPending}))
	}

	jobs, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 50)
	assert.Equal(t, "job-59", jobs[0].ID)
	assert.Equal(t, "job-10", jobs[49].ID)

	require.NoError(t, repo.UpdateStatus(ctx, "job-59", model.JobCancelled))
	jobs, err = repo.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobCancelled, jobs[0].Status)
}

func TestGormLoggerSlowQuery(t *testing.T) {
	var buf bytes.Buffer
	l := NewGormLogger(ilog.NewWithWriter(&buf, "debug"))
	ctx := ilog.WithTraceID(context.Background(), "trace-1")

	l.Trace(ctx, time.Now().Add(-time.Second), func() (string, int64) { return "SELECT 1", 1 }, nil)
	assert.Contains(t, buf.String(), "慢SQL查询")
	assert.Contains(t, buf.String(), "trace-1")

	buf.Reset()
	l.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 0 }, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	silent := l.LogMode(logger.Silent)
	silent.Trace(ctx, time.Now().Add(-time.Second), func() (string, int64) { return "SELECT 1", 1 }, nil)
	assert.Empty(t, buf.String())
}
