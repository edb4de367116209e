package capture

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chrome2nas/pkg/model"
	"chrome2nas/pkg/traffic"
)

func TestNormalizeHeadersMergesDuplicates(t *testing.T) {
	h := NormalizeHeaders([]traffic.Pair{
		{Name: ":authority", Value: "cdn.x.com"},
		{Name: "cookie", Value: "a=1"},
		{Name: "Cookie", Value: "b=2"},
		{Name: "user-agent", Value: "UA-1"},
		{Name: "User-Agent", Value: "UA-2"},
		{Name: "referer", Value: "https://x.com/watch"},
		{Name: "Accept", Value: "*/*"},
		{Name: "accept", Value: "video/mp4"},
	})

	assert.NotContains(t, h, ":authority")
	assert.Equal(t, "a=1; b=2", h["Cookie"])
	assert.Equal(t, "UA-1", h["User-Agent"])
	assert.Equal(t, "https://x.com/watch", h["Referer"])
	assert.Equal(t, "*/*, video/mp4", h["accept"])
}

func TestCaptureIgnoresNonCandidates(t *testing.T) {
	s := NewStore(10)
	_, ok := s.Capture("https://x.com/seg1.ts", nil, Meta{Timestamp: 1})
	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

func TestCaptureOverwritesSameURL(t *testing.T) {
	s := NewStore(10)
	u := "https://cdn.x.com/v.m3u8"
	s.Capture(u, []traffic.Pair{{Name: "Cookie", Value: "a=1"}}, Meta{Timestamp: 1, TabID: 3})
	s.Capture(u, []traffic.Pair{{Name: "Cookie", Value: "a=2"}}, Meta{Timestamp: 2, TabID: 3})

	require.Equal(t, 1, s.Len())
	got, ok := s.Get(u)
	require.True(t, ok)
	assert.Equal(t, "a=2", got.Headers.Get("cookie"))
	assert.Equal(t, int64(2), got.Timestamp)
	assert.Equal(t, model.TabID(3), got.TabID)
}

func TestCaptureEvictsOldestFirst(t *testing.T) {
	s := NewStore(DefaultCapacity)
	// 时间戳倒序插入，确保淘汰按时间戳而不是插入顺序
	for i := 0; i < 150; i++ {
		u := fmt.Sprintf("https://cdn.x.com/%03d.mp4", i)
		s.Capture(u, nil, Meta{Timestamp: int64(1000 - i)})
		assert.LessOrEqual(t, s.Len(), DefaultCapacity)
	}

	assert.Equal(t, DefaultCapacity, s.Len())
	for _, set := range s.Snapshot() {
		// 保留的应是时间戳最大的 100 条：1000-0 .. 1000-99
		assert.GreaterOrEqual(t, set.Timestamp, int64(901), set.Key)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewStore(10)
	u := "https://cdn.x.com/v.mp4"
	s.Capture(u, []traffic.Pair{{Name: "Cookie", Value: "a=1"}}, Meta{Timestamp: 1})

	snap := s.Snapshot()
	snap[0].Headers["Cookie"] = "mutated"

	got, _ := s.Get(u)
	assert.Equal(t, "a=1", got.Headers["Cookie"])
}
