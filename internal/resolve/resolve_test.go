package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chrome2nas/pkg/model"
	"chrome2nas/pkg/traffic"
)

var now = time.UnixMilli(5_000_000)

func TestBestPrefersTokenizedSameTabManifest(t *testing.T) {
	captures := []model.CapturedHeaderSet{
		{Key: "https://cdn.x.com/hls/master.m3u8", TabID: 4, Timestamp: now.UnixMilli() - 120_000},
		{
			Key:       "https://cdn.x.com/hls/master.m3u8?token=abc&exp=1",
			TabID:     4,
			Timestamp: now.UnixMilli() - 5_000,
			Initiator: "https://x.com",
			Headers:   traffic.Header{"Cookie": "sid=1"},
		},
		{Key: "https://cdn.x.com/hls/seg.mp4", TabID: 4, Timestamp: now.UnixMilli()},
		{Key: "https://other.com/hls/master.m3u8?token=zzz", TabID: 9, Timestamp: now.UnixMilli()},
	}

	m := Best(captures, "https://cdn.x.com/hls/master.m3u8", 4, "https://x.com/watch/1", now)
	require.NotNil(t, m)
	assert.Equal(t, "https://cdn.x.com/hls/master.m3u8?token=abc&exp=1", m.URL)
	// 同标签 10 + 同源 5 + 同路径 2 + 签名 3 + Cookie 3 + 发起方 3 + 最近 1
	assert.Equal(t, 27, m.Score)
	assert.Equal(t, "sid=1", m.Headers.Get("cookie"))
}

func TestBestTieBrokenByRecency(t *testing.T) {
	captures := []model.CapturedHeaderSet{
		{Key: "https://a.com/1.m3u8", Timestamp: 100},
		{Key: "https://a.com/2.m3u8", Timestamp: 200},
	}
	m := Best(captures, "https://a.com/3.m3u8", 1, "", now)
	require.NotNil(t, m)
	assert.Equal(t, "https://a.com/2.m3u8", m.URL)
}

func TestBestNoManifests(t *testing.T) {
	captures := []model.CapturedHeaderSet{{Key: "https://a.com/v.mp4"}}
	assert.Nil(t, Best(captures, "https://a.com/v.mp4", 1, "", now))
}

func TestBestIgnoresUnrelatedManifests(t *testing.T) {
	captures := []model.CapturedHeaderSet{{
		Key:       "https://other-site.net/live/index.m3u8?sig=zz",
		TabID:     2,
		Timestamp: now.UnixMilli(),
		Headers:   traffic.Header{"Cookie": "sess=other"},
	}}
	assert.Nil(t, Best(captures, "https://a.com/vod/master.m3u8", 1, "https://a.com/watch", now))
	// 同标签也不能替换成另一个站点的视频
	assert.Nil(t, Best(captures, "https://a.com/vod/master.m3u8", 2, "https://a.com/watch", now))
}

func TestBestSkipsNonManifestTarget(t *testing.T) {
	captures := []model.CapturedHeaderSet{
		{Key: "https://a.com/files/index.m3u8?sig=1", TabID: 1, Timestamp: now.UnixMilli()},
	}
	assert.Nil(t, Best(captures, "https://a.com/files/movie.mp4", 1, "https://a.com/watch", now))
}

func TestBestAcceptsRotatedHostWithSamePath(t *testing.T) {
	captures := []model.CapturedHeaderSet{
		{Key: "https://edge2.x.com/hls/master.m3u8?token=abc", TabID: 3, Timestamp: now.UnixMilli()},
		// 同路径但得分不足
		{Key: "https://edge3.x.com/hls/master.m3u8", TabID: 9, Timestamp: now.UnixMilli() - 120_000},
	}
	m := Best(captures, "https://edge1.x.com/hls/master.m3u8", 3, "", now)
	require.NotNil(t, m)
	assert.Equal(t, "https://edge2.x.com/hls/master.m3u8?token=abc", m.URL)
	// 同标签 10 + 同路径 2 + 签名 3 + 最近 1
	assert.Equal(t, 16, m.Score)

	assert.Nil(t, Best(captures[1:], "https://edge1.x.com/hls/master.m3u8", 3, "", now))
}

func TestChoose(t *testing.T) {
	exact := &model.CapturedHeaderSet{Key: "https://a.com/v.m3u8", Timestamp: 500, Headers: traffic.Header{"Cookie": "e=1"}}

	// 低分且更旧：精确匹配胜出
	got := Choose("https://a.com/v.m3u8", exact, &Match{URL: "https://a.com/v.m3u8?t=1", Score: 10, Timestamp: 400})
	assert.Equal(t, "https://a.com/v.m3u8", got.URL)
	assert.Equal(t, "e=1", got.Headers.Get("Cookie"))

	// 高置信度
	got = Choose("https://a.com/v.m3u8", exact, &Match{URL: "https://a.com/v.m3u8?t=1", Score: 15, Timestamp: 400})
	assert.Equal(t, "https://a.com/v.m3u8?t=1", got.URL)

	// 更新
	got = Choose("https://a.com/v.m3u8", exact, &Match{URL: "https://a.com/v.m3u8?t=2", Score: 3, Timestamp: 501})
	assert.Equal(t, "https://a.com/v.m3u8?t=2", got.URL)

	// 只有一方
	assert.Equal(t, "https://a.com/v.m3u8", Choose("https://a.com/v.m3u8", exact, nil).URL)
	assert.Equal(t, "x", Choose("t", nil, &Match{URL: "x"}).URL)
	assert.Nil(t, Choose("t", nil, nil))
}
