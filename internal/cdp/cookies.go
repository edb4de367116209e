package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mafredri/cdp/rpcc"

	cdpadapter "chrome2nas/internal/adapter/cdp"
	"chrome2nas/pkg/traffic"
)

var errNoTarget = errors.New("no attached page target")

type getCookiesArgs struct {
	URLs []string `json:"urls"`
}

// Cookies 浏览器当前持有的、适用于该地址的未分区 Cookie
func (m *Manager) Cookies(ctx context.Context, rawURL string) ([]traffic.Pair, error) {
	result, err := m.getCookies(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return cdpadapter.ParseCookies(result, ""), nil
}

// PartitionedCookies 按顶级站点过滤的分区 Cookie
func (m *Manager) PartitionedCookies(ctx context.Context, rawURL, topLevelSite string) ([]traffic.Pair, error) {
	result, err := m.getCookies(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return cdpadapter.ParseCookies(result, topLevelSite), nil
}

func (m *Manager) getCookies(ctx context.Context, rawURL string) ([]byte, error) {
	conn := m.cookieConn()
	if conn == nil {
		return nil, errNoTarget
	}
	var reply json.RawMessage
	if err := rpcc.Invoke(ctx, "Network.getCookies", &getCookiesArgs{URLs: []string{rawURL}}, &reply, conn); err != nil {
		return nil, fmt.Errorf("Network.getCookies: %w", err)
	}
	return reply, nil
}

// cookieConn 优先使用活动页面的连接
func (m *Manager) cookieConn() *rpcc.Conn {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	if ts, ok := m.targets[m.active]; ok {
		return ts.conn
	}
	for _, ts := range m.targets {
		if ts.kind == "page" {
			return ts.conn
		}
	}
	return nil
}
