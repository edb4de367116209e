package main

import (
	"context"
	"errors"

	"chrome2nas/internal/cdp"
	"chrome2nas/pkg/traffic"
)

// lazyCookies 在目标管理器创建后才可用
type lazyCookies struct {
	get func() *cdp.Manager
}

var errNotStarted = errors.New("devtools manager not started")

func (c *lazyCookies) Cookies(ctx context.Context, rawURL string) ([]traffic.Pair, error) {
	m := c.get()
	if m == nil {
		return nil, errNotStarted
	}
	return m.Cookies(ctx, rawURL)
}

func (c *lazyCookies) PartitionedCookies(ctx context.Context, rawURL, site string) ([]traffic.Pair, error) {
	m := c.get()
	if m == nil {
		return nil, errNotStarted
	}
	return m.PartitionedCookies(ctx, rawURL, site)
}
