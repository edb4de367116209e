package config

import (
	"sync"

	"chrome2nas/pkg/model"
)

// SettingsCache 进程内的设置缓存，外部修改后实时生效
type SettingsCache struct {
	mu        sync.RWMutex
	s         model.Settings
	listeners []func(model.Settings)
}

// NewSettingsCache 创建设置缓存
func NewSettingsCache(initial model.Settings) *SettingsCache {
	return &SettingsCache{s: initial}
}

// Settings 当前设置
func (c *SettingsCache) Settings() model.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s
}

// Update 替换设置并通知监听者
func (c *SettingsCache) Update(s model.Settings) {
	c.mu.Lock()
	c.s = s
	listeners := append([]func(model.Settings){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// OnChange 注册变更监听
func (c *SettingsCache) OnChange(fn func(model.Settings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}
