// Package session 维护浏览器调试目标与标签页编号之间的映射。
package session

import (
	"sort"
	"sync"

	"chrome2nas/internal/logger"
	"chrome2nas/pkg/model"
)

// TargetID 调试目标 ID
type TargetID string

// Tab 已登记的目标
type Tab struct {
	ID       model.TabID
	TargetID TargetID
	Type     string
	URL      string
	Title    string
}

// Manager 全局标签页登记表。页面目标分配递增编号，worker 目标统一归入孤儿桶
type Manager struct {
	mu     sync.RWMutex
	tabs   map[TargetID]*Tab
	next   model.TabID
	active TargetID
	log    logger.Logger
}

// NewManager 创建登记表
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		tabs: make(map[TargetID]*Tab),
		next: 1,
		log:  l,
	}
}

// IsWorker worker 类目标没有可归属的标签页
func IsWorker(targetType string) bool {
	switch targetType {
	case "service_worker", "shared_worker", "worker":
		return true
	}
	return false
}

// Register 登记目标并返回编号，已登记时更新地址和标题
func (m *Manager) Register(id TargetID, targetType, url, title string) Tab {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tabs[id]; ok {
		t.URL = url
		t.Title = title
		return *t
	}

	t := &Tab{TargetID: id, Type: targetType, URL: url, Title: title}
	if IsWorker(targetType) {
		t.ID = model.OrphanTab
	} else {
		t.ID = m.next
		m.next++
	}
	m.tabs[id] = t
	m.log.Info("登记调试目标", "target", string(id), "tab", int(t.ID), "type", targetType)
	return *t
}

// Get 按目标 ID 查询
func (m *Manager) Get(id TargetID) (Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tabs[id]
	if !ok {
		return Tab{}, false
	}
	return *t, true
}

// Delete 注销目标
func (m *Manager) Delete(id TargetID) (Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	if !ok {
		return Tab{}, false
	}
	delete(m.tabs, id)
	if m.active == id {
		m.active = ""
	}
	m.log.Info("注销调试目标", "target", string(id), "tab", int(t.ID))
	return *t, true
}

// SetActive 标记活动目标
func (m *Manager) SetActive(id TargetID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tabs[id]; ok {
		m.active = id
	}
}

// IDs 所有已登记目标
func (m *Manager) IDs() []TargetID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]TargetID, 0, len(m.tabs))
	for id := range m.tabs {
		ids = append(ids, id)
	}
	return ids
}

// List 返回所有目标，页面按编号排序，worker 在后
func (m *Manager) List() []model.TabInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]model.TabInfo, 0, len(m.tabs))
	for _, t := range m.tabs {
		list = append(list, model.TabInfo{
			ID:       t.ID,
			TargetID: string(t.TargetID),
			Type:     t.Type,
			URL:      t.URL,
			Title:    t.Title,
			IsActive: t.TargetID == m.active,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.ID.IsOrphan() != b.ID.IsOrphan() {
			return !a.ID.IsOrphan()
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.TargetID < b.TargetID
	})
	return list
}
