package connection

import (
	"sync"
)

// NetworkReporter 回報目前是否有可用網路
type NetworkReporter interface {
	IsNetworkAvailable() bool
}

// NetworkWatcher 可訂閱網路變化的 NetworkReporter
type NetworkWatcher interface {
	NetworkReporter
	Subscribe(fn func(available bool)) (unsubscribe func())
}

// NetworkMonitor 由宿主應用程式更新的網路狀態
type NetworkMonitor struct {
	mu          sync.Mutex
	available   bool
	nextID      int
	subscribers map[int]func(bool)
}

var _ NetworkWatcher = (*NetworkMonitor)(nil)

// NewNetworkMonitor 建立 NetworkMonitor
func NewNetworkMonitor(available bool) *NetworkMonitor {
	return &NetworkMonitor{
		available:   available,
		subscribers: make(map[int]func(bool)),
	}
}

func (m *NetworkMonitor) IsNetworkAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Set 更新網路狀態；只有狀態改變時通知訂閱者（在鎖外呼叫）
func (m *NetworkMonitor) Set(available bool) {
	m.mu.Lock()
	if m.available == available {
		m.mu.Unlock()
		return
	}
	m.available = available
	subscribers := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subscribers = append(subscribers, fn)
	}
	m.mu.Unlock()

	for _, fn := range subscribers {
		fn(available)
	}
}

// Subscribe 訂閱網路狀態變化
func (m *NetworkMonitor) Subscribe(fn func(available bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

type alwaysAvailable struct{}

func (alwaysAvailable) IsNetworkAvailable() bool { return true }
