// Package arena 以穩定 ID 保存領域物件
//
// 等待中的請求只記錄物件 ID，不持有物件本身；物件是否仍然存在以查表判斷，
// 被逐出後，遲到的回應自然找不到對象。
package arena

import (
	"sync"

	"github.com/google/uuid"
)

// Arena 執行緒安全的 ID → 物件對照表
type Arena[T any] struct {
	mu      sync.RWMutex
	objects map[uuid.UUID]T
}

// New 建立空的 Arena
func New[T any]() *Arena[T] {
	return &Arena[T]{objects: make(map[uuid.UUID]T)}
}

// Put 新增或取代物件
func (a *Arena[T]) Put(id uuid.UUID, obj T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[id] = obj
}

// Get 查找物件；不存在時回傳零值與 false
func (a *Arena[T]) Get(id uuid.UUID) (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[id]
	return obj, ok
}

func (a *Arena[T]) Contains(id uuid.UUID) bool {
	_, ok := a.Get(id)
	return ok
}

// Evict 移除物件，回傳是否確實存在
func (a *Arena[T]) Evict(id uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.objects[id]
	delete(a.objects, id)
	return ok
}

func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}
