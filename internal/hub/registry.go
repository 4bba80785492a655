package hub

import (
	"sort"
	"sync"
)

// Subscriber 推送端点。Enqueue 必须非阻塞。
type Subscriber interface {
	ID() string
	Enqueue(payload []byte) error
}

// Registry 当前在线的订阅者集合，按 id 索引。
type Registry struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Subscriber)}
}

// Add 登记订阅者，同 id 重复登记覆盖旧值。
func (r *Registry) Add(s Subscriber) {
	r.mu.Lock()
	r.subs[s.ID()] = s
	r.mu.Unlock()
}

// Remove 移除订阅者，返回是否存在。
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

// List 返回当前成员的拷贝（按 id 排序），遍历期间不受增删影响。
func (r *Registry) List() []Subscriber {
	r.mu.RLock()
	out := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
