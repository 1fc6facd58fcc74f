// Package dedupe — ограниченный индекс id, который проверяется в каждой точке
// слияния: merge из рассылки, снимок переписки, подтверждённая отправка.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCapacity хватает на сообщения одной сессии.
const DefaultCapacity = 10000

type entry struct {
	at   time.Time
	elem *list.Element
}

// Index — потокобезопасное множество id ограниченного размера с необязательным TTL.
// При заполнении вытесняется самый старый id. ttl == 0 — id не истекают.
type Index struct {
	mu    sync.Mutex
	seen  map[string]*entry
	order *list.List // старые в начале
	ttl   time.Duration
	max   int
	now   func() time.Time
}

func New(capacity int, ttl time.Duration) *Index {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Index{
		seen:  make(map[string]*entry),
		order: list.New(),
		ttl:   ttl,
		max:   capacity,
		now:   time.Now,
	}
}

// Has — есть ли id и не истёк ли он.
func (x *Index) Has(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.liveLocked(id)
}

// CheckAndMark атомарно записывает id; true, если он уже был.
func (x *Index) CheckAndMark(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.liveLocked(id) {
		return true
	}
	x.markLocked(id)
	return false
}

// Mark записывает ids, существующие обновляются.
func (x *Index) Mark(ids ...string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			x.markLocked(id)
		}
	}
}

// Forget удаляет id, например если merge под ним не применился.
func (x *Index) Forget(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.seen[id]; ok {
		x.order.Remove(e.elem)
		delete(x.seen, id)
	}
}

// Reset очищает индекс (полная перезагрузка).
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.seen = make(map[string]*entry)
	x.order.Init()
}

func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.seen)
}

func (x *Index) liveLocked(id string) bool {
	e, ok := x.seen[id]
	if !ok {
		return false
	}
	if x.ttl > 0 && x.now().Sub(e.at) >= x.ttl {
		x.order.Remove(e.elem)
		delete(x.seen, id)
		return false
	}
	return true
}

func (x *Index) markLocked(id string) {
	now := x.now()
	if e, ok := x.seen[id]; ok {
		e.at = now
		x.order.MoveToBack(e.elem)
		return
	}
	if len(x.seen) >= x.max {
		if front := x.order.Front(); front != nil {
			key, _ := front.Value.(string)
			x.order.Remove(front)
			delete(x.seen, key)
		}
	}
	x.seen[id] = &entry{at: now, elem: x.order.PushBack(id)}
}
