package kvstore

import (
	"fmt"
	"sort"
	"sync"
)

// Mutexmap is simply a generic map protected by a sync.RWMutex.
// The Driver keeps its keys in one, shared by every session.
type Mutexmap[K comparable, V any] struct {
	mut sync.RWMutex
	m   map[K]V
}

// NewMutexmap creates a new mutex-protected map.
func NewMutexmap[K comparable, V any]() *Mutexmap[K, V] {
	return &Mutexmap[K, V]{
		m: make(map[K]V),
	}
}

// Get returns the value val for key.
func (m *Mutexmap[K, V]) Get(key K) (val V, ok bool) {
	m.mut.RLock()
	val, ok = m.m[key]
	m.mut.RUnlock()
	return
}

func (m *Mutexmap[K, V]) Len() (n int) {
	m.mut.RLock()
	n = len(m.m)
	m.mut.RUnlock()
	return
}

// Set a single key to value val.
func (m *Mutexmap[K, V]) Set(key K, val V) {
	m.mut.Lock()
	m.m[key] = val
	m.mut.Unlock()
}

// Del deletes key from the map, reporting whether it was there.
func (m *Mutexmap[K, V]) Del(key K) (found bool) {
	m.mut.Lock()
	_, found = m.m[key]
	delete(m.m, key)
	m.mut.Unlock()
	return
}

func (m *Mutexmap[K, V]) String() (r string) {
	m.mut.RLock()
	defer m.mut.RUnlock()
	if len(m.m) == 0 {
		return "Mutexmap of len(0)"
	}
	var keys []string
	for k, v := range m.m {
		keys = append(keys, fmt.Sprintf("key['%v'] -> val:'%v'", k, v))
	}
	sort.Strings(keys)
	r = fmt.Sprintf("Mutexmap of len(%v):\n", len(m.m))
	for _, k := range keys {
		r += k + "\n"
	}
	return
}
