package concurrent_map

import "sync"

type Map[K comparable, V any] struct {
	cMap sync.Map
}

func NewMap[K comparable, V any]() Map[K, V] {
	return Map[K, V]{}
}

func (m *Map[K, V]) Get(k K) (*V, bool) {
	v, exists := m.cMap.Load(k)
	if !exists {
		return nil, false
	}

	val := v.(V)
	return &val, true
}

func (m *Map[K, V]) Set(k K, v V) {
	m.cMap.Store(k, v)
}

func (m *Map[K, V]) Delete(k K) {
	m.cMap.Delete(k)
}

func (m *Map[K, V]) Range(f func(k K, v V) bool) {
	m.cMap.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}
