package coordinator

import (
	"context"
	"sort"
	"sync"
)

// Map holds the coordinators of every configured device keyed by device key.
type Map struct {
	mu           sync.Mutex
	coordinators map[string]*Coordinator
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{
		coordinators: make(map[string]*Coordinator),
	}
}

// Set adds or replaces the coordinator for its device.
func (m *Map) Set(c *Coordinator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coordinators[c.device.Key()] = c
}

// Get returns the coordinator for the device key, see types.Device.Key.
func (m *Map) Get(key string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coordinators[key]
	return c, ok
}

// All returns every coordinator ordered by device key.
func (m *Map) All() []*Coordinator {
	m.mu.Lock()
	all := make([]*Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		all = append(all, c)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].device.Key() < all[j].device.Key()
	})
	return all
}

// AddListener registers l on every coordinator currently in the map.
func (m *Map) AddListener(l Listener) {
	for _, c := range m.All() {
		c.AddListener(l)
	}
}

// Run runs every coordinator until ctx is done.
func (m *Map) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range m.All() {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}
	wg.Wait()
}
