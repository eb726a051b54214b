package seqnet

import (
	"sync"
)

// ConnMap is a goroutine-safe map of connections keyed by net ID.
type ConnMap struct {
	sync.RWMutex
	m map[int64]*Conn
}

// NewConnMap returns an empty ConnMap.
func NewConnMap() *ConnMap {
	return &ConnMap{
		m: make(map[int64]*Conn),
	}
}

// Clear removes every connection.
func (cm *ConnMap) Clear() {
	cm.Lock()
	cm.m = make(map[int64]*Conn)
	cm.Unlock()
}

// Get returns the connection with net ID k.
func (cm *ConnMap) Get(k int64) (*Conn, bool) {
	cm.RLock()
	c, ok := cm.m[k]
	cm.RUnlock()
	return c, ok
}

// Put stores c under k.
func (cm *ConnMap) Put(k int64, c *Conn) {
	cm.Lock()
	cm.m[k] = c
	cm.Unlock()
}

// Remove deletes k.
func (cm *ConnMap) Remove(k int64) {
	cm.Lock()
	delete(cm.m, k)
	cm.Unlock()
}

// Size returns the number of connections.
func (cm *ConnMap) Size() int {
	cm.RLock()
	size := len(cm.m)
	cm.RUnlock()
	return size
}

// IsEmpty reports whether the map holds no connection.
func (cm *ConnMap) IsEmpty() bool {
	return cm.Size() <= 0
}

// Snapshot returns the connections present at the time of the call.
func (cm *ConnMap) Snapshot() []*Conn {
	cm.RLock()
	defer cm.RUnlock()
	conns := make([]*Conn, 0, len(cm.m))
	for _, c := range cm.m {
		conns = append(conns, c)
	}
	return conns
}
