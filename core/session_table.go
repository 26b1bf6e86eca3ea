package core

import "sync"

// SessionTable 进程内会话表，只是缓存的派生加速结构
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[VideoID]*SessionHandle
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[VideoID]*SessionHandle)}
}

func (t *SessionTable) Get(id VideoID) (*SessionHandle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.sessions[id]
	return h, ok
}

func (t *SessionTable) Put(id VideoID, handle *SessionHandle) {
	t.mu.Lock()
	t.sessions[id] = handle
	t.mu.Unlock()
}

// Remove 删除并返回旧句柄，调用方负责释放索引
func (t *SessionTable) Remove(id VideoID) (*SessionHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	return h, ok
}

// Swap 在同一把锁内写入新句柄并返回被替换的旧句柄
func (t *SessionTable) Swap(id VideoID, handle *SessionHandle) (*SessionHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.sessions[id]
	t.sessions[id] = handle
	return old, ok
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Drain 清空会话表并返回所有句柄
func (t *SessionTable) Drain() []*SessionHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*SessionHandle, 0, len(t.sessions))
	for _, h := range t.sessions {
		out = append(out, h)
	}
	t.sessions = make(map[VideoID]*SessionHandle)
	return out
}
