package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// Manager 运行期可增删的中间件链，通过 Use() 作为一个总控中间件挂到 Engine 上。
// 链里的中间件不能调用 c.Next()
type Manager struct {
	mu    sync.RWMutex
	names []string
	mids  []gin.HandlerFunc
}

func NewManager() *Manager {
	return &Manager{}
}

// Add 按名字注册；同名覆盖原位置
func (m *Manager) Add(name string, h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.names {
		if n == name {
			m.mids[i] = h
			return
		}
	}
	m.names = append(m.names, name)
	m.mids = append(m.mids, h)
}

// Remove 不存在时返回 false
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i:i], m.names[i+1:]...)
			m.mids = append(m.mids[:i:i], m.mids[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.names...)
}

// Clear 清空全部中间件
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names, m.mids = nil, nil
}

// Use 每个请求取一份快照依次执行；任何一个 Abort 即停止
func (m *Manager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := append([]gin.HandlerFunc{}, m.mids...)
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
