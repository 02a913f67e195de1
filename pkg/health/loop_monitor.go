package health

import (
	"sync"
	"time"
)

// DefaultLoopMaxAge 未指定 maxAge 时允许的最长心跳间隔
const DefaultLoopMaxAge = 30 * time.Second

// LoopMonitor 记录后台循环（总线消费、恢复调度）的心跳和最近一次错误。
// 错误之后只要再 tick 一次就视为恢复，例如 NATS 断线重连。
type LoopMonitor struct {
	mu       sync.Mutex
	now      func() time.Time
	lastTick time.Time
	ticks    uint64
	errMsg   string
	errAt    time.Time
}

// LoopStatus 循环状态快照
type LoopStatus struct {
	LastTick    time.Time `json:"lastTick"`
	Ticks       uint64    `json:"ticks"`
	LastError   string    `json:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt"`
}

func (m *LoopMonitor) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func (m *LoopMonitor) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTick = m.clock()
	m.ticks++
	m.errMsg = ""
}

func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errMsg = err.Error()
	m.errAt = m.clock()
}

func (m *LoopMonitor) Snapshot() LoopStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LoopStatus{LastTick: m.lastTick, Ticks: m.ticks, LastError: m.errMsg, LastErrorAt: m.errAt}
}

// Healthy 从未 tick、心跳超过 maxAge 或最近一次 tick 之后报过错都返回 false
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	st := m.Snapshot()
	if st.Ticks == 0 {
		return false, 0, st.LastError
	}
	if st.LastError != "" {
		return false, now.Sub(st.LastTick), st.LastError
	}
	if now.Before(st.LastTick) {
		return true, 0, ""
	}
	if maxAge <= 0 {
		maxAge = DefaultLoopMaxAge
	}
	age = now.Sub(st.LastTick)
	return age <= maxAge, age, ""
}
