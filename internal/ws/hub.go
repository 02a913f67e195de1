// Package ws 运维面板的 saga 状态实时推送
package ws

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

const defaultMaxConnections = 256

// ErrMaxConnections is returned when the hub is full.
var ErrMaxConnections = errors.New("max websocket connections exceeded")

// Client wraps a websocket connection with a send channel.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	// workflow 为空表示接收全部 workflow
	workflow string
}

// Hub fans saga updates out to dashboard connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	max     int
	total   int64
	dropped int64
}

func NewHub(maxConnections int) *Hub {
	if maxConnections <= 0 {
		maxConnections = defaultMaxConnections
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		max:     maxConnections,
	}
}

// Subscribe registers a connection interested in workflow ("" for all).
func (h *Hub) Subscribe(workflow string, conn *websocket.Conn) (*Client, error) {
	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 64),
		workflow: workflow,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.max {
		return nil, ErrMaxConnections
	}
	h.clients[client] = struct{}{}
	atomic.AddInt64(&h.total, 1)
	return client, nil
}

// Unsubscribe is safe to call more than once.
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
}

// Broadcast sends message to every client watching workflow.
func (h *Hub) Broadcast(workflow string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.workflow != "" && client.workflow != workflow {
			continue
		}
		select {
		case client.send <- message:
		default:
			// 慢客户端直接丢弃
			atomic.AddInt64(&h.dropped, 1)
		}
	}
}

// HubStats provides connection metrics.
type HubStats struct {
	ActiveConnections int   `json:"activeConnections"`
	TotalConnections  int64 `json:"totalConnections"`
	Dropped           int64 `json:"dropped"`
	MaxConnections    int   `json:"maxConnections"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		ActiveConnections: len(h.clients),
		TotalConnections:  atomic.LoadInt64(&h.total),
		Dropped:           atomic.LoadInt64(&h.dropped),
		MaxConnections:    h.max,
	}
}

// CloseAll closes all active websocket connections.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		if client.conn != nil {
			conns = append(conns, client.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
