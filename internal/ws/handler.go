package ws

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pen/orchestrator/pkg/logger"
)

var (
	activityTimeoutNanos int64 = int64(60 * time.Second)
	pingIntervalNanos    int64 = int64(30 * time.Second)
	writeWaitNanos       int64 = int64(10 * time.Second)
)

// Handler handles /ws/sagas connections. ?workflow= narrows the feed.
func Handler(hub *Hub, allowedOrigins []string, log *logger.Logger) http.HandlerFunc {
	if log == nil {
		log = logger.Nop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin(r, allowedOrigins)
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("saga ws upgrade error")
			return
		}

		client, err := hub.Subscribe(strings.TrimSpace(r.URL.Query().Get("workflow")), conn)
		if err != nil {
			closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(getWriteWait()))
			conn.Close()
			return
		}

		go writePump(client, hub)
		go readPump(client, hub)
	}
}

func allowOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" || (o != "" && o == origin) {
			return true
		}
	}
	return false
}

// readPump 只处理控制帧，客户端消息忽略
func readPump(client *Client, hub *Hub) {
	conn := client.conn
	defer func() {
		hub.Unsubscribe(client)
		conn.Close()
	}()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(getActivityTimeout()))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(getActivityTimeout()))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(getActivityTimeout()))
	}
}

func writePump(client *Client, hub *Hub) {
	ticker := time.NewTicker(getPingInterval())
	defer func() {
		ticker.Stop()
		hub.Unsubscribe(client)
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(getWriteWait()))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(getWriteWait()))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func getActivityTimeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&activityTimeoutNanos))
}

func getPingInterval() time.Duration {
	return time.Duration(atomic.LoadInt64(&pingIntervalNanos))
}

func getWriteWait() time.Duration {
	return time.Duration(atomic.LoadInt64(&writeWaitNanos))
}
