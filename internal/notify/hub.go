package notify

// ============================================================================
// WebSocket 廣播中心
// 職責：
// 1. 將 HTTP 連線升級為 websocket 並登記為訂閱者
// 2. 把每則事件以 JSON 文字訊息廣播給所有訂閱者
// 3. 寫入失敗或讀取結束時移除訂閱者
// ============================================================================

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const hubWriteTimeout = 5 * time.Second

// Hub websocket 事件廣播
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex // 保護 clients，並序列化對連線的寫入
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// NewHub 建立廣播中心
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP 升級連線並保持到客戶端斷線
//
// 客戶端送來的訊息一律丟棄；讀取迴圈只用來偵測斷線。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	log.Debug("Websocket subscriber connected", "remote", r.RemoteAddr)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(conn)
	log.Debug("Websocket subscriber disconnected", "remote", r.RemoteAddr)
}

// Notify 廣播事件
func (h *Hub) Notify(_ context.Context, e Event) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

// Broadcast 將原始訊息送給所有訂閱者
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug("Dropping websocket subscriber", "error", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Clients 目前訂閱者數量
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 關閉所有連線，之後的升級請求會被立即關閉
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}
