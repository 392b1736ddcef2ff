package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"pair-send-go/pkg/log"
)

// Client 代表一条已建立的 WebSocket 连接及其归属。
type Client struct {
	conn      *websocket.Conn
	userID    string
	sessionID string
	send      chan []byte
}

// Hub 维护所有活跃连接，支持按会话广播和按用户定向投递。
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{} // sessionID -> 订阅该会话的连接
	users    map[string]map[*Client]struct{} // userID -> 该用户的全部连接
}

// NewHub 创建一个新的 Hub 实例。
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[*Client]struct{}),
		users:    make(map[string]map[*Client]struct{}),
	}
}

// Register 登记一条连接并启动其读写循环。读循环退出时连接自动注销。
func (h *Hub) Register(conn *websocket.Conn, userID, sessionID string) *Client {
	client := &Client{
		conn:      conn,
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan []byte, 16),
	}

	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*Client]struct{})
	}
	h.sessions[sessionID][client] = struct{}{}
	if h.users[userID] == nil {
		h.users[userID] = make(map[*Client]struct{})
	}
	h.users[userID][client] = struct{}{}
	h.mu.Unlock()

	go client.writePump()
	return client
}

// Unregister 注销一条连接并关闭其发送通道。
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if clients, ok := h.sessions[client.sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessions, client.sessionID)
		}
	}
	if clients, ok := h.users[client.userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.users, client.userID)
		}
	}
	h.mu.Unlock()
	close(client.send)
}

// BroadcastSession 向订阅了指定会话的全部连接广播事件。
func (h *Hub) BroadcastSession(sessionID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.sessions[sessionID] {
		client.enqueue(payload)
	}
}

// SendUser 向指定用户的全部连接定向投递事件。
func (h *Hub) SendUser(userID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.users[userID] {
		client.enqueue(payload)
	}
}

// SessionClients 返回指定会话当前的连接数，用于观测。
func (h *Hub) SessionClients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// enqueue 把消息放入发送队列。慢消费者的队列满时丢弃消息而不是阻塞广播。
func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		log.Warnf("WebSocket 发送队列已满，丢弃消息, userID: %s", c.userID)
	}
}

// writePump 将队列中的消息写出到连接。
func (c *Client) writePump() {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Warnf("写入 WebSocket 消息失败: %v", err)
			return
		}
	}
}

// ReadLoop 阻塞读取连接直到对端断开，期间忽略客户端消息（推送通道是单向的）。
func (c *Client) ReadLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
