package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 消息类型
const (
	MsgTypeInit  = "init"  // 连接建立时的全量当前状态
	MsgTypeState = "state" // 设备状态推进
	MsgTypeEvent = "event" // 领域事件
	MsgTypeError = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Message 推送给客户端的消息
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client 一个 WebSocket 连接
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub 管理连接并广播消息
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	// 新连接的初始数据
	initData func(ctx context.Context) (interface{}, error)
	// 连接数变化回调，用于指标
	onCount func(n int)
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetInitDataProvider 设置初始数据提供者
func (h *Hub) SetInitDataProvider(provider func(ctx context.Context) (interface{}, error)) {
	h.initData = provider
}

// OnClientCount 连接数变化时回调
func (h *Hub) OnClientCount(fn func(n int)) {
	h.onCount = fn
}

// Run 处理注册、注销与广播，ctx 结束时断开所有连接
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.countChanged()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", zap.Int("total_clients", h.ClientCount()))
			h.countChanged()
			h.sendInitData(ctx, client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected", zap.Int("total_clients", h.ClientCount()))
			h.countChanged()

		case message := <-h.broadcast:
			dropped := 0
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// 慢消费者直接断开
					close(client.send)
					delete(h.clients, client)
					dropped++
				}
			}
			h.mu.Unlock()
			if dropped > 0 {
				h.logger.Warn("Dropped slow WebSocket clients", zap.Int("dropped", dropped))
				h.countChanged()
			}
		}
	}
}

func (h *Hub) countChanged() {
	if h.onCount != nil {
		h.onCount(h.ClientCount())
	}
}

func (h *Hub) sendInitData(ctx context.Context, client *Client) {
	if h.initData == nil {
		return
	}

	ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	data, err := h.initData(ictx)
	if err != nil {
		h.logger.Warn("Failed to load init data", zap.Error(err))
		data = map[string]string{"message": "initial state unavailable"}
		h.sendTo(client, MsgTypeError, data)
		return
	}
	h.sendTo(client, MsgTypeInit, data)
}

func (h *Hub) sendTo(client *Client, msgType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.String("type", msgType), zap.Error(err))
		return
	}
	select {
	case client.send <- payload:
	default:
		h.logger.Warn("Client buffer full, message dropped", zap.String("type", msgType))
	}
}

// Broadcast 广播原始消息，缓冲满时丢弃
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("Broadcast buffer full, message dropped")
	}
}

// BroadcastMessage 广播结构化消息
func (h *Hub) BroadcastMessage(msgType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}
	h.Broadcast(payload)
}

// Relay 转发已编码的 JSON 负载
func (h *Hub) Relay(msgType string, payload []byte) {
	h.BroadcastMessage(msgType, json.RawMessage(payload))
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// Register 注册客户端，Hub 已停止时返回 false
func (c *Client) Register() bool {
	select {
	case c.hub.register <- c:
		return true
	case <-c.hub.done:
		return false
	}
}

// Unregister 注销客户端
func (c *Client) Unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// ReadPump 只处理控制帧，用于探测断线
func (c *Client) ReadPump() {
	defer func() {
		c.Unregister()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump 发送消息并定期 ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
