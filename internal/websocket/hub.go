package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeEmailOpened MessageType = "email_opened"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	UserEmail string          `json:"userEmail,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// OpenedData 首次打开通知数据
type OpenedData struct {
	TrackingID string `json:"trackingId"`
	MessageID  string `json:"messageId"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	OpenedAt   string `json:"openedAt"`
}

// Relay 在多个实例之间转发打开事件，例如 redis 发布订阅
type Relay interface {
	PublishOpened(ctx context.Context, payload []byte) error
	SubscribeOpened(ctx context.Context) (<-chan []byte, error)
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID        string
	UserEmail string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
}

type broadcastMessage struct {
	userEmail string
	data      []byte
}

// Hub 按发件人邮箱管理WebSocket连接
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	senders        map[string]map[string]*Client // userEmail -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan broadcastMessage
	mu             sync.RWMutex
	log            *zap.Logger
	metrics        *monitoring.Metrics
	relay          Relay
	relayReady     atomic.Bool
	done           chan struct{}
	allowedOrigins []string
}

// NewHub 创建WebSocket Hub；relay 为 nil 时只在本实例内推送
func NewHub(allowedOrigins []string, relay Relay, metrics *monitoring.Metrics, logger *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		senders:        make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan broadcastMessage, sendBuffer),
		log:            logger,
		metrics:        metrics,
		relay:          relay,
		done:           make(chan struct{}),
		allowedOrigins: allowedOrigins,
	}
}

// Run 启动Hub，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	var relayed <-chan []byte
	if h.relay != nil {
		ch, err := h.relay.SubscribeOpened(ctx)
		if err != nil {
			h.log.Error("failed to subscribe to open events, falling back to local delivery", zap.Error(err))
		} else {
			relayed = ch
			h.relayReady.Store(true)
		}
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			if h.senders[client.UserEmail] == nil {
				h.senders[client.UserEmail] = make(map[string]*Client)
			}
			h.senders[client.UserEmail][client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWebsocketClients(count)
			h.log.Debug("client registered",
				zap.String("id", client.ID),
				zap.String("user_email", client.UserEmail))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg.userEmail, msg.data)

		case payload, ok := <-relayed:
			if !ok {
				relayed = nil
				h.relayReady.Store(false)
				continue
			}
			h.deliverRelayed(payload)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	if clients, exists := h.senders[client.UserEmail]; exists {
		delete(clients, client.ID)
		if len(clients) == 0 {
			delete(h.senders, client.UserEmail)
		}
	}
	delete(h.clients, client.ID)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWebsocketClients(count)
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

// NotifyOpened 通知发件人的客户端邮件已被首次打开，不会阻塞调用方
func (h *Hub) NotifyOpened(ctx context.Context, email *domain.SentEmail) {
	openedAt := ""
	if email.OpenedAt != nil {
		openedAt = email.OpenedAt.UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(OpenedData{
		TrackingID: email.TrackingID,
		MessageID:  email.MessageID,
		To:         email.To,
		Subject:    email.Subject,
		OpenedAt:   openedAt,
	})
	if err != nil {
		h.log.Error("failed to marshal opened data", zap.Error(err))
		return
	}

	payload, err := json.Marshal(&Message{
		Type:      MessageTypeEmailOpened,
		UserEmail: email.From,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	// 订阅生效后本实例也会从中转通道收到该事件
	if h.relayReady.Load() {
		err := h.relay.PublishOpened(ctx, payload)
		if err == nil {
			return
		}
		h.log.Warn("failed to publish open event, delivering locally", zap.Error(err))
	}

	select {
	case h.broadcast <- broadcastMessage{userEmail: email.From, data: payload}:
	default:
		h.log.Warn("broadcast queue full, dropping open event",
			zap.String("tracking_id", email.TrackingID))
	}
}

func (h *Hub) deliverRelayed(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.log.Warn("invalid relayed message", zap.Error(err))
		return
	}
	if msg.UserEmail == "" {
		return
	}
	h.deliver(msg.UserEmail, payload)
}

// deliver 向订阅该发件人的客户端发送消息
func (h *Hub) deliver(userEmail string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.senders[userEmail] {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送应用层ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.senders = make(map[string]map[string]*Client)
	h.metrics.SetWebsocketClients(0)
}

// ClientCount 返回某个发件人当前的连接数
func (h *Hub) ClientCount(userEmail string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.senders[userEmail])
}

// HandleWebSocket 处理 /api/ws/:userEmail 连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		userEmail := domain.NormalizeEmail(c.Param("userEmail"))
		if err := domain.ValidateEmail(userEmail); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid email"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:        uuid.NewString(),
			UserEmail: userEmail,
			conn:      conn,
			send:      make(chan []byte, sendBuffer),
			hub:       hub,
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 读取客户端消息，连接断开时注销
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		if msg.Type == MessageTypePong {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
