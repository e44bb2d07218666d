package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempmail/aliasmx/internal/domain"
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 非浏览器客户端
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
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
	MessageTypeNotification MessageType = "notification"
	MessageTypeHide         MessageType = "notification_hide"
	MessageTypeStale        MessageType = "stale"
	MessageTypeAliasEvent   MessageType = "alias_event"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeError        MessageType = "error"
)

// 订阅主题
const (
	TopicNotifications = "notifications"
	TopicViews         = "views"
	TopicAliases       = "aliases"
)

var knownTopics = map[string]bool{
	TopicNotifications: true,
	TopicViews:         true,
	TopicAliases:       true,
}

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ClientGauge 连接数指标
type ClientGauge interface {
	UpdateWebSocketClients(count int)
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	topics map[string]bool
	mu     sync.RWMutex
	log    *zap.Logger
}

// Hub 管理所有WebSocket连接，按主题广播
type Hub struct {
	clients        map[string]*Client
	topics         map[string]map[string]*Client // topic -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *Message
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	gauge          ClientGauge
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表
//   - logger: 日志，可为 nil
//   - gauge: 连接数指标，可为 nil
func NewHub(allowedOrigins []string, logger *zap.Logger, gauge ClientGauge) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		topics:         make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *Message, 256),
		log:            logger,
		allowedOrigins: allowedOrigins,
		gauge:          gauge,
	}
}

// Run 启动Hub
func (h *Hub) Run(ctx context.Context) {
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
			// 新连接默认订阅全部主题
			for topic := range knownTopics {
				h.subscribeLocked(client, topic)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.updateGauge(count)
			h.log.Info("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				for topic := range client.topicsSnapshot() {
					h.unsubscribeLocked(client, topic)
				}
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.updateGauge(count)

		case msg := <-h.broadcast:
			h.broadcastToTopic(msg)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// ClientCount 返回连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) updateGauge(count int) {
	if h.gauge != nil {
		h.gauge.UpdateWebSocketClients(count)
	}
}

// publish 非阻塞投递，队列满时丢弃
func (h *Hub) publish(topic string, msgType MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("failed to marshal payload", zap.Error(err))
		return
	}

	msg := &Message{
		Type:      msgType,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast queue full, dropping message", zap.String("type", string(msgType)))
	}
}

// Show 推送通知
func (h *Hub) Show(n domain.Notification) {
	h.publish(TopicNotifications, MessageTypeNotification, n)
}

// HideData 通知关闭数据
type HideData struct {
	ID string `json:"id"`
}

// Hide 推送通知关闭
func (h *Hub) Hide(id string) {
	h.publish(TopicNotifications, MessageTypeHide, HideData{ID: id})
}

// StaleData 视图失效数据
type StaleData struct {
	View string `json:"view"`
}

// Stale 推送视图失效信号
func (h *Hub) Stale(view string) {
	h.publish(TopicViews, MessageTypeStale, StaleData{View: view})
}

// AliasEventData 别名生命周期事件数据
type AliasEventData struct {
	Event  string              `json:"event"`
	Alias  *domain.Alias       `json:"alias,omitempty"`
	Result *domain.PurgeResult `json:"result,omitempty"`
}

// NotifyAliasEvent 推送别名事件
func (h *Hub) NotifyAliasEvent(data AliasEventData) {
	h.publish(TopicAliases, MessageTypeAliasEvent, data)
}

// broadcastToTopic 向订阅主题的客户端广播消息
func (h *Hub) broadcastToTopic(msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.topics[msg.Topic]
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	msg := &Message{
		Type:      MessageTypePing,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(msg)
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
	h.topics = make(map[string]map[string]*Client)
	h.updateGauge(0)
}

func (h *Hub) subscribeLocked(c *Client, topic string) {
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]*Client)
	}
	h.topics[topic][c.ID] = c

	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()
}

func (h *Hub) unsubscribeLocked(c *Client, topic string) {
	if clients, ok := h.topics[topic]; ok {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}

	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			conn:   conn,
			hub:    hub,
			send:   make(chan []byte, 256),
			topics: make(map[string]bool),
			log:    hub.log,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}

		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.Topic)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.Topic)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

func (c *Client) subscribe(topic string) {
	if !knownTopics[topic] {
		c.sendError("unknown topic: " + topic)
		return
	}

	c.hub.mu.Lock()
	c.hub.subscribeLocked(c, topic)
	c.hub.mu.Unlock()

	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		Topic:     topic,
		Timestamp: time.Now(),
	})
}

func (c *Client) unsubscribe(topic string) {
	c.hub.mu.Lock()
	c.hub.unsubscribeLocked(c, topic)
	c.hub.mu.Unlock()

	c.log.Debug("unsubscribed", zap.String("clientID", c.ID), zap.String("topic", topic))
}

func (c *Client) topicsSnapshot() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.topics))
	for t := range c.topics {
		out[t] = true
	}
	return out
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
