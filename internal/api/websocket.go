// internal/api/websocket.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/CharacterStudio/internal/services"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketClient 订阅会话的客户端连接
type WebSocketClient struct {
	conn      WebSocketConnection
	sessionID string
	send      chan []byte
	closeCh   chan struct{}
	closed    int32 // 0 打开，1 已关闭
	lastPing  atomic.Int64
	createdAt time.Time
}

// WebSocketManager 按会话管理连接并推送会话事件
type WebSocketManager struct {
	connections map[string]map[WebSocketConnection]*WebSocketClient // sessionID -> 连接
	register    chan *WebSocketClient
	unregister  chan *WebSocketClient
	cleanup     chan struct{}
	done        chan struct{}
	mutex       sync.RWMutex
	pingTimeout time.Duration
	stopOnce    sync.Once
}

// WebSocketConnection 管理器使用的 *websocket.Conn 方法
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// WebSocketConnWrapper 将 *websocket.Conn 适配为 WebSocketConnection
type WebSocketConnWrapper struct {
	*websocket.Conn
}

var _ services.EventSink = (*WebSocketManager)(nil)

// NewWebSocketManager 创建管理器并启动事件循环
func NewWebSocketManager() *WebSocketManager {
	manager := &WebSocketManager{
		connections: make(map[string]map[WebSocketConnection]*WebSocketClient),
		register:    make(chan *WebSocketClient, 256),
		unregister:  make(chan *WebSocketClient, 256),
		cleanup:     make(chan struct{}),
		done:        make(chan struct{}),
		pingTimeout: 60 * time.Second,
	}
	go manager.run()
	return manager
}

func newWebSocketClient(conn WebSocketConnection, sessionID string) *WebSocketClient {
	client := &WebSocketClient{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
		closeCh:   make(chan struct{}),
		createdAt: time.Now(),
	}
	client.UpdatePing()
	return client
}

// Close 关闭客户端连接（只执行一次）
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		close(client.closeCh)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新活跃时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired 超过 timeout 未活跃时视为过期
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

// SendMessage 发送 JSON 消息，队列已满时丢弃
func (client *WebSocketClient) SendMessage(message interface{}) error {
	if client.IsClosed() {
		return nil
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case client.send <- msgBytes:
	default:
		log.Printf("⚠️ 会话 %s 的消息队列已满，消息被丢弃", client.sessionID)
	}
	return nil
}

// SendError 发送错误消息
func (client *WebSocketClient) SendError(errorMsg string) {
	client.SendMessage(map[string]interface{}{
		"type":      "error",
		"error":     errorMsg,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (manager *WebSocketManager) run() {
	defer close(manager.done)

	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case client := <-manager.register:
			manager.registerClient(client)

		case client := <-manager.unregister:
			manager.unregisterClient(client)

		case <-cleanupTicker.C:
			manager.cleanupExpiredConnections()

		case <-manager.cleanup:
			manager.shutdown()
			return
		}
	}
}

// Register 注册客户端
func (manager *WebSocketManager) Register(client *WebSocketClient) bool {
	select {
	case manager.register <- client:
		return true
	default:
		return false
	}
}

// Unregister 注销客户端，超时后放弃
func (manager *WebSocketManager) Unregister(client *WebSocketClient, timeout time.Duration) {
	select {
	case manager.unregister <- client:
	case <-manager.done:
	case <-time.After(timeout):
		log.Printf("⚠️ WebSocket 注销超时 (会话: %s)", client.sessionID)
	}
}

func (manager *WebSocketManager) registerClient(client *WebSocketClient) {
	if client == nil {
		return
	}

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.connections[client.sessionID] == nil {
		manager.connections[client.sessionID] = make(map[WebSocketConnection]*WebSocketClient)
	}
	manager.connections[client.sessionID][client.conn] = client
	client.UpdatePing()

	log.Printf("✅ WebSocket 客户端已连接到会话 %s", client.sessionID)
}

func (manager *WebSocketManager) unregisterClient(client *WebSocketClient) {
	if client == nil {
		return
	}

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if connections, exists := manager.connections[client.sessionID]; exists {
		delete(connections, client.conn)
		if len(connections) == 0 {
			delete(manager.connections, client.sessionID)
		}
	}
	client.Close()

	log.Printf("🔌 WebSocket 客户端已断开连接 (会话: %s)", client.sessionID)
}

func (manager *WebSocketManager) cleanupExpiredConnections() int {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	removed := 0
	for sessionID, connections := range manager.connections {
		for conn, client := range connections {
			if client.IsClosed() || client.IsExpired(manager.pingTimeout) {
				delete(connections, conn)
				client.Close()
				removed++
			}
		}
		if len(connections) == 0 {
			delete(manager.connections, sessionID)
		}
	}
	return removed
}

// Stop 关闭所有连接并停止事件循环
func (manager *WebSocketManager) Stop() {
	manager.stopOnce.Do(func() {
		close(manager.cleanup)
		<-manager.done
	})
}

func (manager *WebSocketManager) shutdown() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	log.Println("🛑 正在关闭 WebSocket 管理器...")
	for _, connections := range manager.connections {
		for _, client := range connections {
			client.Close()
		}
	}
	manager.connections = make(map[string]map[WebSocketConnection]*WebSocketClient)
	log.Println("✅ WebSocket 管理器已关闭")
}

// GetStatus 获取各会话的连接状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	sessions := make(map[string]interface{})
	totalConnections := 0

	for sessionID, connections := range manager.connections {
		active := 0
		for _, client := range connections {
			if !client.IsClosed() {
				active++
			}
		}
		sessions[sessionID] = map[string]interface{}{"client_count": active}
		totalConnections += active
	}

	return map[string]interface{}{
		"total_sessions":       len(manager.connections),
		"total_connections":    totalConnections,
		"sessions":             sessions,
		"ping_timeout_seconds": int(manager.pingTimeout.Seconds()),
		"timestamp":            time.Now().Format(time.RFC3339),
	}
}

// BroadcastToSession 向会话的所有客户端广播消息
func (manager *WebSocketManager) BroadcastToSession(sessionID string, message interface{}) {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ 广播消息编码失败: %v", err)
		return
	}

	manager.mutex.RLock()
	clients := make([]*WebSocketClient, 0, len(manager.connections[sessionID]))
	for _, client := range manager.connections[sessionID] {
		if !client.IsClosed() {
			clients = append(clients, client)
		}
	}
	manager.mutex.RUnlock()

	manager.processBatch(clients, msgBytes)
}

// Publish 实现 services.EventSink
func (manager *WebSocketManager) Publish(event services.StudioEvent) {
	manager.BroadcastToSession(event.SessionID, event)
}

func (manager *WebSocketManager) processBatch(clients []*WebSocketClient, message []byte) {
	for _, client := range clients {
		if client.IsClosed() {
			continue
		}

		select {
		case client.send <- message:
		default:
			// 消息队列已满的客户端会被断开
			client.Close()
			go manager.Unregister(client, 50*time.Millisecond)
		}
	}
}
