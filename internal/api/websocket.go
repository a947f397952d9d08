// internal/api/websocket.go
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 256
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 本地控制台，允许任意来源
		return true
	},
}

// EventSource 状态事件来源
type EventSource interface {
	Subscribe() (<-chan models.StatusEvent, func())
}

// WebSocketClient 表示一个 WebSocket 客户端连接
type WebSocketClient struct {
	conn      *websocket.Conn
	id        string
	send      chan []byte
	done      chan struct{}
	closed    int32        // 原子操作标志，0=开启，1=关闭
	lastPing  atomic.Int64 // 最后一次活跃时间 (UnixNano)
	createdAt time.Time
}

func newWebSocketClient(conn *websocket.Conn) *WebSocketClient {
	client := &WebSocketClient{
		conn:      conn,
		id:        uuid.NewString(),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	client.UpdatePing()
	return client
}

// Close 安全关闭客户端连接，可重复调用
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		close(client.done)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后ping时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true // 零超时时间立即过期
	}
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

// SendMessage 安全发送消息到客户端，队列满时丢弃
func (client *WebSocketClient) SendMessage(message map[string]interface{}) error {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	client.enqueue(msgBytes)
	return nil
}

func (client *WebSocketClient) enqueue(msgBytes []byte) bool {
	if client.IsClosed() {
		return false
	}

	select {
	case client.send <- msgBytes:
		return true
	default:
		log.Printf("⚠️ 客户端 %s 消息队列已满，消息被丢弃", client.id)
		return false
	}
}

// SendError 发送错误消息到客户端
func (client *WebSocketClient) SendError(code, errorMsg string) {
	client.SendMessage(map[string]interface{}{
		"type":      "error",
		"code":      code,
		"error":     errorMsg,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// writePump 串行写出队列中的消息，并定期发送 ping
func (client *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ WebSocket 写入失败: %v", err)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("❌ WebSocket ping 失败: %v", err)
				return
			}

		case <-client.done:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// WebSocketManager 管理所有状态推送连接
type WebSocketManager struct {
	clients     map[*WebSocketClient]bool
	mutex       sync.RWMutex
	pingTimeout time.Duration
}

// NewWebSocketManager 创建连接管理器
func NewWebSocketManager() *WebSocketManager {
	return &WebSocketManager{
		clients:     make(map[*WebSocketClient]bool),
		pingTimeout: 2 * pongWait,
	}
}

// Run 定期清理过期连接，ctx 结束时关闭所有连接
func (manager *WebSocketManager) Run(ctx context.Context) {
	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-cleanupTicker.C:
			manager.cleanupExpiredConnections()
		case <-ctx.Done():
			manager.shutdown()
			return
		}
	}
}

// Relay 把事件源的每条状态事件广播给所有客户端，直到 ctx 结束
func (manager *WebSocketManager) Relay(ctx context.Context, source EventSource) {
	events, unsubscribe := source.Subscribe()
	defer unsubscribe()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			manager.BroadcastEvent(event)
		case <-ctx.Done():
			return
		}
	}
}

// Register 注册新客户端
func (manager *WebSocketManager) Register(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	manager.clients[client] = true
	log.Printf("✅ 状态推送客户端已连接 (%s)", client.id)
}

// Unregister 注销并关闭客户端
func (manager *WebSocketManager) Unregister(client *WebSocketClient) {
	manager.mutex.Lock()
	_, exists := manager.clients[client]
	delete(manager.clients, client)
	manager.mutex.Unlock()

	client.Close()
	if exists {
		log.Printf("🔌 状态推送客户端已断开 (%s)", client.id)
	}
}

// cleanupExpiredConnections 清理过期和死连接
func (manager *WebSocketManager) cleanupExpiredConnections() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for client := range manager.clients {
		if client.IsClosed() || client.IsExpired(manager.pingTimeout) {
			delete(manager.clients, client)
			client.Close()
		}
	}
}

// BroadcastEvent 推送一条状态事件
func (manager *WebSocketManager) BroadcastEvent(event models.StatusEvent) {
	manager.Broadcast(map[string]interface{}{
		"type":  "status",
		"event": event,
	})
}

// Broadcast 广播消息，发送队列已满的客户端会被断开
func (manager *WebSocketManager) Broadcast(message map[string]interface{}) {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ 序列化广播消息失败: %v", err)
		return
	}

	manager.mutex.RLock()
	clients := make([]*WebSocketClient, 0, len(manager.clients))
	for client := range manager.clients {
		if !client.IsClosed() {
			clients = append(clients, client)
		}
	}
	manager.mutex.RUnlock()

	for _, client := range clients {
		if !client.enqueue(msgBytes) {
			manager.Unregister(client)
		}
	}
}

// shutdown 优雅关闭管理器
func (manager *WebSocketManager) shutdown() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	log.Println("🛑 正在关闭 WebSocket 管理器...")
	for client := range manager.clients {
		client.Close()
	}
	manager.clients = make(map[*WebSocketClient]bool)
	log.Println("✅ WebSocket 管理器已关闭")
}

// ClientCount 当前连接数
func (manager *WebSocketManager) ClientCount() int {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return len(manager.clients)
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	clients := make([]interface{}, 0, len(manager.clients))
	for client := range manager.clients {
		if client.IsClosed() {
			continue
		}
		clients = append(clients, map[string]interface{}{
			"client_id":    client.id,
			"connected_at": client.createdAt.Format(time.RFC3339),
			"last_ping":    time.Unix(0, client.lastPing.Load()).Format(time.RFC3339),
		})
	}

	return map[string]interface{}{
		"total_connections": len(clients),
		"clients":           clients,
	}
}
