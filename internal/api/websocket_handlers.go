// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/Corphon/CharacterStudio/internal/models"
	"github.com/Corphon/CharacterStudio/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocketHandler 会话事件流处理器
type WebSocketHandler struct {
	studio  *services.StudioService
	manager *WebSocketManager
}

// NewWebSocketHandler 创建处理器
func NewWebSocketHandler(studio *services.StudioService, manager *WebSocketManager) *WebSocketHandler {
	return &WebSocketHandler{studio: studio, manager: manager}
}

// SessionWebSocket 升级连接并推送会话事件
func (wh *WebSocketHandler) SessionWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := wh.studio.GetSession(sessionID); err != nil {
		http.Error(c.Writer, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 会话 WebSocket 升级失败: %v", err)
		return
	}

	client := newWebSocketClient(&WebSocketConnWrapper{conn}, sessionID)
	if !wh.manager.Register(client) {
		log.Printf("❌ 无法注册 WebSocket 客户端，队列已满")
		conn.Close()
		return
	}

	go wh.handleWebSocketWrites(client)
	wh.sendWelcomeMessage(client)

	// 阻塞直到连接断开
	wh.handleWebSocketReads(client)
	wh.manager.Unregister(client, 5*time.Second)
}

func (wh *WebSocketHandler) handleWebSocketReads(client *WebSocketClient) {
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for !client.IsClosed() {
		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			return
		}
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var message map[string]interface{}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			client.SendError("invalid JSON message")
			continue
		}
		wh.handleMessage(client, message)
	}
}

func (wh *WebSocketHandler) handleWebSocketWrites(client *WebSocketClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case <-client.closeCh:
			return

		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ WebSocket 写入失败: %v", err)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 按类型处理客户端消息
func (wh *WebSocketHandler) handleMessage(client *WebSocketClient, message map[string]interface{}) {
	msgType, _ := message["type"].(string)

	switch msgType {
	case "ping":
		client.SendMessage(map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().Unix(),
		})
	case "snapshot":
		wh.sendSnapshot(client)
	case "select_view":
		raw, _ := message["view"].(string)
		view, err := models.ParseView(raw)
		if err != nil {
			client.SendError(err.Error())
			return
		}
		// view_selected 事件会推送给会话的所有客户端
		if _, err := wh.studio.SelectView(client.sessionID, view); err != nil {
			client.SendError(err.Error())
		}
	default:
		client.SendError("unknown message type: " + msgType)
	}
}

func (wh *WebSocketHandler) sendSnapshot(client *WebSocketClient) {
	snapshot, err := wh.studio.Snapshot(client.sessionID)
	if err != nil {
		client.SendError(err.Error())
		return
	}
	client.SendMessage(map[string]interface{}{
		"type":      "snapshot",
		"data":      snapshot,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (wh *WebSocketHandler) sendWelcomeMessage(client *WebSocketClient) {
	client.SendMessage(map[string]interface{}{
		"type":       "connected",
		"session_id": client.sessionID,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
	wh.sendSnapshot(client)
}
