// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"log"
	"time"

	appErrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// wsCommand 客户端发来的控制指令
type wsCommand struct {
	Action string `json:"action"`
	Theme  string `json:"theme,omitempty"`
}

// PipelineWebSocket 状态推送与控制通道
func (h *Handler) PipelineWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 流水线 WebSocket 升级失败: %v", err)
		return
	}

	client := newWebSocketClient(conn)
	h.ws.Register(client)
	defer h.ws.Unregister(client)

	go client.writePump()

	// 发送连接确认消息和当前快照
	client.SendMessage(map[string]interface{}{
		"type":      "connected",
		"client_id": client.id,
		"snapshot":  h.hub.Snapshot(),
		"timestamp": time.Now().Format(time.RFC3339),
	})

	h.readCommands(client, c.ClientIP())
}

// readCommands 读取控制指令直到连接关闭
func (h *Handler) readCommands(client *WebSocketClient, clientIP string) {
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			return
		}

		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(pongWait))

		var command wsCommand
		if err := json.Unmarshal(messageBytes, &command); err != nil {
			client.SendError(ErrorBadRequest, "无效的JSON消息")
			continue
		}
		h.handleCommand(client, clientIP, command)
	}
}

// handleCommand 处理收到的控制指令
func (h *Handler) handleCommand(client *WebSocketClient, clientIP string, command wsCommand) {
	switch command.Action {
	case "start":
		if !h.allowStart(clientIP) {
			client.SendError(ErrorRateLimited, "请求过于频繁，请稍后再试")
			return
		}
		runID, err := h.pipeline.Start(command.Theme)
		if err != nil {
			code := ErrorInternalError
			switch {
			case appErrors.IsValidationError(err):
				code = ErrorValidation
			case appErrors.IsAlreadyRunningError(err):
				code = ErrorAlreadyRunning
			}
			client.SendError(code, err.Error())
			return
		}
		client.SendMessage(map[string]interface{}{
			"type":   "started",
			"run_id": runID,
		})

	case "abort":
		client.SendMessage(map[string]interface{}{
			"type":      "abort",
			"signalled": h.pipeline.Abort(),
		})

	case "ping":
		client.SendMessage(map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().Unix(),
		})

	default:
		client.SendError(ErrorBadRequest, "未知的指令: "+command.Action)
	}
}
