// internal/comfy/client.go
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// RenderJob 单次尝试提交给图像服务的任务
type RenderJob struct {
	Workflow   Workflow
	PromptText string
	ClientID   string
}

// ImageRef 任务历史中的一张输出图片
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Client 与 ComfyUI 交互: 提交任务、等待完成通知、取回图片
type Client struct {
	baseURL    string
	wsURL      string
	clientID   string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *utils.Logger
}

// Option 配置 Client
type Option func(*Client)

// WithHTTPClient 替换默认的 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientID 固定会话ID，默认随机生成
func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

// WithLogger 替换日志器
func WithLogger(l *utils.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient 创建客户端。address 可以是 "127.0.0.1:8188" 或完整的 http(s) 地址
func NewClient(address string, opts ...Option) *Client {
	base := strings.TrimSuffix(strings.TrimSpace(address), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	wsBase := "ws" + strings.TrimPrefix(base, "http")

	c := &Client{
		baseURL:    base,
		wsURL:      wsBase + "/ws",
		clientID:   uuid.NewString(),
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
		logger:     utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientID 当前会话ID
func (c *Client) ClientID() string {
	return c.clientID
}

// Address 服务地址
func (c *Client) Address() string {
	return c.baseURL
}

// Render 注入提示词、提交任务、等待完成并返回第一张输出图片。
// 通知通道在每次调用时新建，所有返回路径上都会关闭。
func (c *Client) Render(ctx context.Context, workflow Workflow, promptText string, slot SlotPath) ([]byte, error) {
	prepared, err := InjectPrompt(workflow, slot, promptText)
	if err != nil {
		return nil, err
	}
	job := RenderJob{Workflow: prepared, PromptText: promptText, ClientID: c.clientID}

	// 先建立通道再提交，避免错过很快完成的任务
	conn, err := c.openChannel(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	promptID, err := c.queuePrompt(ctx, job)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("渲染任务已提交", map[string]interface{}{"prompt_id": promptID, "client_id": c.clientID})

	if err := c.waitForCompletion(ctx, conn, promptID); err != nil {
		return nil, err
	}

	refs, err := c.outputImages(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, apperrors.NewNoOutputError(fmt.Sprintf("任务 %s 没有输出图片", promptID), nil)
	}

	return c.fetchImage(ctx, refs[0])
}

func (c *Client) openChannel(ctx context.Context) (*websocket.Conn, error) {
	endpoint := c.wsURL + "?clientId=" + url.QueryEscape(c.clientID)
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, apperrors.NewTransportError("连接图像服务通知通道失败", err)
	}
	return conn, nil
}

type queueRequest struct {
	Prompt   Workflow `json:"prompt"`
	ClientID string   `json:"client_id"`
}

type queueResponse struct {
	PromptID string `json:"prompt_id"`
}

func (c *Client) queuePrompt(ctx context.Context, job RenderJob) (string, error) {
	body, err := json.Marshal(queueRequest{Prompt: job.Workflow, ClientID: job.ClientID})
	if err != nil {
		return "", apperrors.NewConfigError("序列化工作流失败", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.NewTransportError("创建提交请求失败", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.NewTransportError("提交渲染任务失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", apperrors.NewTransportError(
			fmt.Sprintf("提交渲染任务失败(%d): %s", resp.StatusCode, strings.TrimSpace(string(payload))), nil)
	}

	var out queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.NewTransportError("解析提交响应失败", err)
	}
	if out.PromptID == "" {
		return "", apperrors.NewTransportError("提交响应缺少 prompt_id", nil)
	}
	return out.PromptID, nil
}

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type executionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	ExceptionMessage string `json:"exception_message"`
}

// waitForCompletion 阻塞直到收到 node 为空且 prompt_id 匹配的 executing 消息
func (c *Client) waitForCompletion(ctx context.Context, conn *websocket.Conn, promptID string) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return apperrors.NewTransportError("等待渲染完成时上下文已取消", ctx.Err())
			}
			return apperrors.NewTransportError("通知通道读取失败", err)
		}
		// 二进制帧是预览图
		if msgType != websocket.TextMessage {
			continue
		}

		var envelope wsEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case "executing":
			var payload executingData
			if err := json.Unmarshal(envelope.Data, &payload); err != nil {
				continue
			}
			if payload.Node == nil && payload.PromptID == promptID {
				return nil
			}
		case "execution_error":
			var payload executionErrorData
			if err := json.Unmarshal(envelope.Data, &payload); err != nil {
				continue
			}
			if payload.PromptID == promptID {
				return apperrors.NewTransportError(
					fmt.Sprintf("节点 %s 执行失败: %s", payload.NodeID, payload.ExceptionMessage), nil)
			}
		}
	}
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []ImageRef `json:"images"`
	} `json:"outputs"`
}

// outputImages 收集所有输出节点的图片，节点按ID排序以保证"第一张"稳定
func (c *Client) outputImages(ctx context.Context, promptID string) ([]ImageRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, apperrors.NewTransportError("创建历史查询请求失败", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewTransportError("查询任务历史失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, apperrors.NewTransportError(
			fmt.Sprintf("查询任务历史失败(%d): %s", resp.StatusCode, strings.TrimSpace(string(payload))), nil)
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, apperrors.NewTransportError("解析任务历史失败", err)
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, nil
	}

	nodeIDs := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var refs []ImageRef
	for _, id := range nodeIDs {
		refs = append(refs, entry.Outputs[id].Images...)
	}
	return refs, nil
}

func (c *Client) fetchImage(ctx context.Context, ref ImageRef) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	query.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, apperrors.NewTransportError("创建图片下载请求失败", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewTransportError("下载图片失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewTransportError(fmt.Sprintf("下载图片 %s 失败(%d)", ref.Filename, resp.StatusCode), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransportError("读取图片数据失败", err)
	}
	if len(data) == 0 {
		return nil, apperrors.NewNoOutputError(fmt.Sprintf("图片 %s 内容为空", ref.Filename), nil)
	}
	return data, nil
}
