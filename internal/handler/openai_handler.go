package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Wei-Shaw/sorapool/internal/pkg/logger"
	"github.com/Wei-Shaw/sorapool/internal/pkg/response"
	"github.com/Wei-Shaw/sorapool/internal/service"
)

// OpenAIHandler 对外的 OpenAI 兼容入口。内部把 chat 请求翻译成
// 生成任务,并把引擎事件转成 chat.completion.chunk 流。
type OpenAIHandler struct {
	engine    *service.GenerationEngine
	watermark *service.WatermarkService
}

func NewOpenAIHandler(engine *service.GenerationEngine, watermark *service.WatermarkService) *OpenAIHandler {
	return &OpenAIHandler{engine: engine, watermark: watermark}
}

// ChatMessage 请求消息。Content 兼容纯文本和多段数组两种形态。
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatCompletionRequest OpenAI chat 请求中我们关心的字段。
type ChatCompletionRequest struct {
	Model    string        `json:"model" binding:"required"`
	Messages []ChatMessage `json:"messages" binding:"required"`
	Stream   bool          `json:"stream"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// ChatCompletions 处理 POST /v1/chat/completions。
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "参数错误: "+err.Error())
		return
	}

	prompt, inlineImage, err := extractPrompt(req.Messages)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	if prompt == "" {
		response.Error(c, http.StatusBadRequest, "缺少用户提示词")
		return
	}

	events, taskID, err := h.engine.Generate(c.Request.Context(), service.GenerateRequest{
		Model:       req.Model,
		Prompt:      prompt,
		InlineImage: inlineImage,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidModel):
			response.Error(c, http.StatusBadRequest, "不支持的模型: "+req.Model)
		case errors.Is(err, service.ErrNoAvailableAccounts):
			response.Error(c, http.StatusServiceUnavailable, "当前没有可用账号,请稍后重试")
		default:
			logger.LegacyErrorf("handler.openai", "[Chat] 启动生成失败: %v", err)
			response.Error(c, http.StatusInternalServerError, "启动生成失败")
		}
		return
	}

	if req.Stream {
		h.streamCompletion(c, req.Model, taskID, events)
		return
	}
	h.blockingCompletion(c, req.Model, taskID, events)
}

// streamCompletion 把引擎事件转成 SSE chunk 流。
func (h *OpenAIHandler) streamCompletion(c *gin.Context, model, taskID string, events <-chan service.GenerationEvent) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Task-Id", taskID)

	completionID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	flush := func(chunk map[string]any) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		c.Writer.Flush()
	}

	for ev := range events {
		if ev.Err != nil {
			flush(chunkBody(completionID, model, created, map[string]any{
				"content": errorContent(ev.Err),
			}, "stop"))
			break
		}
		delta := map[string]any{}
		if ev.Reasoning != "" {
			delta["reasoning_content"] = ev.Reasoning
		}
		if ev.Content != "" {
			delta["content"] = ev.Content
		}
		if len(delta) == 0 {
			continue
		}
		finish := ""
		if ev.FinishReason != "" {
			finish = ev.FinishReason
		}
		flush(chunkBody(completionID, model, created, delta, finish))
	}

	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// blockingCompletion 非流式:等任务终态后一次性返回。
func (h *OpenAIHandler) blockingCompletion(c *gin.Context, model, taskID string, events <-chan service.GenerationEvent) {
	var content string
	var genErr error
	for ev := range events {
		if ev.Err != nil {
			genErr = ev.Err
		}
		if ev.Content != "" {
			content += ev.Content
		}
	}
	if genErr != nil {
		content = errorContent(genErr)
	}

	c.Header("X-Task-Id", taskID)
	c.JSON(http.StatusOK, map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": content,
			},
			"finish_reason": "stop",
		}},
	})
}

// Models 处理 GET /v1/models。
func (h *OpenAIHandler) Models(c *gin.Context) {
	names := service.ModelNames()
	data := make([]map[string]any, 0, len(names))
	for _, name := range names {
		data = append(data, map[string]any{
			"id":       name,
			"object":   "model",
			"owned_by": "sorapool",
		})
	}
	c.JSON(http.StatusOK, map[string]any{"object": "list", "data": data})
}

// CancelWatermarkWait 处理 POST /v1/tasks/:task_id/cancel-watermark-wait。
func (h *OpenAIHandler) CancelWatermarkWait(c *gin.Context) {
	taskID := c.Param("task_id")
	if h.watermark.CancelWait(taskID) {
		response.Success(c, gin.H{"cancelled": true})
		return
	}
	response.Error(c, http.StatusNotFound, "任务不存在或不在等待无水印解析")
}

// extractPrompt 取最后一条用户消息作为提示词,顺带抽出内联参考图。
func extractPrompt(messages []ChatMessage) (string, []byte, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		return parseContent(messages[i].Content)
	}
	return "", nil, nil
}

func parseContent(raw json.RawMessage) (string, []byte, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text), nil, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("无法解析消息内容")
	}

	var sb strings.Builder
	var image []byte
	for _, part := range parts {
		switch part.Type {
		case "text":
			sb.WriteString(part.Text)
		case "image_url":
			data, err := decodeDataURL(part.ImageURL.URL)
			if err != nil {
				return "", nil, err
			}
			image = data
		}
	}
	return strings.TrimSpace(sb.String()), image, nil
}

// decodeDataURL 只接受 data URL 形态的内联图。
func decodeDataURL(url string) ([]byte, error) {
	idx := strings.Index(url, "base64,")
	if !strings.HasPrefix(url, "data:") || idx < 0 {
		return nil, fmt.Errorf("参考图必须是 base64 data URL")
	}
	data, err := base64.StdEncoding.DecodeString(url[idx+len("base64,"):])
	if err != nil {
		return nil, fmt.Errorf("参考图 base64 解码失败: %w", err)
	}
	return data, nil
}

func chunkBody(id, model string, created int64, delta map[string]any, finish string) map[string]any {
	choice := map[string]any{
		"index": 0,
		"delta": delta,
	}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	return map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{choice},
	}
}

func errorContent(err error) string {
	var violation *service.ContentViolationError
	if errors.As(err, &violation) {
		return "生成失败:" + violation.Error()
	}
	var timeout *service.TimeoutError
	if errors.As(err, &timeout) {
		return "生成超时,请稍后重试。"
	}
	return "生成失败:" + err.Error()
}
