// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	appErrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/gin-gonic/gin"
)

// APIResponse 统一的API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusOK, data, message...)
}

// Accepted 已接受、后台执行中的响应
func (rh *ResponseHelper) Accepted(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusAccepted, data, message...)
}

func (rh *ResponseHelper) respond(c *gin.Context, statusCode int, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	}

	c.JSON(statusCode, response)
}

// sanitizeErrorMessage 含有密钥类信息的消息整体替换
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "secret", "token", "authorization", "bearer "} {
		if strings.Contains(lower, pattern) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}

	if len(details) > 0 {
		apiError.Details = sanitizeErrorMessage(details[0])
	}

	response := &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	c.JSON(statusCode, response)
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, code, message string, details ...string) {
	if code == "" {
		code = ErrorNotFound
	}
	rh.Error(c, http.StatusNotFound, code, message, details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, code, message string, details ...string) {
	if code == "" {
		code = ErrorConflict
	}
	rh.Error(c, http.StatusConflict, code, message, details...)
}

// ServiceError 按错误类型映射HTTP状态码
func (rh *ResponseHelper) ServiceError(c *gin.Context, err error) {
	var appError *appErrors.AppError
	message := err.Error()
	if errors.As(err, &appError) {
		message = appError.Message
	}

	switch appErrors.TypeOf(err) {
	case appErrors.ErrorTypeValidation:
		rh.Error(c, http.StatusBadRequest, ErrorValidation, message)
	case appErrors.ErrorTypeAlreadyRunning:
		rh.Conflict(c, ErrorAlreadyRunning, message)
	default:
		rh.InternalError(c, "服务内部错误", message)
	}
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
