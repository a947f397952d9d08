// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 输入与配置
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeConfig     ErrorType = "config_error"

	// 外部服务
	ErrorTypeTransport ErrorType = "transport_error"
	ErrorTypeNoOutput  ErrorType = "no_output"
	ErrorTypeModel     ErrorType = "model_error"

	// 流水线状态
	ErrorTypeAlreadyRunning ErrorType = "already_running"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewConfigError 工作流模板缺失或注入点无法解析
func NewConfigError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConfig, message, originalError)
}

// NewTransportError 网络或通知通道故障
func NewTransportError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTransport, message, originalError)
}

// NewNoOutputError 渲染任务完成但没有产出图片
func NewNoOutputError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNoOutput, message, originalError)
}

// NewModelError 语言模型调用失败
func NewModelError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeModel, message, originalError)
}

// NewAlreadyRunningError 已有流水线在运行
func NewAlreadyRunningError(message string) *AppError {
	return NewAppError(ErrorTypeAlreadyRunning, message, nil)
}

// TypeOf 返回错误链中第一个 AppError 的类型，没有则返回空字符串
func TypeOf(err error) ErrorType {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	return ""
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

// IsConfigError 检查是否为配置错误
func IsConfigError(err error) bool {
	return TypeOf(err) == ErrorTypeConfig
}

// IsTransportError 检查是否为传输错误
func IsTransportError(err error) bool {
	return TypeOf(err) == ErrorTypeTransport
}

// IsNoOutputError 检查是否为无输出错误
func IsNoOutputError(err error) bool {
	return TypeOf(err) == ErrorTypeNoOutput
}

// IsModelError 检查是否为模型错误
func IsModelError(err error) bool {
	return TypeOf(err) == ErrorTypeModel
}

// IsAlreadyRunningError 检查是否为重复启动错误
func IsAlreadyRunningError(err error) bool {
	return TypeOf(err) == ErrorTypeAlreadyRunning
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeConfig:
		return "CONFIG_ERROR"
	case ErrorTypeTransport:
		return "TRANSPORT_ERROR"
	case ErrorTypeNoOutput:
		return "NO_OUTPUT"
	case ErrorTypeModel:
		return "MODEL_ERROR"
	case ErrorTypeAlreadyRunning:
		return "ALREADY_RUNNING"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，保留原类型，只追加上下文
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
