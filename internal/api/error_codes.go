// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 流水线相关错误
	ErrorValidation     = "VALIDATION_ERROR"
	ErrorAlreadyRunning = "ALREADY_RUNNING"
	ErrorImageNotFound  = "IMAGE_NOT_FOUND"
)
