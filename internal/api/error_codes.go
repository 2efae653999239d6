// internal/api/error_codes.go
package api

// API 错误代码
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 会话相关
	ErrorSessionNotFound = "SESSION_NOT_FOUND"

	// 向导相关
	ErrorWizardIncomplete = "WIZARD_INCOMPLETE"
	ErrorWizardLocked     = "WIZARD_LOCKED"
	ErrorFieldInvalid     = "FIELD_INVALID"

	// 生成相关
	ErrorDescriptionEmpty   = "DESCRIPTION_EMPTY"
	ErrorNoResult           = "NO_RESULT"
	ErrorTaskNotFound       = "TASK_NOT_FOUND"
	ErrorGenerationCanceled = "GENERATION_CANCELLED"

	// 下载相关
	ErrorViewInvalid    = "VIEW_INVALID"
	ErrorDownloadFailed = "DOWNLOAD_FAILED"
	ErrorImageNotFound  = "IMAGE_NOT_FOUND"

	// 设置相关
	ErrorConfigInvalid = "CONFIG_INVALID"
)
