package errors

// 预定义哨兵错误（用于 errors.Is 比较）
// 这些错误用于快速类型检查，不包含详细信息
var (
	// 认证相关
	ErrAuthFailed   = New(CodeAuthFailed, "authentication failed")
	ErrInvalidToken = New(CodeInvalidToken, "invalid token")
	ErrTokenExpired = New(CodeTokenExpired, "token expired")

	// 资源不存在
	ErrNotFound        = New(CodeNotFound, "resource not found")
	ErrMessageNotFound = New(CodeMessageNotFound, "message not found")
	ErrRoomNotFound    = New(CodeRoomNotFound, "room not found")
	ErrUserNotFound    = New(CodeUserNotFound, "user not found")

	// 资源冲突
	ErrAlreadyExists = New(CodeAlreadyExists, "resource already exists")
	ErrConflict      = New(CodeConflict, "resource conflict")
	ErrNotDeleted    = New(CodeNotDeleted, "message is not deleted")

	// 请求错误
	ErrInvalidRequest  = New(CodeInvalidRequest, "invalid request")
	ErrInvalidParam    = New(CodeInvalidParam, "invalid parameter")
	ErrMissingParam    = New(CodeMissingParam, "missing required parameter")
	ErrValidationError = New(CodeValidationError, "validation error")

	// 权限错误
	ErrForbidden   = New(CodeForbidden, "access forbidden")
	ErrNotMember   = New(CodeNotMember, "not a member of this room")
	ErrRateLimited = New(CodeRateLimited, "rate limit exceeded")

	// 系统错误
	ErrInternal     = New(CodeInternal, "internal error")
	ErrStorageError = New(CodeStorageError, "storage error")
	ErrTimeout      = New(CodeTimeout, "operation timeout")
	ErrUnavailable  = New(CodeUnavailable, "service unavailable")
)
