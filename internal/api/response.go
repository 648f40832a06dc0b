package api

import (
	"encoding/json"
	"net/http"

	coreerrors "planetchat/internal/core/errors"
	corelog "planetchat/internal/core/log"
)

// Response 统一响应信封
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody 错误响应体
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		corelog.Warnf("API: failed to encode response: %v", err)
	}
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, &Response{Success: true, Data: data})
}

func writeErrorCode(w http.ResponseWriter, code coreerrors.ErrorCode, message string) {
	writeJSON(w, statusFor(code), &Response{
		Success: false,
		Error:   &ErrorBody{Code: string(code), Message: message},
	})
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorCode(w, coreerrors.GetCode(err), err.Error())
}

// statusFor 错误码到 HTTP 状态码
func statusFor(code coreerrors.ErrorCode) int {
	switch code {
	case coreerrors.CodeAuthFailed, coreerrors.CodeInvalidToken, coreerrors.CodeTokenExpired:
		return http.StatusUnauthorized
	case coreerrors.CodeForbidden, coreerrors.CodeNotMember:
		return http.StatusForbidden
	case coreerrors.CodeNotFound, coreerrors.CodeMessageNotFound,
		coreerrors.CodeRoomNotFound, coreerrors.CodeUserNotFound:
		return http.StatusNotFound
	case coreerrors.CodeAlreadyExists, coreerrors.CodeConflict, coreerrors.CodeNotDeleted:
		return http.StatusConflict
	case coreerrors.CodeInvalidRequest, coreerrors.CodeInvalidParam,
		coreerrors.CodeMissingParam, coreerrors.CodeValidationError:
		return http.StatusBadRequest
	case coreerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case coreerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case coreerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
