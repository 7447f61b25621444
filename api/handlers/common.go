package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/BaSui01/chimera/scheduler"
	"github.com/BaSui01/chimera/types"
	"go.uber.org/zap"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string            `json:"code"`
	Kind      string            `json:"kind,omitempty"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 头已写出，编码失败无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入 200 成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteStatus(w, http.StatusOK, data)
}

// WriteStatus 以指定状态码写入成功响应
func WriteStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 按错误分类写入错误响应。状态码由 types.HTTPStatusOf 决定，
// 未标记的错误一律 500 且不暴露内部信息。
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status := types.HTTPStatusOf(err)
	info := &ErrorInfo{
		Code:    string(types.ErrInternal),
		Message: "internal error",
	}
	if e, ok := types.AsError(err); ok {
		info.Code = string(e.Code)
		info.Kind = string(types.KindOf(err))
		info.Message = e.Message
		info.Retryable = e.Retryable
	}
	var ve *scheduler.ValidationError
	if errors.As(err, &ve) {
		info.Fields = ve.Fields
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", info.Code),
			zap.Int("status", status),
			zap.Error(err),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Debug("API error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入简单的校验类错误
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// =============================================================================
// 🛡️ 请求解码
// =============================================================================

// DecodeJSONBody 严格解码 JSON 请求体：拒绝未知字段与多余内容。
// 失败时已写出 400 响应，调用方直接返回即可。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			e := types.NewValidationError("Content-Type must be application/json").
				WithHTTPStatus(http.StatusUnsupportedMediaType)
			WriteError(w, e, logger)
			return e
		}
	}
	if r.Body == nil || r.Body == http.NoBody {
		e := types.NewValidationError("request body is empty")
		WriteError(w, e, logger)
		return e
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		e := types.NewValidationError("invalid JSON body: " + err.Error()).WithCause(err)
		WriteError(w, e, logger)
		return e
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		e := types.NewValidationError("request body must contain a single JSON object")
		WriteError(w, e, logger)
		return e
	}
	return nil
}
