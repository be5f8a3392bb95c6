package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/securitize-io/dstoken-sub004/pkg/eip712"
	"github.com/securitize-io/dstoken-sub004/pkg/signer"
)

// Error 业务错误
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]string, 1)
	}
	c.Details[key] = value
	return c
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	c := e.clone()
	c.Message = fmt.Sprintf(format, args...)
	return c
}

func (e *Error) clone() *Error {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// MarshalJSON 实现 json.Marshaler
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(&struct {
		*alias
		Error string `json:"error,omitempty"`
	}{
		alias: (*alias)(e),
		Error: e.Error(),
	})
}

// NewWithStatus 创建带状态码的错误
func NewWithStatus(code, message string, httpStatus int, grpcCode codes.Code) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
	}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	c := err.clone()
	c.Cause = cause
	return c
}

// 通用错误码
var (
	ErrInternal       = NewWithStatus("INTERNAL", "内部错误", http.StatusInternalServerError, codes.Internal)
	ErrInvalidRequest = NewWithStatus("INVALID_REQUEST", "请求参数无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrNotFound       = NewWithStatus("NOT_FOUND", "资源不存在", http.StatusNotFound, codes.NotFound)
	ErrTimeout        = NewWithStatus("TIMEOUT", "请求超时", http.StatusGatewayTimeout, codes.DeadlineExceeded)
	ErrCanceled       = NewWithStatus("CANCELED", "请求已取消", 499, codes.Canceled)
)

// 签名授权错误码
var (
	ErrInvalidInputLength = NewWithStatus("INVALID_INPUT_LENGTH", "地址或哈希长度无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrValueOverflow      = NewWithStatus("VALUE_OVERFLOW", "数值超出 uint256 范围", http.StatusBadRequest, codes.OutOfRange)
	ErrLayoutMismatch     = NewWithStatus("LAYOUT_MISMATCH", "参数与摘要布局不匹配", http.StatusBadRequest, codes.InvalidArgument)
	ErrSigningUnavailable = NewWithStatus("SIGNING_UNAVAILABLE", "签名服务不可用", http.StatusServiceUnavailable, codes.Unavailable)
	ErrNoSigners          = NewWithStatus("NO_SIGNERS", "未指定签名者", http.StatusBadRequest, codes.InvalidArgument)
	ErrNonceReused        = NewWithStatus("NONCE_REUSED", "Nonce 已用于其他动作", http.StatusConflict, codes.AlreadyExists)
	ErrInvalidStatus      = NewWithStatus("INVALID_STATUS", "授权状态不允许该操作", http.StatusConflict, codes.FailedPrecondition)
	ErrThresholdNotMet    = NewWithStatus("THRESHOLD_NOT_MET", "签名未满足多签要求", http.StatusUnprocessableEntity, codes.FailedPrecondition)
	ErrChainUnavailable   = NewWithStatus("CHAIN_UNAVAILABLE", "区块链节点不可用", http.StatusBadGateway, codes.Unavailable)
)

// sentinelCodes 核心包哨兵错误到业务错误码
var sentinelCodes = []struct {
	sentinel error
	code     *Error
}{
	{eip712.ErrInvalidInputLength, ErrInvalidInputLength},
	{eip712.ErrValueOverflow, ErrValueOverflow},
	{eip712.ErrLayoutMismatch, ErrLayoutMismatch},
	{signer.ErrValueOverflow, ErrValueOverflow},
	{signer.ErrNoSigners, ErrNoSigners},
	{signer.ErrThresholdNotMet, ErrThresholdNotMet},
	{signer.ErrSigningUnavailable, ErrSigningUnavailable},
	{context.DeadlineExceeded, ErrTimeout},
	{context.Canceled, ErrCanceled},
}

// FromError 从标准错误转换
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}

	for _, s := range sentinelCodes {
		if errors.Is(err, s.sentinel) {
			return Wrap(s.code, err)
		}
	}

	return Wrap(ErrInternal, err)
}

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	e := FromError(err)
	return status.Error(e.GRPCCode, e.Error())
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if e := FromError(err); e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	return FromError(err).Code
}
