// Package handler 提供 HTTP 请求处理
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	bizerrors "github.com/securitize-io/dstoken-sub004/pkg/errors"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
)

// SuccessCode 成功响应码
const SuccessCode = "OK"

// Response 统一响应结构
type Response struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Data    interface{}       `json:"data,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// PagedData 分页数据
type PagedData struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{Code: SuccessCode, Message: "success", Data: data})
}

// SuccessPaged 返回分页响应
func SuccessPaged(c *gin.Context, items interface{}, total int64, page, pageSize int) {
	Success(c, &PagedData{Items: items, Total: total, Page: page, PageSize: pageSize})
}

// Error 返回业务错误响应，非业务错误按哨兵错误映射
func Error(c *gin.Context, err error) {
	e := bizerrors.FromError(err)
	status := e.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", e.Code),
			zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, &Response{Code: e.Code, Message: e.Message, Details: e.Details})
}

// BadRequest 返回参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, bizerrors.ErrInvalidRequest.WithMessagef("%s", message))
}

// GetTraceID 从 context 获取 TraceID
func GetTraceID(c *gin.Context) string {
	traceID, _ := c.Get("trace_id")
	if t, ok := traceID.(string); ok {
		return t
	}
	return ""
}
