package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构：code 为 0 表示成功，其余为业务码
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Pagination 分页元数据
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// PageData 分页响应数据
type PageData struct {
	List       interface{} `json:"list"`
	Pagination Pagination  `json:"pagination"`
}

const (
	codeOK         = 0
	codeInternal   = 50000
	messageSuccess = "success"
)

func write(c *gin.Context, status, code int, message string, data interface{}) {
	c.JSON(status, Response{Code: code, Message: message, Data: data})
}

// ── 成功响应 ──

// OK 200 成功响应
func OK(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, codeOK, messageSuccess, data)
}

// Created 201 创建成功
func Created(c *gin.Context, data interface{}) {
	write(c, http.StatusCreated, codeOK, messageSuccess, data)
}

// OKPage 200 分页成功
func OKPage(c *gin.Context, list interface{}, total int64, page, pageSize int) {
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	write(c, http.StatusOK, codeOK, messageSuccess, PageData{
		List:       list,
		Pagination: Pagination{Page: page, PageSize: pageSize, Total: total, TotalPages: pages},
	})
}

// Partial 200 部分成功：业务码非 0，data 携带逐项结果
func Partial(c *gin.Context, code int, message string, data interface{}) {
	write(c, http.StatusOK, code, message, data)
}

// ── 错误响应 ──

// Error 通用错误响应
func Error(c *gin.Context, httpStatus int, code int, message string) {
	write(c, httpStatus, code, message, nil)
}

// ErrorWithData 带数据的错误响应：写入已部分生效时，调用方仍需要最新状态
func ErrorWithData(c *gin.Context, httpStatus int, code int, message string, data interface{}) {
	write(c, httpStatus, code, message, data)
}

// ── 常见快捷方式 ──

// BadRequest 400
func BadRequest(c *gin.Context, code int, message string) {
	Error(c, http.StatusBadRequest, code, message)
}

// Unauthorized 401
func Unauthorized(c *gin.Context, code int, message string) {
	Error(c, http.StatusUnauthorized, code, message)
}

// Forbidden 403
func Forbidden(c *gin.Context, code int, message string) {
	Error(c, http.StatusForbidden, code, message)
}

// NotFound 404
func NotFound(c *gin.Context, code int, message string) {
	Error(c, http.StatusNotFound, code, message)
}

// Conflict 409 状态冲突、并发修改
func Conflict(c *gin.Context, code int, message string) {
	Error(c, http.StatusConflict, code, message)
}

// InternalError 500
func InternalError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, codeInternal, "服务器内部错误")
}
