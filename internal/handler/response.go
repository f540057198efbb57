package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
)

// SuccessResponse 成功响应
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// ErrorResponse 错误响应
func ErrorResponse(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, Response{
		Success: false,
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// AppErrorResponse 按错误码选择状态码, data 可携带已入队等附加信息
func AppErrorResponse(c *gin.Context, err error, data interface{}) {
	appErr := apperr.Classify(err)
	c.JSON(apperr.HTTPStatus(err), Response{
		Success: false,
		Code:    appErr.Code,
		Message: appErr.Message,
		TxHash:  appErr.TxHash,
		Data:    data,
	})
}
