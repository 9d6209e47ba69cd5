package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码
const (
	CodeInsufficientBalance = 2001 // 扣款会使余额为负，调用方可提示用户
	CodeInvalidActivity     = 2002 // 未知的 (档位, 活动) 组合
	CodePriceMismatch       = 2003 // 兑换金额与目录价格不一致
	CodeVendorUnavailable   = 2004 // 供应商调用失败（已完成补偿）
	CodeStoreBusy           = 2005 // 余额事务冲突重试耗尽，可整体重试
	CodeGiftNotFound        = 2006 // 礼品不存在
	CodeInvalidPhone        = 2007 // 收件人手机号格式非法
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Created 资源创建成功（获取/消费成功落流水时使用）
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
