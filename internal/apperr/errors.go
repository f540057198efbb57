package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// 错误码
const (
	CodeInvalidAddress        = "INVALID_ADDRESS"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeUnknownProgram        = "UNKNOWN_PROGRAM"
	CodeDuplicateClaimAddress = "DUPLICATE_CLAIM_ADDRESS"
	CodeDuplicateClaimFid     = "DUPLICATE_CLAIM_FID"
	CodeClaimInProgress       = "CLAIM_IN_PROGRESS"
	CodeInsufficientGas       = "INSUFFICIENT_GAS"
	CodeInsufficientTokens    = "INSUFFICIENT_TOKENS"
	CodeWalletPoolBusy        = "WALLET_POOL_BUSY"
	CodeApprovalFailed        = "APPROVAL_FAILED"
	CodeTxUnderpriced         = "TX_UNDERPRICED"
	CodeNonceError            = "NONCE_ERROR"
	CodeConfirmationTimeout   = "CONFIRMATION_TIMEOUT"
	CodeTxReverted            = "TX_REVERTED"
	CodeNetworkError          = "NETWORK_ERROR"
	CodeTokenCheckFailed      = "TOKEN_CHECK_FAILED"
	CodeUnknownError          = "UNKNOWN_ERROR"
	CodePrerequisiteFailed    = "PREREQUISITE_FAILED"
	CodeAmountUnavailable     = "AMOUNT_UNAVAILABLE"
	CodeDatabaseError         = "DATABASE_ERROR"
)

// AppError 业务错误, 携带错误码和可选的交易哈希
type AppError struct {
	Code    string
	Message string
	Err     error
	TxHash  string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithTx 附带交易哈希
func (e *AppError) WithTx(txHash string) *AppError {
	e.TxHash = txHash
	return e
}

// As 取出错误链中的 AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf 返回错误码, 非 AppError 时按消息归类
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return Classify(err).Code
}

// Classify 把底层错误 (RPC, 网络) 归类为 AppError
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "underpriced"), strings.Contains(msg, "fee too low"):
		return New(CodeTxUnderpriced, "transaction underpriced", err)
	case strings.Contains(msg, "nonce"):
		return New(CodeNonceError, "nonce error", err)
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return New(CodeNetworkError, "request timed out", err)
	case strings.Contains(msg, "connection"), strings.Contains(msg, "eof"), strings.Contains(msg, "no such host"):
		return New(CodeNetworkError, "network error", err)
	case strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "rate limit"):
		return New(CodeNetworkError, "rate limited", err)
	case strings.Contains(msg, "insufficient funds"):
		return New(CodeInsufficientGas, "insufficient funds for gas", err)
	case strings.Contains(msg, "reverted"):
		return New(CodeTxReverted, "transaction reverted", err)
	default:
		return New(CodeUnknownError, "unknown error", err)
	}
}

var retryableCodes = map[string]bool{
	CodeWalletPoolBusy:      true,
	CodeApprovalFailed:      true,
	CodeTxUnderpriced:       true,
	CodeNonceError:          true,
	CodeConfirmationTimeout: true,
	CodeTxReverted:          true,
	CodeNetworkError:        true,
	CodeTokenCheckFailed:    true,
	CodeUnknownError:        true,
	CodeDatabaseError:       true,
}

var terminalCodes = map[string]bool{
	CodeInvalidAddress:        true,
	CodeInvalidRequest:        true,
	CodeUnknownProgram:        true,
	CodeDuplicateClaimAddress: true,
	CodeDuplicateClaimFid:     true,
	CodeInsufficientGas:       true,
	CodeInsufficientTokens:    true,
	CodePrerequisiteFailed:    true,
	CodeAmountUnavailable:     true,
}

// IsRetryable 显式白名单/黑名单, 未知码按可重试处理
func IsRetryable(err error) bool {
	code := CodeOf(err)
	if terminalCodes[code] {
		return false
	}
	if retryableCodes[code] {
		return true
	}
	return code != ""
}

// IsValidation 校验类错误不写入失败账本
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidAddress, CodeInvalidRequest, CodeUnknownProgram:
		return true
	}
	return false
}

// IsDuplicate 重复领取
func IsDuplicate(err error) bool {
	switch CodeOf(err) {
	case CodeDuplicateClaimAddress, CodeDuplicateClaimFid:
		return true
	}
	return false
}

// HTTPStatus 错误码到 HTTP 状态码
func HTTPStatus(err error) int {
	code := CodeOf(err)
	switch code {
	case CodeInvalidAddress, CodeInvalidRequest, CodeUnknownProgram:
		return http.StatusBadRequest
	case CodeDuplicateClaimAddress, CodeDuplicateClaimFid, CodeClaimInProgress:
		return http.StatusConflict
	case CodeInsufficientGas, CodeInsufficientTokens, CodeAmountUnavailable:
		return http.StatusServiceUnavailable
	case CodePrerequisiteFailed:
		return http.StatusForbidden
	case CodeDatabaseError:
		return http.StatusInternalServerError
	}
	if IsRetryable(err) {
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}
