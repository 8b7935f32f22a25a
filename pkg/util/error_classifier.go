package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"
)

// 面向用户的处理建议
const (
	ActionTryAgain       = "try_again"
	ActionContactSupport = "contact_support"
	ActionSignIn         = "sign_in"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// IsRetryableError determines if an error is retryable
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// HTTP errors - 根据状态码判断
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch code := sc.HTTPStatus(); {
		case code == 401 || code == 403:
			return false, "unauthorized"
		case code == 429:
			return true, "rate_limited"
		case code >= 500:
			return true, "server_error"
		default:
			return false, "client_error"
		}
	}

	// Context - 超时可重试，取消不可重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	if strings.Contains(err.Error(), "connection refused") {
		return true, "network_error"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// UserAction maps an error to what the user should do about it.
// moneyMoved marks operations where the processor may already have taken
// funds; any failure there is a support case.
func UserAction(err error, moneyMoved bool) string {
	_, kind := IsRetryableError(err)
	if kind == "unauthorized" {
		return ActionSignIn
	}
	if moneyMoved {
		return ActionContactSupport
	}
	return ActionTryAgain
}
