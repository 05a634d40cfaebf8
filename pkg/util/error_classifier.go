package util

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// quotaKeywords 命中任意一个即视为配额类错误
var quotaKeywords = []string{
	"quota",
	"quota exceeded",
	"429",
	"rate limit",
	"token",
	"billing",
	"quota_exceeded",
	"resource_exhausted",
	"exceeded",
}

// IsQuotaError reports whether the error text looks like a quota, billing or
// rate-limit failure from the model provider.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range quotaKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// IsTransientIOError reports filesystem errors that usually clear up on their
// own: permission races with another writer, busy or locked files.
func IsTransientIOError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EBUSY, syscall.EAGAIN, syscall.EINTR, syscall.EACCES:
			return true
		}
	}
	return false
}

// ClassifyError determines if an error is retryable
// Returns: (isRetryable, errorType)
func ClassifyError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	if IsQuotaError(err) {
		return true, "quota"
	}

	// Network errors - 可重试
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	if IsTransientIOError(err) {
		return true, "transient_io"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}
