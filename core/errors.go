package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind 错误分类，处理器据此决定返回给调用方的信息
type ErrorKind string

const (
	// KindDownload 下载工具非零退出
	KindDownload ErrorKind = "download"
	// KindModelUnavailable 启动时模型未能加载
	KindModelUnavailable ErrorKind = "model_unavailable"
	// KindStoreUnavailable 启动时向量库未能初始化
	KindStoreUnavailable ErrorKind = "store_unavailable"
	// KindStore 向量库读写失败
	KindStore ErrorKind = "store"
	// KindUpstreamLLM LLM 接口调用失败
	KindUpstreamLLM ErrorKind = "upstream_llm"
	// KindInternal 其他未分类错误
	KindInternal ErrorKind = "internal"
)

// Error carries a kind, a human-readable message and the underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Detail 返回给 HTTP 调用方的说明文字
func (e *Error) Detail() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// NewError wraps cause with a kind. A nil cause yields a message-only error.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func DownloadFailed(stderr string, cause error) *Error {
	if stderr == "" && cause != nil {
		stderr = cause.Error()
	}
	return &Error{Kind: KindDownload, Message: "Video download failed", Cause: errors.New(stderr)}
}

func ModelUnavailable(what string) *Error {
	return &Error{Kind: KindModelUnavailable, Message: what + " not loaded."}
}

func StoreUnavailable() *Error {
	return &Error{Kind: KindStoreUnavailable, Message: "Vector store not initialized."}
}

func StoreFailed(op string, cause error) *Error {
	return &Error{Kind: KindStore, Message: "Error " + op + " embeddings", Cause: cause}
}

func LLMFailed(cause error) *Error {
	return &Error{Kind: KindUpstreamLLM, Message: "Error calling LM Studio LLM", Cause: cause}
}

func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Cause: cause}
}

// AsError 取出错误链中的 *Error；普通错误被归为 KindInternal
func AsError(err error, fallbackMsg string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(fallbackMsg, err)
}

// KindOf classifies err. Errors without a kind are internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in err's chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
