package protocol

import (
	"encoding/json"
	"fmt"
)

// Version 是 JSON-RPC 协议版本号。
const Version = "2.0"

// JSON-RPC 标准错误码与领域扩展错误码。
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeTaskNotFound      = -32001
	CodeTaskNotCancelable = -32002
	CodeIncompatibleTypes = -32005
)

// 前门支持的方法名。
const (
	MethodTaskSend                = "task/send"
	MethodTaskSendSubscribe       = "task/sendSubscribe"
	MethodTaskGet                 = "task/get"
	MethodTaskCancel              = "task/cancel"
	MethodTaskResubscribe         = "task/resubscribe"
	MethodTaskPushNotificationSet = "task/pushNotification/set"
	MethodTaskPushNotificationGet = "task/pushNotification/get"
)

// Request 是 JSON-RPC 请求信封。Params 延迟解析，由各方法自行解码。
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error 是 JSON-RPC 错误对象。
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response 是 JSON-RPC 响应信封，result 与 error 互斥。
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// NewResponse 构造成功响应。
func NewResponse(id, result any) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse 构造错误响应。
func NewErrorResponse(id any, rpcErr *Error) Response {
	if rpcErr == nil {
		rpcErr = NewError(CodeInternalError, "internal error", nil)
	}
	return Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

// NewError 构造错误对象，message 为空时使用错误码的默认描述。
func NewError(code int, message string, data any) *Error {
	if message == "" {
		message = defaultErrorMessage(code)
	}
	return &Error{Code: code, Message: message, Data: data}
}

func defaultErrorMessage(code int) string {
	switch code {
	case CodeParseError:
		return "parse error"
	case CodeInvalidRequest:
		return "invalid request"
	case CodeMethodNotFound:
		return "method not found"
	case CodeInvalidParams:
		return "invalid parameters"
	case CodeTaskNotFound:
		return "task not found"
	case CodeTaskNotCancelable:
		return "task cannot be canceled"
	case CodeIncompatibleTypes:
		return "incompatible content types"
	default:
		return "internal error"
	}
}
