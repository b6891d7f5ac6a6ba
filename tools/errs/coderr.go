package errs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// 错误码（客户端通过 OperationError.code 识别）
const (
	ServerInternalError = 500

	UnauthenticatedError  = 1001
	InvalidError          = 1002
	ForbiddenError        = 1003
	NotFoundError         = 1004
	DeliveryFailedError   = 1005
	TransportFailureError = 1006
)

var (
	ErrUnauthenticated  = NewCodeError(UnauthenticatedError, "Unauthenticated")
	ErrInvalid          = NewCodeError(InvalidError, "Invalid")
	ErrForbidden        = NewCodeError(ForbiddenError, "Forbidden")
	ErrNotFound         = NewCodeError(NotFoundError, "NotFound")
	ErrDeliveryFailed   = NewCodeError(DeliveryFailedError, "DeliveryFailed")
	ErrTransportFailure = NewCodeError(TransportFailureError, "TransportFailure")
	ErrInternal         = NewCodeError(ServerInternalError, "ServerInternalError")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// Wrap 附带调用栈
func (e CodeError) Wrap() error {
	return errors.WithStack(e)
}

// WrapMsg 追加 detail（msg + kv 对）并附带调用栈
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	retErr := e
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if retErr.Detail == "" {
			retErr.Detail = detail
		} else {
			retErr.Detail += ", " + detail
		}
	}
	return errors.WithStack(retErr)
}

// Is 按错误码比较，忽略 detail
func (e CodeError) Is(target error) bool {
	var codeErr CodeError
	if !errors.As(target, &codeErr) {
		return false
	}
	return e.Code == codeErr.Code
}

const initialCapacity = 3

func (e CodeError) Error() string {
	v := make([]string, 0, initialCapacity)
	v = append(v, strconv.Itoa(e.Code), e.Msg)

	if e.Detail != "" {
		v = append(v, e.Detail)
	}

	return strings.Join(v, " ")
}

// As 从错误链中取出 CodeError
func As(err error) (CodeError, bool) {
	var codeErr CodeError
	if err == nil {
		return codeErr, false
	}
	ok := errors.As(err, &codeErr)
	return codeErr, ok
}

// CodeOf 返回错误码；非 CodeError 统一视为 ServerInternalError
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return ServerInternalError
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprint(kv[i]))
		b.WriteString("=")
		if i+1 < len(kv) {
			b.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			b.WriteString("MISSING")
		}
	}
	return b.String()
}
