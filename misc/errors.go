package misc

import (
	"fmt"

	"golang.org/x/xerrors"
)

// wrapError 结构体用于包装错误信息
type wrapError struct {
	message string        // 错误消息
	next    error         // 原始错误
	frame   xerrors.Frame // 调用位置
}

// Unwrap 方法实现错误链的展开
func (e *wrapError) Unwrap() error {
	return e.next
}

// Error 方法返回格式化的错误信息
func (e *wrapError) Error() string {
	if e.message == "" {
		return e.next.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.next)
}

// Format 交给 xerrors 处理，%+v 输出调用位置
func (e *wrapError) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

// FormatError 实现 xerrors.Formatter
func (e *wrapError) FormatError(p xerrors.Printer) error {
	if e.message != "" {
		p.Print(e.message)
	}
	e.frame.Format(p)
	return e.next
}

// wrap 是一个内部函数，用于包装错误并记录调用位置
func wrap(err error, message string, skip int) error {
	if err == nil {
		return nil
	}
	return &wrapError{
		message: message,
		next:    err,
		frame:   xerrors.Caller(skip),
	}
}

// ErrorWrap 包装错误并添加额外信息
func ErrorWrap(err error, message string) error {
	return wrap(err, message, 2)
}

// ErrorWrapf 使用格式化字符串包装错误
func ErrorWrapf(err error, message string, args ...interface{}) error {
	return wrap(err, fmt.Sprintf(message, args...), 2)
}
