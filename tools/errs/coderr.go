package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Error codes carried to clients inside `error` events.
const (
	CodePolicyViolation = 1008
	CodeProtocol        = 4000
	CodeValidation      = 4001
	CodeNotFound        = 4004
	CodeRateLimited     = 4029
	CodeCollaborator    = 5000
	ServerInternalError = 5001
)

var (
	ErrPolicyViolation = NewCodeError(CodePolicyViolation, "policy violation")
	ErrProtocol        = NewCodeError(CodeProtocol, "protocol error")
	ErrValidation      = NewCodeError(CodeValidation, "validation failed")
	ErrNotFound        = NewCodeError(CodeNotFound, "not found")
	ErrRateLimited     = NewCodeError(CodeRateLimited, "rate limit exceeded")
	ErrCollaborator    = NewCodeError(CodeCollaborator, "upstream failure")
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
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// Wrap attaches a stack trace.
func (e CodeError) Wrap() error {
	return pkgerrors.WithStack(e)
}

// WrapMsg clones e, appends msg and key/value pairs to its detail and attaches a stack.
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	ret := e
	if msg != "" || len(kv) > 0 {
		ret = e.WithDetail(toString(msg, kv))
	}
	return pkgerrors.WithStack(ret)
}

// Is matches any error in err's chain carrying the same code.
func (e CodeError) Is(err error) bool {
	var codeErr CodeError
	if !errors.As(err, &codeErr) {
		return false
	}
	return codeErr.Code == e.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Message is the client-facing text: the detail when present, else the generic message.
func (e CodeError) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Msg
}

// AsCode extracts the CodeError from err's chain. Errors without one map to fallback.
func AsCode(err error, fallback CodeError) CodeError {
	var codeErr CodeError
	if errors.As(err, &codeErr) {
		return codeErr
	}
	if err == nil {
		return fallback
	}
	return fallback.WithDetail(err.Error())
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}
