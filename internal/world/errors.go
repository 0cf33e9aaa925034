package world

import "fmt"

// CodedError pairs a wire error code with a human-readable message so
// failures surface to clients with a stable code.
type CodedError struct {
	Code string
	Msg  string
}

func (e *CodedError) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func codedErrorf(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// ErrCode extracts the wire code from an error, or empty for plain errors.
func ErrCode(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := err.(*CodedError); ok {
		return ce.Code
	}
	return ""
}
