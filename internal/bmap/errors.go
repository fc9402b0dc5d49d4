package bmap

import (
	"errors"
	"fmt"
)

// Code is the error number carried in an 'f' record
type Code uint8

// Error codes understood by clients
const (
	CodeTooBig                Code = 5
	CodeUpstreamConnectFailed Code = 6
	CodeCacheLockFailed       Code = 7
	CodeUpstreamMalformed     Code = 8
	CodeNoData                Code = 9
)

var defaultMessages = map[Code]string{
	CodeTooBig:                "The tile is too big, or contains too much data",
	CodeUpstreamConnectFailed: "Couldn't connect to API server",
	CodeCacheLockFailed:       "Couldn't lock data file -- check file/directory permissions",
	CodeUpstreamMalformed:     "XML Error",
	CodeNoData:                "No Data",
}

// DefaultMessage returns the stock client message of a code
func (c Code) DefaultMessage() string {
	if msg, ok := defaultMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("Error %d", uint8(c))
}

func (c Code) String() string {
	switch c {
	case CodeTooBig:
		return "too_big"
	case CodeUpstreamConnectFailed:
		return "upstream_connect"
	case CodeCacheLockFailed:
		return "cache_lock"
	case CodeUpstreamMalformed:
		return "upstream_malformed"
	case CodeNoData:
		return "no_data"
	}
	return fmt.Sprintf("code_%d", uint8(c))
}

// Error is a failure that aborts a tile build and is reported to the
// client as a single 'f' record
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.DefaultMessage()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClientMessage returns the text sent to the client
func (e *Error) ClientMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.DefaultMessage()
}

// NewError wraps err with a code and the code's stock message
func NewError(code Code, err error) *Error {
	return &Error{Code: code, Message: code.DefaultMessage(), Err: err}
}

// Errorf creates an error with a formatted client message. A %w verb in the
// format is kept as the wrapped cause.
func Errorf(code Code, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: err.Error(), Err: errors.Unwrap(err)}
}

// AsError finds the first *Error in err's chain
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
