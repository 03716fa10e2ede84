package rpc

import (
	"errors"
	"fmt"

	"serva/internal/fsutil"
)

// Code is a gRPC status code. Only the ones this service emits are named.
type Code uint32

const (
	OK                Code = 0
	InvalidArgument   Code = 3
	PermissionDenied  Code = 7
	ResourceExhausted Code = 8
	Unimplemented     Code = 12
	Internal          Code = 13
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case PermissionDenied:
		return "PermissionDenied"
	case ResourceExhausted:
		return "ResourceExhausted"
	case Unimplemented:
		return "Unimplemented"
	case Internal:
		return "Internal"
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Status is an RPC outcome. A *Status is also an error so handlers can
// return one directly to pick the code.
type Status struct {
	Code    Code
	Message string
}

func (s *Status) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", s.Code, s.Message)
}

func statusErrorf(c Code, format string, args ...any) *Status {
	return &Status{Code: c, Message: fmt.Sprintf(format, args...)}
}

var statusOK = &Status{Code: OK}

func statusFromError(err error) *Status {
	if err == nil {
		return statusOK
	}
	var st *Status
	if errors.As(err, &st) {
		return st
	}
	if errors.Is(err, fsutil.ErrPathEscape) {
		return &Status{Code: PermissionDenied, Message: err.Error()}
	}
	return &Status{Code: Internal, Message: err.Error()}
}
