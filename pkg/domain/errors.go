package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures. None of them are retried.
type ErrorKind int

const (
	// KindConfiguration covers invalid model files or settings; fatal at construction.
	KindConfiguration ErrorKind = iota + 1
	// KindOperation covers invalid call input or broken shape invariants.
	KindOperation
	// KindUpstream wraps tokenizer, runtime, serialization and I/O failures.
	KindUpstream
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrOperation     = errors.New("operation error")
	ErrUpstream      = errors.New("upstream error")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindOperation:
		return ErrOperation
	default:
		return ErrUpstream
	}
}

func (k ErrorKind) String() string {
	return k.sentinel().Error()
}

// Error is the single error type returned across the module.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels so callers can use errors.Is(err, ErrOperation).
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func ConfigError(op string, format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

func OperationError(op string, format string, args ...any) error {
	return &Error{Kind: KindOperation, Op: op, Err: fmt.Errorf(format, args...)}
}

// UpstreamError wraps err unless it already carries a kind, in which case the
// original classification is kept and only the op is prefixed.
func UpstreamError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: KindUpstream, Op: op, Err: err}
}
