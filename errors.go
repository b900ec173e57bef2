package main

import "fmt"

// ConnectionError indicates a backend connection could not be established or
// resolved: unknown connection name, bad credentials, unreachable host.
type ConnectionError struct {
	Msg   string
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func connectionErrorf(cause error, format string, args ...any) *ConnectionError {
	return &ConnectionError{Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// QueryError indicates a single query operation failed: guard rejection,
// backend execution failure, timeout, or unsupported introspection.
type QueryError struct {
	Msg   string
	Cause error
}

func (e *QueryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *QueryError) Unwrap() error { return e.Cause }

func queryErrorf(cause error, format string, args ...any) *QueryError {
	return &QueryError{Msg: fmt.Sprintf(format, args...), Cause: cause}
}
