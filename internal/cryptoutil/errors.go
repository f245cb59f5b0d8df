package cryptoutil

import "fmt"

// ParamError is returned for invalid crypto parameters: unknown key kinds,
// empty SAN lists, and similar caller mistakes. It is never retried.
type ParamError struct {
	Op  string
	Err error
}

func (e *ParamError) Error() string { return fmt.Sprintf("cryptoutil: %s: %v", e.Op, e.Err) }
func (e *ParamError) Unwrap() error { return e.Err }

func paramErrorf(op, format string, v ...interface{}) error {
	return &ParamError{Op: op, Err: fmt.Errorf(format, v...)}
}

// InternalError wraps faults surfaced by the underlying crypto/x509/pemutil
// libraries (key generation failures, malformed PEM, ASN.1 errors).
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string { return fmt.Sprintf("cryptoutil: %s: %v", e.Op, e.Err) }
func (e *InternalError) Unwrap() error { return e.Err }

func internalErrorf(op string, err error) error {
	return &InternalError{Op: op, Err: err}
}
