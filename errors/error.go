package errors

import (
	stderrors "errors"
)

import (
	"github.com/pkg/errors"
)

// The kinds of failure callers are expected to tell apart. Match them
// with Is, the errors returned by this module wrap them.
var (
	OutOfMemory       = stderrors.New("out of memory")
	KeyNotFound       = stderrors.New("key not found")
	RegionUnavailable = stderrors.New("region unavailable")
	AllocatorMismatch = stderrors.New("allocator mismatch")
	DoubleFree        = stderrors.New("double free")
	Corrupt           = stderrors.New("corrupt region")
)

// Errorf formats an error and records the stack it was created on. Use
// %+v to print the stack.
func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrapf annotates one of the error kinds (or any other error) with a
// message and a stack trace. The result still matches the kind with Is.
func Wrapf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Is(err, kind error) bool {
	return stderrors.Is(err, kind)
}

func Cause(err error) error {
	return errors.Cause(err)
}
