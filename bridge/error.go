// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package bridge

import (
	"fmt"
	"syscall"
)

// IOError is the only kind of error the echo endpoint raises. Op names the
// socket operation that failed and Errno carries the platform error code,
// so the rendered message pairs the operation with the OS error text the
// same way on every path.
type IOError struct {
	Op    string
	Errno syscall.Errno
}

var _ error = &IOError{}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errno.Error())
}

// Unwrap exposes the errno so that callers can match on sentinel values
// with errors.Is.
func (e *IOError) Unwrap() error {
	return e.Errno
}
