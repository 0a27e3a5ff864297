// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"golang.org/x/sys/unix"
)

// StatusError carries an errno-style status together with the text that
// is returned to a control client. Reply codes are the negated errno.
type StatusError struct {
	// Errno is the status class of the failure
	Errno unix.Errno

	// Message is the human-readable text placed in the reply
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Errno.Error()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StatusError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, unix.ENOENT) match a StatusError of that class.
func (e *StatusError) Is(target error) bool {
	var errno unix.Errno
	if errors.As(target, &errno) {
		return errno == e.Errno
	}
	return false
}

// Status returns a StatusError with a formatted message.
func Status(errno unix.Errno, format string, args ...interface{}) error {
	return &StatusError{Errno: errno, Message: fmt.Sprintf(format, args...)}
}

// WrapStatus attaches an errno class and message to an existing error.
// If err is nil, returns nil.
func WrapStatus(err error, errno unix.Errno, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &StatusError{Errno: errno, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Errno classifies err into an errno value. A nil error is 0.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Errno
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return unix.ENOENT
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return unix.EINVAL
	}

	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return unix.EINVAL
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, fs.ErrPermission):
		return unix.EACCES
	case errors.Is(err, fs.ErrExist):
		return unix.EEXIST
	case errors.Is(err, context.DeadlineExceeded):
		return unix.ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return unix.ECANCELED
	}
	return unix.EIO
}

// Code returns the reply status for err: 0 on success, -errno otherwise.
func Code(err error) int {
	if err == nil {
		return 0
	}
	return -int(Errno(err))
}
