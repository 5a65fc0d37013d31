// Copyright 2024 The zdbfs Authors.
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

// Package zdbfserr defines the sentinel error kinds the filesystem
// operation engine (internal/fs) returns internally, and the table that
// bridges each one to the syscall.Errno the kernel actually sees. Callers of
// internal/zdb and internal/codec return these directly rather than ad hoc
// fmt.Errorf values, so internal/mount has one place to translate into the
// errno fuseops expects back in an Op's error field — the same role
// fuse.ENOENT/fuse.EEXIST play when fs/fs.go assigns them directly.
package zdbfserr

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind identifies one of the error categories from the error-handling design.
type Kind int

const (
	// KindNotFound means the requested entry, inode, or block does not exist.
	KindNotFound Kind = iota
	// KindNotDirectory means an operation expected a directory inode.
	KindNotDirectory
	// KindIsDirectory means an operation expected a non-directory inode.
	KindIsDirectory
	// KindNotEmpty means an rmdir target still has entries.
	KindNotEmpty
	// KindExists means a create/mkdir/symlink target already exists.
	KindExists
	// KindNoSpace means a write would grow a file past the configured
	// filesystem size.
	KindNoSpace
	// KindIO means the backend connection failed or returned a protocol error.
	KindIO
	// KindCorrupt means a stored record failed to deserialize.
	KindCorrupt
	// KindUnsupported means the operation is not implemented (e.g. a kernel
	// op the mount dispatcher does not handle).
	KindUnsupported
	// KindInvalid means the caller passed an argument the operation rejects
	// (e.g. an empty or over-long name).
	KindInvalid
)

var errnoByKind = map[Kind]syscall.Errno{
	KindNotFound:     syscall.ENOENT,
	KindNotDirectory: syscall.ENOTDIR,
	KindIsDirectory:  syscall.EISDIR,
	KindNotEmpty:     syscall.ENOTEMPTY,
	KindExists:       syscall.EEXIST,
	KindNoSpace:      syscall.ENOSPC,
	KindIO:           syscall.EIO,
	KindCorrupt:      syscall.EIO,
	KindUnsupported:  syscall.ENOSYS,
	KindInvalid:      syscall.EINVAL,
}

// Error is a zdbfs error: a Kind plus the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, kindNames[e.Kind], e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, kindNames[e.Kind])
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errno returns the syscall.Errno the kernel should see for this error, per
// the error-handling design's kind-to-errno table.
func (e *Error) Errno() syscall.Errno {
	if errno, ok := errnoByKind[e.Kind]; ok {
		return errno
	}
	return syscall.EIO
}

var kindNames = map[Kind]string{
	KindNotFound:     "not found",
	KindNotDirectory: "not a directory",
	KindIsDirectory:  "is a directory",
	KindNotEmpty:     "directory not empty",
	KindExists:       "already exists",
	KindNoSpace:      "no space left on backend",
	KindIO:           "backend I/O error",
	KindCorrupt:      "corrupt record",
	KindUnsupported:  "not supported",
	KindInvalid:      "invalid argument",
}

// New builds an *Error of the given kind for op, wrapping cause if non-nil.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func NotFound(op string) error     { return New(KindNotFound, op, nil) }
func NotDirectory(op string) error { return New(KindNotDirectory, op, nil) }
func IsDirectory(op string) error  { return New(KindIsDirectory, op, nil) }
func NotEmpty(op string) error     { return New(KindNotEmpty, op, nil) }
func Exists(op string) error       { return New(KindExists, op, nil) }
func NoSpace(op string) error      { return New(KindNoSpace, op, nil) }
func Unsupported(op string) error  { return New(KindUnsupported, op, nil) }
func Invalid(op string) error      { return New(KindInvalid, op, nil) }

func IO(op string, cause error) error      { return New(KindIO, op, cause) }
func Corrupt(op string, cause error) error { return New(KindCorrupt, op, cause) }

// Is reports whether err (or something it wraps) is a zdbfs error of kind k.
func Is(err error, k Kind) bool {
	var ze *Error
	if errors.As(err, &ze) {
		return ze.Kind == k
	}
	return false
}

// ToErrno converts any error into the syscall.Errno the kernel should see.
// A *zdbfserr.Error reports its mapped errno; any other non-nil error is
// treated as an opaque I/O failure.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var ze *Error
	if errors.As(err, &ze) {
		return ze.Errno()
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
