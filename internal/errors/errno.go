// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"golang.org/x/sys/unix"
)

// AttrErrno is the attribute key that overrides the kind-derived errno.
const AttrErrno = "errno"

// Errno maps err to the negative errno value written back on the control
// channel. A nil error maps to 0.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	if v, ok := GetAttributes(err)[AttrErrno]; ok {
		if n, ok := v.(unix.Errno); ok {
			return -int(n)
		}
	}
	switch GetKind(err) {
	case KindPermission:
		return -int(unix.EPERM)
	case KindQuota:
		return -int(unix.EMFILE)
	case KindNotFound:
		return -int(unix.ENOENT)
	case KindValidation:
		return -int(unix.EINVAL)
	case KindResource:
		return -int(unix.ENOMEM)
	default:
		return -int(unix.EIO)
	}
}

// FromErrno rebuilds a structured error from a negative errno returned by
// the control channel.
func FromErrno(code int) error {
	if code >= 0 {
		return nil
	}
	n := unix.Errno(-code)
	var kind Kind
	switch n {
	case unix.EPERM, unix.EACCES:
		kind = KindPermission
	case unix.EMFILE:
		kind = KindQuota
	case unix.ENOENT:
		kind = KindNotFound
	case unix.EINVAL, unix.EBADF, unix.ENOTSOCK:
		kind = KindValidation
	case unix.ENOMEM:
		kind = KindResource
	default:
		kind = KindInternal
	}
	return Attr(Wrap(n, kind, kind.String()), AttrErrno, n)
}
