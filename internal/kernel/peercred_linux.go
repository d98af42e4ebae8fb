// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"net"

	"golang.org/x/sys/unix"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/qtaguid"
)

// PeerCaller returns the identity of the process on the other end of a unix
// socket connection, as recorded by the kernel at connect time.
func PeerCaller(conn net.Conn) (qtaguid.Caller, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return qtaguid.Caller{}, errors.Errorf(errors.KindValidation, "peer credentials need a unix socket, got %T", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return qtaguid.Caller{}, errors.Wrap(err, errors.KindInternal, "raw conn")
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return qtaguid.Caller{}, errors.Wrap(err, errors.KindInternal, "raw conn control")
	}
	if credErr != nil {
		return qtaguid.Caller{}, errors.Wrap(credErr, errors.KindInternal, "SO_PEERCRED")
	}
	return qtaguid.Caller{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}
