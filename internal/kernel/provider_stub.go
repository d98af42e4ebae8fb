// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package kernel

import (
	"time"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/qtaguid"
)

// LinuxKernel is unavailable on this platform.
type LinuxKernel struct{}

// NewLinuxKernel always fails off Linux.
func NewLinuxKernel(procRoot string, logger *logging.Logger) (*LinuxKernel, error) {
	return nil, errors.New(errors.KindInternal, "socket tables are only available on linux")
}

func (k *LinuxKernel) Now() time.Time { return time.Now() }

func (k *LinuxKernel) ResolveSocket(pid int32, fd int) (qtaguid.SocketID, error) {
	return 0, errors.New(errors.KindInternal, "not supported")
}

func (k *LinuxKernel) Sockets() (*SocketTable, error) {
	return nil, errors.New(errors.KindInternal, "not supported")
}

func (k *LinuxKernel) HoldsSocket(pid int32, id qtaguid.SocketID) bool { return false }
