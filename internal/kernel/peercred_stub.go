// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package kernel

import (
	"net"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/qtaguid"
)

// PeerCaller is unavailable off Linux.
func PeerCaller(conn net.Conn) (qtaguid.Caller, error) {
	return qtaguid.Caller{}, errors.New(errors.KindInternal, "peer credentials are only available on linux")
}
