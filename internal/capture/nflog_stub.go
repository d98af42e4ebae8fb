// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package capture

import (
	"context"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
)

// NFLogReader is a stub for non-Linux systems.
type NFLogReader struct{}

// NewNFLogReader creates a stub reader.
func NewNFLogReader(group uint16, observer *Observer, logger *logging.Logger) *NFLogReader {
	return &NFLogReader{}
}

// Start returns an error on non-Linux systems.
func (r *NFLogReader) Start(ctx context.Context) error {
	return errors.New(errors.KindInternal, "nflog is only supported on Linux")
}

// Stop is a no-op on non-Linux.
func (r *NFLogReader) Stop() {}

// IsRunning always returns false on non-Linux.
func (r *NFLogReader) IsRunning() bool {
	return false
}
