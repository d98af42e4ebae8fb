// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package netmon

import (
	"context"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
)

// NetlinkSource is unavailable on this platform.
type NetlinkSource struct{}

// NewNetlinkSource returns a source whose methods always fail.
func NewNetlinkSource(logger *logging.Logger) *NetlinkSource { return &NetlinkSource{} }

func (n *NetlinkSource) List() ([]Link, error) {
	return nil, errors.New(errors.KindInternal, "link monitoring is only supported on linux")
}

func (n *NetlinkSource) Subscribe(ctx context.Context) (<-chan LinkEvent, error) {
	return nil, errors.New(errors.KindInternal, "link monitoring is only supported on linux")
}
