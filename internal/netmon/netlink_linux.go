// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package netmon

import (
	"context"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/qtaguid"
)

// NetlinkSource reads devices from rtnetlink.
type NetlinkSource struct {
	logger *logging.Logger
}

// NewNetlinkSource creates a source on the host network namespace.
func NewNetlinkSource(logger *logging.Logger) *NetlinkSource {
	if logger == nil {
		logger = logging.WithComponent("netmon")
	}
	return &NetlinkSource{logger: logger}
}

// List returns every device with its current counters.
func (n *NetlinkSource) List() ([]Link, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list interfaces")
	}
	out := make([]Link, 0, len(links))
	for _, l := range links {
		out = append(out, linkFromAttrs(l.Attrs(), l.Attrs().RawFlags&unix.IFF_UP != 0))
	}
	return out, nil
}

// Subscribe follows RTM_NEWLINK/RTM_DELLINK until ctx is done.
func (n *NetlinkSource) Subscribe(ctx context.Context) (<-chan LinkEvent, error) {
	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})
	err := netlink.LinkSubscribeWithOptions(updates, done, netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			n.logger.Warn("Link subscription error", "error", err)
		},
	})
	if err != nil {
		close(done)
		return nil, errors.Wrap(err, errors.KindInternal, "failed to subscribe to link updates")
	}

	events := make(chan LinkEvent, 64)
	go func() {
		defer close(events)
		defer close(done)
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					return
				}
				ev := LinkEvent{
					Link:    linkFromAttrs(u.Attrs(), u.IfInfomsg.Flags&unix.IFF_UP != 0),
					Deleted: u.Header.Type == unix.RTM_DELLINK,
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func linkFromAttrs(a *netlink.LinkAttrs, up bool) Link {
	l := Link{Index: a.Index, Name: a.Name, Up: up}
	if s := a.Statistics; s != nil {
		l.Counters = qtaguid.DeviceCounters{
			RxBytes:   s.RxBytes,
			RxPackets: s.RxPackets,
			TxBytes:   s.TxBytes,
			TxPackets: s.TxPackets,
		}
	}
	return l
}
