// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package capture

import (
	"context"
	"sync"

	"github.com/florianl/go-nflog/v2"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
)

// NFLogReader reads packets from an NFLOG group and feeds an Observer.
//
// The group is filled by rules such as
//
//	nft add rule inet filter output log group 100
//	nft add rule inet filter input log group 100
type NFLogReader struct {
	group    uint16
	observer *Observer
	logger   *logging.Logger

	mu      sync.Mutex
	nf      *nflog.Nflog
	cancel  context.CancelFunc
	running bool
}

// NewNFLogReader creates a reader for group.
func NewNFLogReader(group uint16, observer *Observer, logger *logging.Logger) *NFLogReader {
	if logger == nil {
		logger = logging.WithComponent("capture")
	}
	return &NFLogReader{group: group, observer: observer, logger: logger}
}

// Start binds to the group and begins delivering packets.
func (r *NFLogReader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	nf, err := nflog.Open(&nflog.Config{
		Group:    r.group,
		Copymode: nflog.CopyPacket,
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to open nflog group %d", r.group)
	}

	ctx, cancel := context.WithCancel(ctx)
	hook := func(attrs nflog.Attribute) int {
		if attrs.Payload == nil {
			return 0
		}
		rec := Record{Payload: *attrs.Payload, UID: attrs.UID}
		if attrs.InDev != nil {
			rec.InDev = *attrs.InDev
		}
		if attrs.OutDev != nil {
			rec.OutDev = *attrs.OutDev
		}
		r.observer.Observe(rec)
		return 0
	}
	errFunc := func(err error) int {
		if ctx.Err() != nil {
			return 1
		}
		r.logger.Warn("nflog receive error", "group", r.group, "error", err)
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, hook, errFunc); err != nil {
		cancel()
		nf.Close()
		return errors.Wrapf(err, errors.KindInternal, "failed to register nflog hook on group %d", r.group)
	}

	r.nf = nf
	r.cancel = cancel
	r.running = true
	r.logger.Info("Capturing packets", "nflog_group", r.group)
	return nil
}

// Stop unbinds from the group.
func (r *NFLogReader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.cancel()
	r.nf.Close()
	r.running = false
	r.logger.Info("Packet capture stopped", "nflog_group", r.group)
}

// IsRunning reports whether the reader is bound.
func (r *NFLogReader) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.running
}
