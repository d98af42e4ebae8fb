// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/qtaguid"
)

// LinuxKernel implements Kernel on top of /proc.
type LinuxKernel struct {
	procRoot string
	fs       procfs.FS
	logger   *logging.Logger
}

// NewLinuxKernel creates a provider reading from procRoot (normally /proc).
func NewLinuxKernel(procRoot string, logger *logging.Logger) (*LinuxKernel, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "open procfs at %s", procRoot)
	}
	if logger == nil {
		logger = logging.WithComponent("kernel")
	}
	return &LinuxKernel{procRoot: procRoot, fs: fs, logger: logger}, nil
}

// Now returns the current system time.
func (k *LinuxKernel) Now() time.Time {
	return time.Now()
}

// ResolveSocket reads /proc/<pid>/fd/<fd> and extracts the socket inode.
func (k *LinuxKernel) ResolveSocket(pid int32, fd int) (qtaguid.SocketID, error) {
	link := filepath.Join(k.procRoot, strconv.Itoa(int(pid)), "fd", strconv.Itoa(fd))
	target, err := os.Readlink(link)
	if err != nil {
		return 0, errors.Attr(
			errors.Wrapf(err, errors.KindValidation, "pid %d has no fd %d", pid, fd),
			errors.AttrErrno, unix.EBADF)
	}
	inode, ok := parseSocketLink(target)
	if !ok {
		return 0, errors.Attr(
			errors.Errorf(errors.KindValidation, "pid %d fd %d is not a socket (%s)", pid, fd, target),
			errors.AttrErrno, unix.ENOTSOCK)
	}
	return qtaguid.SocketID(inode), nil
}

// HoldsSocket scans the descriptor table of pid for the socket.
func (k *LinuxKernel) HoldsSocket(pid int32, id qtaguid.SocketID) bool {
	proc, err := k.fs.Proc(int(pid))
	if err != nil {
		return false
	}
	targets, err := proc.FileDescriptorTargets()
	if err != nil {
		return false
	}
	for _, target := range targets {
		if inode, ok := parseSocketLink(target); ok && inode == uint64(id) {
			return true
		}
	}
	return false
}

// parseSocketLink parses the "socket:[<inode>]" form of an fd link.
func parseSocketLink(target string) (uint64, bool) {
	rest, ok := strings.CutPrefix(target, "socket:[")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "]")
	if !ok {
		return 0, false
	}
	inode, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}

// Sockets reads the tcp, tcp6, udp and udp6 tables. Missing tables (no
// IPv6, for instance) are skipped.
func (k *LinuxKernel) Sockets() (*SocketTable, error) {
	var socks []Socket
	read := 0

	for name, parser := range map[string]func() (procfs.NetTCP, error){
		"tcp":  k.fs.NetTCP,
		"tcp6": k.fs.NetTCP6,
	} {
		rows, err := parser()
		if err != nil {
			k.logger.Debug("Skipping socket table", "table", name, "error", err)
			continue
		}
		read++
		for _, row := range rows {
			socks = append(socks, socketFromRow(ProtoTCP, row.LocalAddr, row.LocalPort, row.RemAddr, row.RemPort, row.UID, row.Inode))
		}
	}

	for name, parser := range map[string]func() (procfs.NetUDP, error){
		"udp":  k.fs.NetUDP,
		"udp6": k.fs.NetUDP6,
	} {
		rows, err := parser()
		if err != nil {
			k.logger.Debug("Skipping socket table", "table", name, "error", err)
			continue
		}
		read++
		for _, row := range rows {
			socks = append(socks, socketFromRow(ProtoUDP, row.LocalAddr, row.LocalPort, row.RemAddr, row.RemPort, row.UID, row.Inode))
		}
	}

	if read == 0 {
		return nil, errors.New(errors.KindInternal, fmt.Sprintf("no socket tables readable under %s/net", k.procRoot))
	}
	return NewSocketTable(socks), nil
}

func socketFromRow(proto uint8, laddr net.IP, lport uint64, raddr net.IP, rport uint64, uid, inode uint64) Socket {
	return Socket{
		Inode:  inode,
		UID:    uint32(uid),
		Proto:  proto,
		Local:  netip.AddrPortFrom(ipAddr(laddr), uint16(lport)),
		Remote: netip.AddrPortFrom(ipAddr(raddr), uint16(rport)),
	}
}

func ipAddr(ip net.IP) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
