// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"grimm.is/tagacct/internal/errors"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Command
		wantErr bool
	}{
		{"tag", "t 3 0x1000000000 1000", Command{Op: OpTag, FD: 3, AcctTag: 0x10, UID: 1000, HasUID: true}, false},
		{"tag own uid", "t 3 0x1000000000", Command{Op: OpTag, FD: 3, AcctTag: 0x10}, false},
		{"tag no acct", "t 3", Command{Op: OpTag, FD: 3}, false},
		{"tag trailing newline", "t 3 0x100000000\n", Command{Op: OpTag, FD: 3, AcctTag: 1}, false},
		{"untag", "u 12", Command{Op: OpUntag, FD: 12}, false},
		{"counter set", "s 1 1000", Command{Op: OpCounterSet, CounterSet: 1, UID: 1000, HasUID: true}, false},
		{"delete", "d 0 1000", Command{Op: OpDelete, UID: 1000, HasUID: true}, false},
		{"delete own", "d 0x1000000000", Command{Op: OpDelete, AcctTag: 0x10}, false},
		{"empty", "", Command{}, true},
		{"blank", "   ", Command{}, true},
		{"unknown verb", "x 1", Command{}, true},
		{"long verb", "tag 1", Command{}, true},
		{"tag missing fd", "t", Command{}, true},
		{"tag bad fd", "t abc", Command{}, true},
		{"tag negative fd", "t -1", Command{}, true},
		{"tag uid bits", "t 1 0x10", Command{}, true},
		{"tag extra", "t 1 0 2 3", Command{}, true},
		{"untag extra", "u 1 2", Command{}, true},
		{"counter set missing uid", "s 1", Command{}, true},
		{"counter set bad", "s x 1", Command{}, true},
		{"bad uid", "d 0 -5", Command{}, true},
		{"uid overflow", "d 0 4294967296", Command{}, true},
		{"too long", "t 1 " + strings.Repeat("0", MaxCommandLen), Command{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.KindValidation, errors.GetKind(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommand_String(t *testing.T) {
	for _, line := range []string{"t 3 0x1000000000 1000", "u 4", "s 1 1000", "d 0x0 7", "d 0x200000000"} {
		cmd, err := ParseCommand(line)
		require.NoError(t, err)
		assert.Equal(t, line, cmd.String())
	}
}

func TestExecute_Errno(t *testing.T) {
	e, res := newTestEngine(t, func(o *Options) { o.MaxTagsPerUID = 1 })
	res.add(1, 1, 10)
	res.add(1, 2, 11)
	user := Caller{UID: 1000, PID: 1}

	tests := []struct {
		name string
		line string
		want unix.Errno
	}{
		{"malformed", "t x", unix.EINVAL},
		{"impersonation", "t 1 0x100000000 2000", unix.EPERM},
		{"unresolvable fd", "t 9 0x100000000", unix.EINVAL},
		{"counter set unprivileged", "s 1 1000", unix.EPERM},
		{"untag untagged", "u 1", unix.ENOENT},
		{"delete nothing", "d 0", unix.ENOENT},
		{"delete other uid", "d 0 2000", unix.EPERM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := e.Execute(user, tt.line)
			require.Error(t, err)
			assert.Equal(t, -int(tt.want), n)
		})
	}

	t.Run("quota", func(t *testing.T) {
		exec(t, e, user, "t 1 0x100000000")
		n, err := e.Execute(user, "t 2 0x200000000")
		require.Error(t, err)
		assert.Equal(t, -int(unix.EMFILE), n)
	})

	assert.Equal(t, uint64(len(tests)+1), e.Events().CommandErrors)
}

func TestExecute_NoResolver(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.Resolver = nil })
	_, err := e.Execute(Caller{UID: 0}, "t 1")
	assert.Equal(t, errors.KindInternal, errors.GetKind(err))
}

func TestPermissions(t *testing.T) {
	limited := Permissions{
		CtrlWriteLimited:    true,
		StatsReadAllLimited: true,
		PrivilegedUIDs:      map[uint32]bool{1001: true},
		PrivilegedGIDs:      map[uint32]bool{3003: true},
	}
	open := Permissions{}

	root := Caller{UID: 0}
	user := Caller{UID: 1000, GID: 1000}
	privUID := Caller{UID: 1001, GID: 1001}
	privGID := Caller{UID: 1002, GID: 3003}

	assert.True(t, limited.CanManipulateUIDs(root))
	assert.False(t, limited.CanManipulateUIDs(user))
	assert.True(t, limited.CanManipulateUIDs(privUID))
	assert.True(t, limited.CanManipulateUIDs(privGID))
	assert.True(t, open.CanManipulateUIDs(user))

	assert.True(t, limited.CanImpersonateUID(user, 1000))
	assert.False(t, limited.CanImpersonateUID(user, 2000))
	assert.True(t, limited.CanImpersonateUID(privGID, 2000))
	assert.True(t, open.CanImpersonateUID(user, 2000))

	assert.True(t, limited.CanReadUIDStats(user, 1000))
	assert.False(t, limited.CanReadUIDStats(user, 2000))
	assert.True(t, limited.CanReadUIDStats(privUID, 2000))
	assert.True(t, open.CanReadUIDStats(user, 2000))
}

func TestUntag_Ownership(t *testing.T) {
	e, res := newTestEngine(t)
	res.add(1, 1, 10)
	owner := Caller{UID: 1000, PID: 1, Session: 1}
	other := Caller{UID: 1000, PID: 1, Session: 2}

	exec(t, e, owner, "t 1 0x100000000")
	_, err := e.Execute(other, "u 1")
	assert.Equal(t, errors.KindPermission, errors.GetKind(err))
	assert.Equal(t, 1, e.SockTags().Len())

	exec(t, e, Caller{UID: 0, PID: 1}, "u 1")
	assert.Equal(t, 0, e.SockTags().Len())
}

func TestUntag_SessionlessTag(t *testing.T) {
	e, res := newTestEngine(t)
	res.add(42, 5, 10)
	tagger := Caller{UID: 1000, PID: 42}

	exec(t, e, tagger, "t 5 0x100000000")
	st, ok := e.SockTags().Get(10)
	require.True(t, ok)
	assert.Equal(t, SessionID(0), st.Owner)

	n, err := e.Execute(Caller{UID: 2000, PID: 42}, "u 5")
	assert.Equal(t, errors.KindPermission, errors.GetKind(err))
	assert.Equal(t, -int(unix.EPERM), n)
	assert.Equal(t, 1, e.SockTags().Len())

	exec(t, e, tagger, "u 5")
	assert.Equal(t, 0, e.SockTags().Len())
	assert.Empty(t, e.Registry().Snapshot())
}

func TestDelete_Scope(t *testing.T) {
	e, res := newTestEngine(t)
	root := Caller{UID: 0, PID: 1}
	require.NoError(t, e.InterfaceUp("eth0", nil))
	require.NoError(t, e.InterfaceUp("wlan0", nil))
	for fd, sock := range []SocketID{10, 11, 12} {
		res.add(1, fd, sock)
	}
	exec(t, e, root, "t 0 0x100000000 1000")
	exec(t, e, root, "t 1 0x200000000 1000")
	exec(t, e, root, "t 2 0x100000000 1001")
	exec(t, e, root, "s 1 1000")
	for _, iface := range []string{"eth0", "wlan0"} {
		for _, sock := range []SocketID{10, 11, 12} {
			e.PacketObserved(rxTCP(iface, sock, 10))
		}
	}

	t.Run("one acct tag", func(t *testing.T) {
		cmds := e.Commands()
		r, err := cmds.DeleteData(root, 2, 1000)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Sockets)
		assert.Equal(t, 2, r.TagStats)
		assert.False(t, r.CounterSet)
		assert.Equal(t, 1, e.CounterSets().Get(1000), "counter set survives an acct delete")

		_, ok := statOf(t, e, "eth0", TagFromUID(1000))
		assert.True(t, ok)
		_, ok = e.SockTags().Lookup(11)
		assert.False(t, ok)
		_, ok = e.SockTags().Lookup(10)
		assert.True(t, ok)
	})

	t.Run("whole uid", func(t *testing.T) {
		exec(t, e, root, "d 0 1000")
		assert.Equal(t, 0, e.CounterSets().Get(1000))
		_, ok := e.CounterSets().Snapshot()[1000]
		assert.False(t, ok)
		for _, iface := range []string{"eth0", "wlan0"} {
			_, ok := statOf(t, e, iface, TagFromUID(1000))
			assert.False(t, ok)
			_, ok = statOf(t, e, iface, MakeTag(1, 1001))
			assert.True(t, ok, "other uids are untouched")
		}
		_, ok = e.Registry().UIDInfo(1000)
		assert.False(t, ok)
		assert.Equal(t, []SocketID{12}, e.SockTags().Sockets())
	})

	t.Run("nothing left", func(t *testing.T) {
		_, err := e.Execute(root, "d 0 1000")
		assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
	})
}
