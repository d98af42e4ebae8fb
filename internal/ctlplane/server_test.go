// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"bufio"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/kernel"
	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/qtaguid"
)

const (
	testPID = 4242
	testUID = 1000
)

type fixture struct {
	engine *qtaguid.Engine
	sim    *kernel.SimKernel
	server *Server
	path   string
}

func newFixture(t *testing.T, caller CallerFunc) *fixture {
	t.Helper()

	sim := kernel.NewSimKernel()
	opts := qtaguid.DefaultOptions()
	opts.Resolver = sim
	opts.Logger = logging.Discard()
	engine, err := qtaguid.NewEngine(opts)
	require.NoError(t, err)

	srv := NewServer(engine, logging.Discard())
	if caller != nil {
		srv.SetCallerFunc(caller)
	}
	path := filepath.Join(t.TempDir(), "ctrl.sock")
	require.NoError(t, srv.Start(path))
	t.Cleanup(func() {
		srv.Stop()
		engine.Close()
	})
	return &fixture{engine: engine, sim: sim, server: srv, path: path}
}

func fixedCaller(uid uint32, pid int32) CallerFunc {
	return func(net.Conn) (qtaguid.Caller, error) {
		return qtaguid.Caller{UID: uid, GID: uid, PID: pid}, nil
	}
}

func (f *fixture) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(f.path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (f *fixture) openSocket(pid int32, fd int, uid uint32) qtaguid.SocketID {
	return f.sim.OpenSocket(pid, fd, uid, kernel.ProtoTCP,
		netip.MustParseAddrPort("10.0.0.1:40000"), netip.MustParseAddrPort("10.0.0.2:443"))
}

func TestServerSocketPermissions(t *testing.T) {
	f := newFixture(t, fixedCaller(testUID, testPID))

	info, err := os.Stat(f.path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0666), info.Mode().Perm())
}

func TestServerTagUntag(t *testing.T) {
	f := newFixture(t, fixedCaller(testUID, testPID))
	sock := f.openSocket(testPID, 7, testUID)
	c := f.dial(t)

	require.NoError(t, c.Tag(7, 0x2a))
	tag, ok := f.engine.SockTags().Lookup(sock)
	require.True(t, ok)
	assert.Equal(t, qtaguid.MakeTag(0x2a, testUID), tag)

	st, _ := f.engine.SockTags().Get(sock)
	assert.NotZero(t, st.Owner, "tag is owned by the connection's session")
	assert.Equal(t, int32(testPID), st.PID)

	require.NoError(t, c.Untag(7))
	_, ok = f.engine.SockTags().Lookup(sock)
	assert.False(t, ok)
}

func TestServerReplyIsBytesConsumed(t *testing.T) {
	f := newFixture(t, fixedCaller(testUID, testPID))
	f.openSocket(testPID, 3, testUID)
	c := f.dial(t)

	line := "t 3 0x100000000"
	n, err := c.Exec(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
}

func TestServerErrors(t *testing.T) {
	f := newFixture(t, fixedCaller(testUID, testPID))
	f.openSocket(testPID, 7, testUID)
	c := f.dial(t)

	t.Run("unknown fd", func(t *testing.T) {
		err := c.Tag(99, 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, unix.EBADF))
	})

	t.Run("impersonation denied", func(t *testing.T) {
		err := c.TagAs(7, 1, 2000)
		require.Error(t, err)
		assert.Equal(t, errors.KindPermission, errors.GetKind(err))
	})

	t.Run("counter set of another uid denied", func(t *testing.T) {
		err := c.SetCounterSet(1, 2000)
		assert.Equal(t, errors.KindPermission, errors.GetKind(err))
	})

	t.Run("delete with nothing to delete", func(t *testing.T) {
		err := c.Delete(5)
		assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
	})

	t.Run("malformed command", func(t *testing.T) {
		n, err := c.Exec("x 1 2")
		assert.Equal(t, -int(unix.EINVAL), n)
		assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	})

	t.Run("untag untagged socket", func(t *testing.T) {
		n, _ := c.Exec("u 7")
		assert.Equal(t, -int(unix.ENOENT), n)
	})

	t.Run("multi-line command rejected locally", func(t *testing.T) {
		_, err := c.Exec("u 7\nu 7")
		assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	})

	// The session is still usable after failures.
	require.NoError(t, c.Tag(7, 1))
}

func TestServerPrivilegedCaller(t *testing.T) {
	f := newFixture(t, fixedCaller(0, testPID))
	sock := f.openSocket(testPID, 7, testUID)
	c := f.dial(t)

	require.NoError(t, c.TagAs(7, 3, 2000))
	tag, _ := f.engine.SockTags().Lookup(sock)
	assert.Equal(t, qtaguid.MakeTag(3, 2000), tag)

	require.NoError(t, c.SetCounterSet(1, 2000))
	assert.Equal(t, 1, f.engine.CounterSets().Get(2000))

	require.NoError(t, c.DeleteAs(0, 2000))
	assert.Equal(t, 0, f.engine.SockTags().Len())
	assert.Equal(t, 0, f.engine.CounterSets().Get(2000))
}

func TestServerDisconnectUntagsSessionSockets(t *testing.T) {
	f := newFixture(t, fixedCaller(testUID, testPID))
	a := f.openSocket(testPID, 7, testUID)
	b := f.openSocket(testPID, 8, testUID)

	c, err := Dial(f.path)
	require.NoError(t, err)
	require.NoError(t, c.Tag(7, 1))
	require.NoError(t, c.Tag(8, 2))
	assert.Equal(t, 1, f.engine.Sessions().Len())

	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool {
		return f.engine.SockTags().Len() == 0 && f.engine.Sessions().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := f.engine.SockTags().Lookup(a)
	assert.False(t, ok)
	_, ok = f.engine.SockTags().Lookup(b)
	assert.False(t, ok)
	_, ok = f.engine.Registry().UIDInfo(testUID)
	assert.False(t, ok, "uid data is reclaimed once its last session and tag are gone")

	ev := f.engine.Events()
	assert.Equal(t, uint64(1), ev.SessionsOpened)
	assert.Equal(t, uint64(1), ev.SessionsClosed)
	assert.Equal(t, uint64(2), ev.SocketsUntagged)
}

func TestServerSessionsAreIndependent(t *testing.T) {
	f := newFixture(t, fixedCaller(testUID, testPID))
	a := f.openSocket(testPID, 7, testUID)
	b := f.openSocket(testPID, 8, testUID)

	first := f.dial(t)
	second, err := Dial(f.path)
	require.NoError(t, err)

	require.NoError(t, first.Tag(7, 1))
	require.NoError(t, second.Tag(8, 1))

	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool {
		_, ok := f.engine.SockTags().Lookup(b)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := f.engine.SockTags().Lookup(a)
	assert.True(t, ok, "the other session's tags survive")
}

func TestServerOverlongLine(t *testing.T) {
	f := newFixture(t, fixedCaller(testUID, testPID))

	conn, err := net.Dial("unix", f.path)
	require.NoError(t, err)
	defer conn.Close()

	go conn.Write([]byte(strings.Repeat("a", 2*maxLineLen) + "\n"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	reply, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "-22\n", reply)

	_, err = r.ReadString('\n')
	assert.Error(t, err, "connection is closed after an overlong line")
}

func TestServerRejectsUnidentifiedPeer(t *testing.T) {
	f := newFixture(t, func(net.Conn) (qtaguid.Caller, error) {
		return qtaguid.Caller{}, errors.New(errors.KindPermission, "no credentials")
	})

	c := f.dial(t)
	_, err := c.Exec("d 0")
	assert.Error(t, err)
	assert.Equal(t, 0, f.engine.Sessions().Len())
}

func TestServerStop(t *testing.T) {
	f := newFixture(t, fixedCaller(testUID, testPID))
	sock := f.openSocket(testPID, 7, testUID)
	c := f.dial(t)
	require.NoError(t, c.Tag(7, 1))

	f.server.Stop()
	f.server.Stop()

	_, ok := f.engine.SockTags().Lookup(sock)
	assert.False(t, ok, "stopping the server closes every session")

	_, err := c.Exec("u 7")
	assert.Error(t, err)

	_, err = Dial(f.path)
	assert.Error(t, err)
	assert.Error(t, f.server.StartWithListener(&net.UnixListener{}))
}

func TestServerPeerCredentials(t *testing.T) {
	if _, err := kernel.PeerCaller(nil); err != nil && strings.Contains(err.Error(), "only available on linux") {
		t.Skip("peer credentials need linux")
	}

	f := newFixture(t, nil)
	pid := int32(os.Getpid())
	uid := uint32(os.Getuid())
	sock := f.openSocket(pid, 5, uid)
	c := f.dial(t)

	require.NoError(t, c.Tag(5, 9))
	st, ok := f.engine.SockTags().Get(sock)
	require.True(t, ok)
	assert.Equal(t, qtaguid.MakeTag(9, uid), st.Tag)
	assert.Equal(t, pid, st.PID)
}
