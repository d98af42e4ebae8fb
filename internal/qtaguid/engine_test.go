// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
)

type fdKey struct {
	pid int32
	fd  int
}

// mapResolver resolves (pid, fd) pairs from a fixed table.
type mapResolver struct {
	mu    sync.Mutex
	socks map[fdKey]SocketID
}

func newMapResolver() *mapResolver {
	return &mapResolver{socks: make(map[fdKey]SocketID)}
}

func (m *mapResolver) add(pid int32, fd int, sock SocketID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.socks[fdKey{pid, fd}] = sock
}

func (m *mapResolver) ResolveSocket(pid int32, fd int) (SocketID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sock, ok := m.socks[fdKey{pid, fd}]
	if !ok {
		return 0, errors.Errorf(errors.KindValidation, "pid %d fd %d is not a socket", pid, fd)
	}
	return sock, nil
}

func newTestEngine(t *testing.T, mutate ...func(*Options)) (*Engine, *mapResolver) {
	t.Helper()
	res := newMapResolver()
	opts := DefaultOptions()
	opts.Resolver = res
	opts.Logger = logging.Discard()
	for _, m := range mutate {
		m(&opts)
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, res
}

func exec(t *testing.T, e *Engine, c Caller, line string) {
	t.Helper()
	n, err := e.Execute(c, line)
	require.NoError(t, err, "command %q", line)
	require.Equal(t, len(line), n)
}

func rxTCP(iface string, sock SocketID, n uint64) Packet {
	return Packet{Iface: iface, Dir: DirRX, Proto: ProtoTCP, Len: n, Socket: sock, HasSocket: true}
}

func statOf(t *testing.T, e *Engine, iface string, tag Tag) (TagStatSnapshot, bool) {
	t.Helper()
	i, ok := e.Interfaces().Get(iface)
	require.True(t, ok)
	return i.Stats().Get(tag)
}

func TestNewEngine_Validation(t *testing.T) {
	opts := DefaultOptions()
	opts.CounterSets = 0
	_, err := NewEngine(opts)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	opts = DefaultOptions()
	opts.MaxTagsPerUID = 0
	_, err = NewEngine(opts)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestEngine_EndToEnd(t *testing.T) {
	e, res := newTestEngine(t)
	res.add(42, 5, 1)
	caller := Caller{UID: 1000, PID: 42, Session: 9}
	require.NoError(t, e.OpenSession(9, 1000, 42))
	require.NoError(t, e.InterfaceUp("wlan0", nil))

	exec(t, e, caller, "t 5 0x1000000000 1000")
	for i := 0; i < 3; i++ {
		e.PacketObserved(rxTCP("wlan0", 1, 100))
	}

	want := ByteCounters{Bytes: 300, Packets: 3}
	refined, ok := statOf(t, e, "wlan0", MakeTag(0x10, 1000))
	require.True(t, ok)
	assert.Equal(t, want, refined.Counters[0][DirRX][ProtoTCP])
	agg, ok := statOf(t, e, "wlan0", TagFromUID(1000))
	require.True(t, ok)
	assert.Equal(t, want, agg.Counters[0][DirRX][ProtoTCP])

	exec(t, e, caller, "u 5")
	_, ok = e.Registry().Lookup(MakeTag(0x10, 1000))
	assert.False(t, ok)
	_, ok = statOf(t, e, "wlan0", MakeTag(0x10, 1000))
	assert.True(t, ok, "stats outlive the tag")

	exec(t, e, caller, "d 0x1000000000 1000")
	_, ok = statOf(t, e, "wlan0", MakeTag(0x10, 1000))
	assert.False(t, ok)
	_, ok = statOf(t, e, "wlan0", TagFromUID(1000))
	assert.True(t, ok, "deleting one acct tag keeps the aggregate")

	ev := e.Events()
	assert.Equal(t, uint64(3), ev.MatchFoundSockTag)
	assert.Equal(t, uint64(1), ev.SocketsTagged)
	assert.Equal(t, uint64(1), ev.SocketsUntagged)
	assert.Equal(t, uint64(1), ev.DeleteCommands)
}

func TestEngine_TagRefInvariant(t *testing.T) {
	e, res := newTestEngine(t)
	caller := Caller{UID: 0, PID: 1}
	for fd := 0; fd < 20; fd++ {
		res.add(1, fd, SocketID(100+fd))
		exec(t, e, caller, fmt.Sprintf("t %d %s %d", fd, FormatAcctTag(uint32(fd%4)), 1000+fd%3))
	}
	exec(t, e, caller, "u 3")
	exec(t, e, caller, "t 4 0x500000000 1000")

	for _, st := range e.SockTags().Snapshot() {
		ref, ok := e.Registry().Lookup(st.Tag)
		require.True(t, ok, "no ref for %s", st.Tag)
		assert.GreaterOrEqual(t, ref.NumSockTags, 1)
		info, ok := e.Registry().UIDInfo(st.Tag.UID())
		require.True(t, ok)
		assert.GreaterOrEqual(t, info.NumActiveTags, 1)
	}
}

func TestEngine_UntaggedAndUnknownPackets(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.InterfaceUp("eth0", nil))

	e.PacketObserved(Packet{Iface: "eth0", Dir: DirTX, Proto: ProtoUDP, Len: 10, FallbackUID: 33})
	e.PacketObserved(Packet{Iface: "eth0", Dir: DirTX, Proto: ProtoUDP, Len: 20, Socket: 5, HasSocket: true, FallbackUID: 33})
	e.PacketObserved(Packet{Iface: "ghost0", Dir: DirRX, Proto: ProtoTCP, Len: 99})

	agg, ok := statOf(t, e, "eth0", TagFromUID(33))
	require.True(t, ok)
	assert.Equal(t, ByteCounters{Bytes: 30, Packets: 2}, agg.Counters[0][DirTX][ProtoUDP])

	_, ok = e.Interfaces().Get("ghost0")
	assert.False(t, ok, "unknown interfaces are not created by packets")

	ev := e.Events()
	assert.Equal(t, uint64(3), ev.MatchCalls)
	assert.Equal(t, uint64(1), ev.MatchNoSocket)
	assert.Equal(t, uint64(1), ev.MatchFoundNoSockTag)
	assert.Equal(t, uint64(1), ev.PacketsUnknownIface)
}

func TestEngine_CounterSets(t *testing.T) {
	e, res := newTestEngine(t)
	res.add(1, 1, 10)
	root := Caller{UID: 0, PID: 1}
	require.NoError(t, e.InterfaceUp("eth0", nil))

	exec(t, e, root, "t 1 0x100000000 1000")
	e.PacketObserved(rxTCP("eth0", 10, 100))
	exec(t, e, root, "s 1 1000")
	e.PacketObserved(rxTCP("eth0", 10, 50))

	snap, ok := statOf(t, e, "eth0", MakeTag(1, 1000))
	require.True(t, ok)
	require.Len(t, snap.Counters, DefaultCounterSets)
	assert.Equal(t, uint64(100), snap.Counters[0].Total(DirRX).Bytes, "switching sets does not move history")
	assert.Equal(t, uint64(50), snap.Counters[1].Total(DirRX).Bytes)

	n, err := e.Execute(root, "s 2 1000")
	require.Error(t, err)
	assert.Equal(t, errors.Errno(errors.ErrInvalidArgument), n)
}

func TestEngine_SessionClose(t *testing.T) {
	e, res := newTestEngine(t)
	res.add(42, 3, 7)
	res.add(42, 4, 8)
	caller := Caller{UID: 1000, PID: 42, Session: 5}

	require.NoError(t, e.OpenSession(5, 1000, 42))
	exec(t, e, caller, "t 3 0x100000000")
	exec(t, e, caller, "t 4 0x200000000")
	assert.Equal(t, 2, e.SockTags().Len())

	require.NoError(t, e.CloseSession(5))
	assert.Equal(t, 0, e.SockTags().Len())
	assert.Empty(t, e.Registry().Snapshot())
	assert.Equal(t, 0, e.Sessions().Len())

	err := e.CloseSession(5)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	// A session that never tagged anything closes cleanly.
	require.NoError(t, e.OpenSession(6, 2000, 43))
	require.NoError(t, e.CloseSession(6))
	_, ok := e.Registry().UIDInfo(2000)
	assert.False(t, ok)

	ev := e.Events()
	assert.Equal(t, uint64(2), ev.SessionsOpened)
	assert.Equal(t, uint64(2), ev.SessionsClosed)
}

func TestEngine_SocketClosed(t *testing.T) {
	e, res := newTestEngine(t)
	res.add(1, 1, 10)
	exec(t, e, Caller{UID: 1000, PID: 1}, "t 1 0x100000000")

	assert.True(t, e.SocketClosed(10))
	assert.False(t, e.SocketClosed(10))
	assert.Empty(t, e.Registry().Snapshot())
	assert.Equal(t, uint64(1), e.Events().SocketsClosed)
}

func TestEngine_Close(t *testing.T) {
	e, res := newTestEngine(t)
	res.add(1, 1, 10)
	require.NoError(t, e.OpenSession(1, 1000, 1))
	require.NoError(t, e.OpenSession(2, 1001, 2))
	exec(t, e, Caller{UID: 1000, PID: 1, Session: 1}, "t 1 0x100000000")

	require.NoError(t, e.Close())
	assert.Equal(t, 0, e.Sessions().Len())
	assert.Equal(t, 0, e.SockTags().Len())
	assert.Empty(t, e.Registry().Snapshot())

	_, err := e.Execute(Caller{UID: 0}, "s 1 0")
	assert.Error(t, err)
	assert.Error(t, e.OpenSession(3, 0, 0))
	require.NoError(t, e.Close())
}

func TestEngine_CloseRacesOpenSession(t *testing.T) {
	e, res := newTestEngine(t)
	const openers = 8
	for w := 0; w < openers; w++ {
		res.add(int32(w+1), 0, SocketID(w+1))
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < openers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			for i := 0; ; i++ {
				id := SessionID(w*100000 + i + 1)
				if err := e.OpenSession(id, 1000, int32(w+1)); err != nil {
					return
				}
				if _, err := e.Execute(Caller{UID: 1000, PID: int32(w + 1), Session: id}, "t 0 0x100000000"); err != nil {
					return
				}
			}
		}(w)
	}
	close(start)
	require.NoError(t, e.Close())
	wg.Wait()

	assert.Equal(t, 0, e.Sessions().Len())
	assert.Equal(t, 0, e.SockTags().Len())
	assert.Empty(t, e.Registry().Snapshot())
	assert.Error(t, e.OpenSession(1, 1000, 1))
}

func TestEngine_Concurrency(t *testing.T) {
	e, res := newTestEngine(t)
	require.NoError(t, e.InterfaceUp("eth0", nil))
	const workers = 8
	callers := make([]Caller, workers)
	for w := 0; w < workers; w++ {
		res.add(int32(w+1), 0, SocketID(w+1))
		callers[w] = Caller{UID: 1000, PID: int32(w + 1), Session: SessionID(w + 1)}
		require.NoError(t, e.OpenSession(callers[w].Session, 1000, callers[w].PID))
		exec(t, e, callers[w], "t 0 "+FormatAcctTag(1))
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(2)
		go func(caller Caller) {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				acct := uint32(i%5 + 1)
				if _, err := e.Execute(caller, "t 0 "+FormatAcctTag(acct)); err != nil {
					t.Error(err)
					return
				}
				if i%7 == 0 {
					e.Execute(caller, "u 0")
				}
			}
		}(callers[w])
		go func(w int) {
			defer wg.Done()
			<-start
			for i := 0; i < 500; i++ {
				e.PacketObserved(rxTCP("eth0", SocketID(w+1), 10))
			}
		}(w)
	}
	close(start)
	wg.Wait()

	ev := e.Events()
	assert.Equal(t, uint64(workers*500), ev.MatchCalls)
	assert.Equal(t, ev.MatchCalls, ev.MatchFoundSockTag+ev.MatchFoundNoSockTag)
	require.Greater(t, ev.MatchFoundSockTag, uint64(0))

	agg, ok := statOf(t, e, "eth0", TagFromUID(1000))
	require.True(t, ok)
	var refined uint64
	i, _ := e.Interfaces().Get("eth0")
	for _, snap := range i.Stats().Snapshot() {
		if snap.Tag.UID() == 1000 && !snap.Tag.IsAggregate() {
			refined += snap.Counters[0].Total(DirRX).Bytes
		}
	}
	assert.Equal(t, agg.Counters[0].Total(DirRX).Bytes, refined)
	assert.Equal(t, ev.MatchFoundSockTag*10, refined)

	for _, c := range callers {
		require.NoError(t, e.CloseSession(c.Session))
	}
	assert.Equal(t, 0, e.SockTags().Len())
	assert.Empty(t, e.Registry().Snapshot())
}
