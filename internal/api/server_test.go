// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tagacct/internal/kernel"
	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/metrics"
	"grimm.is/tagacct/internal/qtaguid"
)

const (
	rootPID = 1
	appUID  = 1000
	otherID = 2000
)

type fixture struct {
	engine *qtaguid.Engine
	sim    *kernel.SimKernel
	server *Server
	sock   qtaguid.SocketID
}

// newFixture builds an engine with eth0 up, one socket of appUID tagged
// 0x1 and one untagged packet for otherID.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	sim := kernel.NewSimKernel()
	opts := qtaguid.DefaultOptions()
	opts.Resolver = sim
	opts.Logger = logging.Discard()
	e, err := qtaguid.NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	require.NoError(t, e.InterfaceUp("eth0", nil))
	sock := sim.OpenSocket(rootPID, 3, appUID, kernel.ProtoTCP,
		netip.MustParseAddrPort("10.0.0.1:40000"), netip.MustParseAddrPort("10.0.0.2:443"))
	_, err = e.Execute(qtaguid.Caller{UID: 0, PID: rootPID}, "t 3 0x100000000 1000")
	require.NoError(t, err)

	e.PacketObserved(qtaguid.Packet{Iface: "eth0", Dir: qtaguid.DirRX, Proto: qtaguid.ProtoTCP, Len: 100, Socket: sock, HasSocket: true, FallbackUID: appUID})
	e.PacketObserved(qtaguid.Packet{Iface: "eth0", Dir: qtaguid.DirTX, Proto: qtaguid.ProtoUDP, Len: 60, FallbackUID: otherID})

	srv := NewServer(e, metrics.NewRegistry(e), logging.Discard())
	return &fixture{engine: e, sim: sim, server: srv, sock: sock}
}

func (f *fixture) do(t *testing.T, c *qtaguid.Caller, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if c != nil {
		req = req.WithContext(WithCaller(req.Context(), *c))
	}
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func caller(uid uint32) *qtaguid.Caller {
	return &qtaguid.Caller{UID: uid, GID: uid, PID: rootPID}
}

func TestStatsText(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, caller(appUID), "GET", "/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")

	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	require.Len(t, lines, 5, "header plus two tags of appUID times two counter sets")
	assert.Equal(t, qtaguid.StatsHeader, lines[0])
	assert.Equal(t, "2 eth0 0x0 1000 0 100 1 0 0 100 1 0 0 0 0 0 0 0 0 0 0", lines[1])
	assert.Equal(t, "3 eth0 0x0 1000 1 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0", lines[2])
	assert.Equal(t, "4 eth0 0x100000000 1000 0 100 1 0 0 100 1 0 0 0 0 0 0 0 0 0 0", lines[3])
}

func TestStatsVisibility(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		uid  uint32
		rows int
	}{
		{"owner sees own tags", appUID, 4},
		{"other uid sees own aggregate", otherID, 2},
		{"stranger sees nothing", 3000, 0},
		{"root sees everything", 0, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, caller(tt.uid), "GET", "/stats.json", "")
			require.Equal(t, http.StatusOK, rr.Code)

			var resp struct {
				Rows  []statRowJSON `json:"rows"`
				Count int           `json:"count"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.rows, resp.Count)
			assert.Len(t, resp.Rows, tt.rows)
			for i, row := range resp.Rows {
				assert.Equal(t, qtaguid.FirstStatsIndex+i, row.Index, "indexes count only visible rows")
			}
		})
	}
}

func TestStatsJSONColumns(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, caller(otherID), "GET", "/stats.json", "")
	var resp struct {
		Rows []statRowJSON `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Rows)

	row := resp.Rows[0]
	assert.Equal(t, "eth0", row.Iface)
	assert.Equal(t, "0x0", row.AcctTag)
	assert.Equal(t, uint32(otherID), row.UID)
	assert.Equal(t, uint64(60), row.TxBytes)
	assert.Equal(t, uint64(60), row.TxUDPBytes)
	assert.Equal(t, uint64(1), row.TxUDPPackets)
	assert.Zero(t, row.RxBytes)
}

func TestRequestsWithoutCallerAreRejected(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/stats", "/stats.json", "/ctrl", "/ctrl.json"} {
		rr := f.do(t, nil, "GET", path, "")
		assert.Equal(t, http.StatusForbidden, rr.Code, path)
	}
	rr := f.do(t, nil, "POST", "/ctrl", "d 0")
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestCtrlListing(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, caller(appUID), "GET", "/ctrl", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "tag=0x1000003e8 (uid=1000)")
	assert.Contains(t, body, "events: sockets_tagged=1 ")

	rr = f.do(t, caller(otherID), "GET", "/ctrl", "")
	assert.NotContains(t, rr.Body.String(), "sock=")

	rr = f.do(t, caller(appUID), "GET", "/ctrl.json", "")
	var resp struct {
		Sockets []qtaguid.SockTag      `json:"sockets"`
		Events  qtaguid.EventsSnapshot `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Sockets, 1)
	assert.Equal(t, f.sock, resp.Sockets[0].Socket)
	assert.Equal(t, qtaguid.MakeTag(1, appUID), resp.Sockets[0].Tag)
	assert.Equal(t, uint64(2), resp.Events.MatchCalls)
}

func TestCtrlCommand(t *testing.T) {
	f := newFixture(t)

	t.Run("other uid cannot untag", func(t *testing.T) {
		rr := f.do(t, caller(otherID), "POST", "/ctrl", "u 3\n")
		assert.Equal(t, http.StatusForbidden, rr.Code)

		var res commandResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
		assert.Equal(t, -1, res.Result)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("malformed", func(t *testing.T) {
		rr := f.do(t, caller(appUID), "POST", "/ctrl", "q")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("privileged untag", func(t *testing.T) {
		rr := f.do(t, caller(0), "POST", "/ctrl", "u 3")
		require.Equal(t, http.StatusOK, rr.Code)

		var res commandResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
		assert.Equal(t, 3, res.Result)
		assert.Equal(t, 0, f.engine.SockTags().Len())
	})

	t.Run("tagging uid untags its own tag", func(t *testing.T) {
		rr := f.do(t, caller(appUID), "POST", "/ctrl", "t 3 0x200000000")
		require.Equal(t, http.StatusOK, rr.Code)
		st, ok := f.engine.SockTags().Get(f.sock)
		require.True(t, ok)
		assert.Equal(t, qtaguid.SessionID(0), st.Owner)

		rr = f.do(t, caller(appUID), "POST", "/ctrl", "u 3")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, 0, f.engine.SockTags().Len())
		assert.Empty(t, f.engine.Registry().Snapshot())
	})

	t.Run("delete own data", func(t *testing.T) {
		rr := f.do(t, caller(appUID), "POST", "/ctrl", "d 0")
		require.Equal(t, http.StatusOK, rr.Code)

		rr = f.do(t, caller(appUID), "GET", "/stats.json", "")
		assert.Contains(t, rr.Body.String(), `"count":0`)
	})

	t.Run("delete again finds nothing", func(t *testing.T) {
		rr := f.do(t, caller(appUID), "POST", "/ctrl", "d 0")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("body too large", func(t *testing.T) {
		rr := f.do(t, caller(appUID), "POST", "/ctrl", strings.Repeat("x", 1024))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})
}

func TestIfaceStat(t *testing.T) {
	f := newFixture(t)
	f.engine.InterfaceStatsRefresh("eth0", qtaguid.DeviceCounters{RxBytes: 900, RxPackets: 9, TxBytes: 80, TxPackets: 2})

	rr := f.do(t, nil, "GET", "/iface_stat", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "eth0 1 900 9 80 2 100 1 60 1\n", rr.Body.String())

	rr = f.do(t, nil, "GET", "/iface_stat.json", "")
	var all struct {
		Interfaces []qtaguid.InterfaceTotals `json:"interfaces"`
		Count      int                       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	assert.Equal(t, 1, all.Count)

	rr = f.do(t, nil, "GET", "/iface_stat/eth0", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var one qtaguid.InterfaceTotals
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &one))
	assert.Equal(t, "eth0", one.Name)
	assert.True(t, one.Active)
	assert.Equal(t, uint64(900), one.DeviceTotals.RxBytes)
	assert.Equal(t, 3, one.NumTagStats)

	rr = f.do(t, nil, "GET", "/iface_stat/wlan0", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEventsAndMetrics(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, nil, "GET", "/events", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var ev qtaguid.EventsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ev))
	assert.Equal(t, uint64(1), ev.SocketsTagged)
	assert.Equal(t, uint64(1), ev.MatchFoundSockTag)
	assert.Equal(t, uint64(1), ev.MatchNoSocket)

	rr = f.do(t, nil, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `tagacct_events_total{event="match_found_sock_tag"} 1`)
	assert.Contains(t, rr.Body.String(), `tagacct_iface_observed_bytes_total{direction="rx",iface="eth0",proto="tcp"} 100`)
}

func TestRequestID(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, nil, "GET", "/events", "")
	generated := rr.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)

	req := httptest.NewRequest("GET", "/events", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	rr = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "trace-42", rr.Header().Get("X-Request-ID"))
	assert.NotEqual(t, generated, f.do(t, nil, "GET", "/events", "").Header().Get("X-Request-ID"))
}

func TestMetricsRouteDisabledWithoutGatherer(t *testing.T) {
	f := newFixture(t)
	f.server = NewServer(f.engine, nil, logging.Discard())

	rr := f.do(t, nil, "GET", "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Error(t, f.server.ServeMetrics("127.0.0.1:0"))
}

func TestServeUnixSocket(t *testing.T) {
	f := newFixture(t)
	f.server.SetCallerFunc(func(net.Conn) (qtaguid.Caller, error) {
		return qtaguid.Caller{UID: otherID, GID: otherID, PID: 77}, nil
	})

	path := filepath.Join(t.TempDir(), "api.sock")
	ln, err := ListenUnix(path)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.server.ServeListener(ln) }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}

	resp, err := client.Get("http://tagacct/stats")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Len(t, lines, 3, "peer identity limits the rows to its own uid")
	assert.Contains(t, lines[1], " 2000 ")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeUnixSocketUnidentifiedPeer(t *testing.T) {
	f := newFixture(t)
	f.server.SetCallerFunc(func(net.Conn) (qtaguid.Caller, error) {
		return qtaguid.Caller{}, io.ErrUnexpectedEOF
	})

	path := filepath.Join(t.TempDir(), "api.sock")
	ln, err := ListenUnix(path)
	require.NoError(t, err)
	go f.server.ServeListener(ln)
	t.Cleanup(func() { f.server.Shutdown(context.Background()) })

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}
	resp, err := client.Get("http://tagacct/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = client.Get("http://tagacct/iface_stat")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "interface totals are not per-uid")
}
