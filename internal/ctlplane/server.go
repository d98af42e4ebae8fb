// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane serves the tagging command channel over a unix socket.
//
// Each connection is one session: the engine opens a session for the peer
// when it connects and closes it, untagging every socket the session
// tagged, when it disconnects. The wire protocol is one command per line;
// the server answers each command with one line holding the integer result
// (bytes consumed on success, a negative errno on failure).
package ctlplane

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/kernel"
	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/qtaguid"
)

// DefaultSocketPath is where the daemon listens for commands.
const DefaultSocketPath = "/run/tagacct/ctrl.sock"

// maxLineLen bounds a single read; longer lines close the connection.
const maxLineLen = 4096

// Engine is the part of the accounting engine the control channel drives.
type Engine interface {
	OpenSession(id qtaguid.SessionID, uid uint32, pid int32) error
	CloseSession(id qtaguid.SessionID) error
	Execute(c qtaguid.Caller, line string) (int, error)
}

// CallerFunc identifies the peer of an accepted connection.
type CallerFunc func(conn net.Conn) (qtaguid.Caller, error)

// Server accepts control connections.
type Server struct {
	engine Engine
	logger *logging.Logger
	caller CallerFunc

	nextSession atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server executing commands against engine. Peers are
// identified through their socket credentials.
func NewServer(engine Engine, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent("ctl")
	}
	return &Server{
		engine: engine,
		logger: logger,
		caller: kernel.PeerCaller,
		conns:  make(map[net.Conn]struct{}),
	}
}

// SetCallerFunc replaces the peer identification, mainly for tests.
func (s *Server) SetCallerFunc(fn CallerFunc) {
	s.caller = fn
}

// Start listens on socketPath, replacing a stale socket file. The socket is
// world-writable: authorization happens per command against the peer's uid.
func (s *Server) Start(socketPath string) error {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "create socket directory for %s", socketPath)
	}
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to listen on %s", socketPath)
	}
	if err := os.Chmod(socketPath, 0666); err != nil {
		listener.Close()
		return errors.Wrapf(err, errors.KindInternal, "failed to set socket permissions on %s", socketPath)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves connections from an existing listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return errors.New(errors.KindInternal, "control server already stopped")
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Control channel listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("Accept error", "error", err)
				return
			}
			if !s.track(conn) {
				conn.Close()
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("CRITICAL: control connection handler panicked", "panic", r)
					}
				}()
				s.serve(conn)
			}()
		}
	}()
	return nil
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// serve runs one session until the peer hangs up.
func (s *Server) serve(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	caller, err := s.caller(conn)
	if err != nil {
		s.logger.Warn("Rejecting control connection", "error", err)
		return
	}
	caller.Session = qtaguid.SessionID(s.nextSession.Add(1))

	if err := s.engine.OpenSession(caller.Session, caller.UID, caller.PID); err != nil {
		s.logger.Warn("Failed to open session", "uid", caller.UID, "pid", caller.PID, "error", err)
		return
	}
	log := s.logger.With("session", uint64(caller.Session), "uid", caller.UID, "pid", caller.PID)
	log.Debug("Session opened")
	defer func() {
		if err := s.engine.CloseSession(caller.Session); err != nil {
			log.Warn("Session close reported errors", "error", err)
		}
		log.Debug("Session closed")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxLineLen)
	w := bufio.NewWriter(conn)
	for scanner.Scan() {
		res, _ := s.engine.Execute(caller, scanner.Text())
		w.WriteString(strconv.Itoa(res))
		w.WriteByte('\n')
		if err := w.Flush(); err != nil {
			log.Debug("Reply failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			w.WriteString(strconv.Itoa(errors.Errno(errors.ErrInvalidArgument)) + "\n")
			w.Flush()
		}
		log.Debug("Control connection ended", "error", err)
	}
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// sessions to be torn down.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}
