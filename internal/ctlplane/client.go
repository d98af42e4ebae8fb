// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/qtaguid"
)

// Client is a control channel session. Sockets tagged through a client
// stay tagged only as long as the client is open.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial opens a session on the control socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "failed to connect to control channel at %s", socketPath)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close ends the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Exec sends one raw command line and returns the server's result. A
// negative result is also returned as a structured error.
func (c *Client) Exec(line string) (int, error) {
	if strings.ContainsAny(line, "\n") {
		return 0, errors.Errorf(errors.KindValidation, "command %q spans lines", line)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return 0, errors.New(errors.KindInternal, "client is closed")
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "send command")
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "read reply")
	}
	res, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindInternal, "malformed reply %q", reply)
	}
	return res, errors.FromErrno(res)
}

func (c *Client) run(cmd qtaguid.Command) error {
	_, err := c.Exec(cmd.String())
	return err
}

// Tag tags the socket fd of the calling process with acct for the caller's
// own uid.
func (c *Client) Tag(fd int, acct uint32) error {
	return c.run(qtaguid.Command{Op: qtaguid.OpTag, FD: fd, AcctTag: acct})
}

// TagAs tags fd with acct on behalf of uid.
func (c *Client) TagAs(fd int, acct, uid uint32) error {
	return c.run(qtaguid.Command{Op: qtaguid.OpTag, FD: fd, AcctTag: acct, UID: uid, HasUID: true})
}

// Untag removes the tag of fd.
func (c *Client) Untag(fd int) error {
	return c.run(qtaguid.Command{Op: qtaguid.OpUntag, FD: fd})
}

// SetCounterSet selects the active counter set of uid.
func (c *Client) SetCounterSet(set int, uid uint32) error {
	return c.run(qtaguid.Command{Op: qtaguid.OpCounterSet, CounterSet: set, UID: uid, HasUID: true})
}

// Delete removes the accounting data of the caller's own uid: everything
// when acct is 0, otherwise only that tag.
func (c *Client) Delete(acct uint32) error {
	return c.run(qtaguid.Command{Op: qtaguid.OpDelete, AcctTag: acct})
}

// DeleteAs removes accounting data of uid.
func (c *Client) DeleteAs(acct, uid uint32) error {
	return c.run(qtaguid.Command{Op: qtaguid.OpDelete, AcctTag: acct, UID: uid, HasUID: true})
}
