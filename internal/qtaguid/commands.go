// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"strconv"
	"strings"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
)

// MaxCommandLen bounds a single control write.
const MaxCommandLen = 255

// Op is a control command verb.
type Op byte

const (
	OpTag        Op = 't'
	OpUntag      Op = 'u'
	OpCounterSet Op = 's'
	OpDelete     Op = 'd'
)

// Command is a parsed control line.
//
//	t <socket_fd> [<acct_tag> [<uid>]]
//	u <socket_fd>
//	s <counter_set> <uid>
//	d <acct_tag> [<uid>]
type Command struct {
	Op         Op
	FD         int
	AcctTag    uint32
	UID        uint32
	HasUID     bool
	CounterSet int
}

func invalid(format string, args ...any) error {
	return errors.Errorf(errors.KindValidation, format, args...)
}

// ParseCommand parses one control line.
func ParseCommand(line string) (Command, error) {
	if len(line) > MaxCommandLen {
		return Command{}, invalid("command longer than %d bytes", MaxCommandLen)
	}
	fields := strings.Fields(strings.TrimRight(line, "\x00"))
	if len(fields) == 0 {
		return Command{}, invalid("empty command")
	}
	if len(fields[0]) != 1 {
		return Command{}, invalid("unknown command %q", fields[0])
	}

	cmd := Command{Op: Op(fields[0][0])}
	args := fields[1:]
	var err error

	switch cmd.Op {
	case OpTag:
		if len(args) < 1 || len(args) > 3 {
			return Command{}, invalid("tag takes 1 to 3 arguments, got %d", len(args))
		}
		if cmd.FD, err = parseFD(args[0]); err != nil {
			return Command{}, err
		}
		if len(args) > 1 {
			if cmd.AcctTag, err = ParseAcctTag(args[1]); err != nil {
				return Command{}, err
			}
		}
		if len(args) > 2 {
			if cmd.UID, err = parseUID(args[2]); err != nil {
				return Command{}, err
			}
			cmd.HasUID = true
		}

	case OpUntag:
		if len(args) != 1 {
			return Command{}, invalid("untag takes 1 argument, got %d", len(args))
		}
		if cmd.FD, err = parseFD(args[0]); err != nil {
			return Command{}, err
		}

	case OpCounterSet:
		if len(args) != 2 {
			return Command{}, invalid("counter_set takes 2 arguments, got %d", len(args))
		}
		if cmd.CounterSet, err = strconv.Atoi(args[0]); err != nil {
			return Command{}, errors.Wrapf(err, errors.KindValidation, "malformed counter set %q", args[0])
		}
		if cmd.UID, err = parseUID(args[1]); err != nil {
			return Command{}, err
		}
		cmd.HasUID = true

	case OpDelete:
		if len(args) < 1 || len(args) > 2 {
			return Command{}, invalid("delete takes 1 or 2 arguments, got %d", len(args))
		}
		if cmd.AcctTag, err = ParseAcctTag(args[0]); err != nil {
			return Command{}, err
		}
		if len(args) > 1 {
			if cmd.UID, err = parseUID(args[1]); err != nil {
				return Command{}, err
			}
			cmd.HasUID = true
		}

	default:
		return Command{}, invalid("unknown command %q", fields[0])
	}
	return cmd, nil
}

func parseFD(s string) (int, error) {
	fd, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindValidation, "malformed socket fd %q", s)
	}
	if fd < 0 {
		return 0, invalid("negative socket fd %d", fd)
	}
	return fd, nil
}

func parseUID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindValidation, "malformed uid %q", s)
	}
	return uint32(v), nil
}

// String renders cmd in wire form.
func (c Command) String() string {
	var b strings.Builder
	b.WriteByte(byte(c.Op))
	switch c.Op {
	case OpTag:
		b.WriteString(" " + strconv.Itoa(c.FD) + " " + FormatAcctTag(c.AcctTag))
		if c.HasUID {
			b.WriteString(" " + strconv.FormatUint(uint64(c.UID), 10))
		}
	case OpUntag:
		b.WriteString(" " + strconv.Itoa(c.FD))
	case OpCounterSet:
		b.WriteString(" " + strconv.Itoa(c.CounterSet) + " " + strconv.FormatUint(uint64(c.UID), 10))
	case OpDelete:
		b.WriteString(" " + FormatAcctTag(c.AcctTag))
		if c.HasUID {
			b.WriteString(" " + strconv.FormatUint(uint64(c.UID), 10))
		}
	}
	return b.String()
}

// SocketResolver maps a file descriptor in a caller's process to the
// socket identity the packet path reports.
type SocketResolver interface {
	ResolveSocket(pid int32, fd int) (SocketID, error)
}

// CommandProcessor applies control commands. It is the only writer of the
// tag registry, sock tag table and counter set table.
type CommandProcessor struct {
	perms    Permissions
	resolver SocketResolver
	registry *TagRegistry
	socks    *SockTagTable
	sets     *CounterSetTable
	ifaces   *InterfaceRegistry
	events   *Events
	logger   *logging.Logger
}

// Permissions returns the active policy.
func (p *CommandProcessor) Permissions() Permissions { return p.perms }

// Execute parses and applies line on behalf of c. On success it returns
// the number of bytes consumed.
func (p *CommandProcessor) Execute(c Caller, line string) (int, error) {
	cmd, err := ParseCommand(line)
	if err == nil {
		err = p.Apply(c, cmd)
	}
	if err != nil {
		p.events.CommandErrors.Add(1)
		p.logger.Debug("Command failed", "cmd", strings.TrimSpace(line), "uid", c.UID, "pid", c.PID, "error", err)
		return errors.Errno(err), err
	}
	return len(line), nil
}

// Apply runs a parsed command.
func (p *CommandProcessor) Apply(c Caller, cmd Command) error {
	uid := c.UID
	if cmd.HasUID {
		uid = cmd.UID
	}

	switch cmd.Op {
	case OpTag:
		sock, err := p.resolve(c, cmd.FD)
		if err != nil {
			return err
		}
		return p.Tag(c, sock, cmd.AcctTag, uid)
	case OpUntag:
		sock, err := p.resolve(c, cmd.FD)
		if err != nil {
			return err
		}
		return p.Untag(c, sock)
	case OpCounterSet:
		return p.SetCounterSet(c, uid, cmd.CounterSet)
	case OpDelete:
		return p.Delete(c, cmd.AcctTag, uid)
	}
	return invalid("unknown command %q", string(cmd.Op))
}

func (p *CommandProcessor) resolve(c Caller, fd int) (SocketID, error) {
	if p.resolver == nil {
		return 0, errors.New(errors.KindInternal, "no socket resolver configured")
	}
	sock, err := p.resolver.ResolveSocket(c.PID, fd)
	if err != nil {
		return 0, err
	}
	return sock, nil
}

// Tag assigns {acct, uid} to sock.
func (p *CommandProcessor) Tag(c Caller, sock SocketID, acct, uid uint32) error {
	if !p.perms.CanImpersonateUID(c, uid) {
		return errors.Errorf(errors.KindPermission, "uid %d may not tag for uid %d", c.UID, uid)
	}
	tag := MakeTag(acct, uid)
	if err := p.socks.TagSocket(sock, tag, c.Session, c.PID); err != nil {
		return err
	}
	p.events.SocketsTagged.Add(1)
	p.logger.Debug("Socket tagged", "socket", sock, "tag", tag.AcctHex(), "uid", uid, "pid", c.PID)
	return nil
}

// Untag removes sock's tag. Only the owning session or a privileged caller
// may do so. A tag set outside any session is owned by the uid it charges.
func (p *CommandProcessor) Untag(c Caller, sock SocketID) error {
	st, err := p.socks.UntagSocket(sock, func(st SockTag) error {
		if st.Owner != 0 && st.Owner == c.Session {
			return nil
		}
		if st.Owner == 0 && st.Tag.UID() == c.UID {
			return nil
		}
		if p.perms.CanManipulateUIDs(c) {
			return nil
		}
		return errors.Errorf(errors.KindPermission, "socket %d is owned by another session", sock)
	})
	if err != nil {
		return err
	}
	p.events.SocketsUntagged.Add(1)
	p.logger.Debug("Socket untagged", "socket", sock, "tag", st.Tag.AcctHex(), "uid", st.Tag.UID())
	return nil
}

// SetCounterSet switches uid's active counter set.
func (p *CommandProcessor) SetCounterSet(c Caller, uid uint32, set int) error {
	if !p.perms.CanManipulateUIDs(c) {
		return errors.Errorf(errors.KindPermission, "uid %d may not change counter sets", c.UID)
	}
	if err := p.sets.Set(uid, set); err != nil {
		return err
	}
	p.events.CounterSetChanges.Add(1)
	return nil
}

// DeleteResult summarises what a delete removed.
type DeleteResult struct {
	Sockets    int
	CounterSet bool
	TagStats   int
	TagRefs    int
}

func (r DeleteResult) empty() bool {
	return r.Sockets == 0 && !r.CounterSet && r.TagStats == 0 && r.TagRefs == 0
}

// Delete drops the data of {acct, uid}; acct 0 drops everything the uid
// has, including its counter set entry.
func (p *CommandProcessor) Delete(c Caller, acct, uid uint32) error {
	_, err := p.DeleteData(c, acct, uid)
	return err
}

// DeleteData is Delete returning what was removed.
func (p *CommandProcessor) DeleteData(c Caller, acct, uid uint32) (DeleteResult, error) {
	if !p.perms.CanImpersonateUID(c, uid) {
		return DeleteResult{}, errors.Errorf(errors.KindPermission, "uid %d may not delete data of uid %d", c.UID, uid)
	}
	p.events.DeleteCommands.Add(1)

	var res DeleteResult
	untagged, err := p.socks.DeleteByUID(uid, acct)
	res.Sockets = len(untagged)
	if acct == 0 {
		res.CounterSet = p.sets.Delete(uid)
	}
	res.TagStats = p.ifaces.DeleteTagStats(uid, acct)
	res.TagRefs = p.registry.PruneUnused(uid, acct)
	if err != nil {
		return res, err
	}

	p.logger.Debug("Deleted tag data", "tag", FormatAcctTag(acct), "uid", uid,
		"sockets", res.Sockets, "tag_stats", res.TagStats, "counter_set", res.CounterSet)
	if res.empty() {
		return res, errors.Errorf(errors.KindNotFound, "no data for %s", MakeTag(acct, uid))
	}
	return res, nil
}
