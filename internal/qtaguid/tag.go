// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package qtaguid implements per-socket, per-uid, per-tag traffic accounting.
//
// A packet-observation front end feeds interface lifecycle events and
// per-packet observations into an Engine. A control channel tags sockets
// with application-chosen accounting tags; every packet on a tagged socket
// is charged both to its {acct_tag, uid} bucket and to the {0, uid}
// aggregate, sliced by interface, counter set, direction and protocol.
package qtaguid

import (
	"fmt"
	"strconv"
	"strings"

	"grimm.is/tagacct/internal/errors"
)

// Tag combines an accounting tag (upper 32 bits) with a uid (lower 32 bits).
// A zero accounting tag denotes the per-uid aggregate.
type Tag uint64

// MakeTag builds a Tag from its parts.
func MakeTag(acct, uid uint32) Tag {
	return Tag(uint64(acct)<<32 | uint64(uid))
}

// TagFromUID returns the aggregate tag {0, uid}.
func TagFromUID(uid uint32) Tag {
	return Tag(uid)
}

// AcctTag returns the accounting part.
func (t Tag) AcctTag() uint32 { return uint32(uint64(t) >> 32) }

// UID returns the uid part.
func (t Tag) UID() uint32 { return uint32(t) }

// Aggregate returns {0, uid} for t's uid.
func (t Tag) Aggregate() Tag { return TagFromUID(t.UID()) }

// IsAggregate reports whether t is a {0, uid} tag.
func (t Tag) IsAggregate() bool { return t.AcctTag() == 0 }

// AcctHex renders the accounting part in its 64-bit wire position.
func (t Tag) AcctHex() string {
	return fmt.Sprintf("0x%x", uint64(t)&^0xffffffff)
}

func (t Tag) String() string {
	return fmt.Sprintf("tag=0x%x (uid=%d)", uint64(t), t.UID())
}

// tagLess orders tags by uid, then accounting tag, so that a uid's
// aggregate sorts immediately before its refinements.
func tagLess(a, b Tag) bool {
	if a.UID() != b.UID() {
		return a.UID() < b.UID()
	}
	return a.AcctTag() < b.AcctTag()
}

// ParseAcctTag parses the wire form of an accounting tag: a 64-bit value,
// hex with a 0x prefix or decimal, whose lower 32 bits must be zero.
func ParseAcctTag(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindValidation, "malformed acct tag %q", s)
	}
	if v&0xffffffff != 0 {
		return 0, errors.Errorf(errors.KindValidation, "acct tag 0x%x has uid bits set", v)
	}
	return uint32(v >> 32), nil
}

// FormatAcctTag renders acct in the wire form accepted by ParseAcctTag.
func FormatAcctTag(acct uint32) string {
	return fmt.Sprintf("0x%x", uint64(acct)<<32)
}

// SocketID is an opaque socket identity supplied by the front end. It must
// stay stable for the lifetime of a connection and must not be reused
// before SocketClosed has been delivered for it.
type SocketID uint64

// SessionID identifies an open control-channel handle.
type SessionID uint64

// Direction of a packet relative to the local host.
type Direction int

const (
	DirRX Direction = iota
	DirTX
	numDirections
)

func (d Direction) String() string {
	switch d {
	case DirRX:
		return "rx"
	case DirTX:
		return "tx"
	}
	return "unknown"
}

// ProtoClass buckets L4 protocols.
type ProtoClass int

const (
	ProtoTCP ProtoClass = iota
	ProtoUDP
	ProtoOther
	numProtoClasses
)

func (p ProtoClass) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	}
	return "other"
}

// ProtoClassFromIPProto maps an IP protocol number to its class.
func ProtoClassFromIPProto(proto uint8) ProtoClass {
	switch proto {
	case 6:
		return ProtoTCP
	case 17:
		return ProtoUDP
	}
	return ProtoOther
}

// ByteCounters is a bytes/packets pair.
type ByteCounters struct {
	Bytes   uint64 `json:"bytes"`
	Packets uint64 `json:"packets"`
}

func (c *ByteCounters) add(bytes uint64) {
	c.Bytes += bytes
	c.Packets++
}

// DirProtoCounters holds counters for every direction and protocol class.
type DirProtoCounters [numDirections][numProtoClasses]ByteCounters

// Total sums a direction across protocol classes.
func (c *DirProtoCounters) Total(dir Direction) ByteCounters {
	var sum ByteCounters
	for _, pc := range c[dir] {
		sum.Bytes += pc.Bytes
		sum.Packets += pc.Packets
	}
	return sum
}
