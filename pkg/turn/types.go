// Package turn implements the TURN relay extensions to STUN, RFC 5766 and
// RFC 8656.
package turn

import (
	"encoding/binary"
	"fmt"

	"github.com/turnrelay/turnd/pkg/stun"
)

// bin is shorthand for binary.BigEndian.
var bin = binary.BigEndian

// Addr is a transport address, as used throughout the allocator: an IP and
// a port, independent of the STUN wire encoding.
type Addr = stun.Addr

// Protocol identifies a transport protocol requested for a relayed
// transport address (RFC 5766 Section 14.7).
type Protocol byte

// Transport protocol numbers, matching IANA protocol numbers.
const (
	ProtoUDP Protocol = 17
	ProtoTCP Protocol = 6
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "UDP"
	case ProtoTCP:
		return "TCP"
	default:
		return fmt.Sprintf("protocol(%d)", byte(p))
	}
}

// FiveTuple identifies a TURN allocation: client transport address, server
// transport address and transport protocol (RFC 5766 Section 2.2).
type FiveTuple struct {
	Client Addr
	Server Addr
	Proto  Protocol
}

// Equal reports whether t and b identify the same allocation.
func (t FiveTuple) Equal(b FiveTuple) bool {
	return t.Proto == b.Proto && t.Client.Equal(b.Client) && t.Server.Equal(b.Server)
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("%s->%s (%s)", t.Client, t.Server, t.Proto)
}

// BadAttrLength is returned when an attribute's decoded length does not
// match what is expected for its type.
type BadAttrLength struct {
	Attr     stun.AttrType
	Got      int
	Expected int
}

func (e BadAttrLength) Error() string {
	return fmt.Sprintf("incorrect length for %d: got %d, expected %d", e.Attr, e.Got, e.Expected)
}
