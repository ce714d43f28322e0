package stun

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Address families used on the wire (RFC 5389 Section 15.1).
const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// Addr is a transport address: an IP and a port. It is the common shape
// shared by MAPPED-ADDRESS, XOR-MAPPED-ADDRESS and (in package turn)
// XOR-PEER-ADDRESS / XOR-RELAYED-ADDRESS.
type Addr struct {
	IP   net.IP
	Port int
}

func (a Addr) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// FromUDPAddr sets a's IP and Port from u, avoiding an allocation for the
// common case of turning a *net.UDPAddr from ReadFrom into an Addr.
func (a *Addr) FromUDPAddr(u *net.UDPAddr) {
	a.IP = u.IP
	a.Port = u.Port
}

// Equal compares by IP and port; a nil and a zero-length IP compare equal.
func (a Addr) Equal(b Addr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// family returns the wire address-family byte for a.IP.
func (a Addr) family() byte {
	if a.IP.To4() != nil {
		return familyIPv4
	}
	return familyIPv6
}

func encodeAddr(dst *[]byte, a Addr) {
	ip4 := a.IP.To4()
	family := familyIPv4
	ip := ip4
	if ip4 == nil {
		family = familyIPv6
		ip = a.IP.To16()
	}
	buf := make([]byte, 4+len(ip))
	buf[0] = 0
	buf[1] = family
	binary.BigEndian.PutUint16(buf[2:4], uint16(a.Port))
	copy(buf[4:], ip)
	*dst = buf
}

func decodeAddr(v []byte) (Addr, error) {
	if len(v) < 4 {
		return Addr{}, newDecodeErr("address", "too short")
	}
	family := v[1]
	port := int(binary.BigEndian.Uint16(v[2:4]))
	var ip net.IP
	switch family {
	case familyIPv4:
		if len(v) != 8 {
			return Addr{}, newDecodeErr("address", "bad ipv4 length")
		}
		ip = net.IP(v[4:8])
	case familyIPv6:
		if len(v) != 20 {
			return Addr{}, newDecodeErr("address", "bad ipv6 length")
		}
		ip = net.IP(v[4:20])
	default:
		return Addr{}, newDecodeErr("address", "unknown family")
	}
	out := make(net.IP, len(ip))
	copy(out, ip)
	return Addr{IP: out, Port: port}, nil
}

// xorAddr XORs the port with the high 16 bits of the magic cookie, and the
// address with the magic cookie (IPv4) or the magic cookie concatenated
// with the transaction id (IPv6), per RFC 5389 Section 15.2.
func xorAddr(a Addr, tid TxID) Addr {
	out := Addr{Port: a.Port ^ (magicCookie >> 16), IP: make(net.IP, len(a.IP))}
	var xorBytes [16]byte
	binary.BigEndian.PutUint32(xorBytes[0:4], magicCookie)
	copy(xorBytes[4:16], tid[:])
	ip4 := a.IP.To4()
	src := []byte(a.IP)
	if ip4 != nil {
		src = ip4
		out.IP = make(net.IP, 4)
	}
	for i := range src {
		out.IP[i] = src[i] ^ xorBytes[i]
	}
	return out
}

// MappedAddress is the STUN MAPPED-ADDRESS attribute: the address as
// observed by the server, encoded without obfuscation.
type MappedAddress Addr

// AddTo implements Setter.
func (a *MappedAddress) AddTo(m *Message) error {
	var v []byte
	encodeAddr(&v, Addr(*a))
	m.Add(AttrMappedAddress, v)
	return nil
}

// GetFrom implements Getter.
func (a *MappedAddress) GetFrom(m *Message) error {
	raw, err := m.Get(AttrMappedAddress)
	if err != nil {
		return err
	}
	addr, err := decodeAddr(raw.Value)
	if err != nil {
		return err
	}
	*a = MappedAddress(addr)
	return nil
}

// XORMappedAddress is the STUN XOR-MAPPED-ADDRESS attribute. The XOR
// encoding is shared by package turn's XOR-PEER-ADDRESS and
// XOR-RELAYED-ADDRESS attributes via AddToAs/GetFromAs.
type XORMappedAddress Addr

// AddTo implements Setter.
func (a *XORMappedAddress) AddTo(m *Message) error {
	return a.AddToAs(m, AttrXORMappedAddress)
}

// AddToAs encodes a as an XOR-obfuscated address attribute of type t.
func (a *XORMappedAddress) AddToAs(m *Message, t AttrType) error {
	var v []byte
	encodeAddr(&v, xorAddr(Addr(*a), m.TransactionID))
	m.Add(t, v)
	return nil
}

// GetFrom implements Getter.
func (a *XORMappedAddress) GetFrom(m *Message) error {
	return a.GetFromAs(m, AttrXORMappedAddress)
}

// GetFromAs decodes an XOR-obfuscated address attribute of type t into a.
func (a *XORMappedAddress) GetFromAs(m *Message, t AttrType) error {
	raw, err := m.Get(t)
	if err != nil {
		return err
	}
	addr, err := decodeAddr(raw.Value)
	if err != nil {
		return err
	}
	*a = XORMappedAddress(xorAddr(addr, m.TransactionID))
	return nil
}

// DecodeXORAddr decodes the value of a single XOR-obfuscated address
// attribute (as found in a RawAttribute.Value from Attributes.GetAll), using
// txID as the XOR mask. Used where a message may carry more than one
// instance of an XOR-address attribute type, where Get only returns the
// first one.
func DecodeXORAddr(v []byte, txID TxID) (Addr, error) {
	addr, err := decodeAddr(v)
	if err != nil {
		return Addr{}, err
	}
	return xorAddr(addr, txID), nil
}

func (a XORMappedAddress) String() string { return Addr(a).String() }
func (a MappedAddress) String() string    { return Addr(a).String() }

// AlternateServer is the STUN ALTERNATE-SERVER attribute, encoded like
// MAPPED-ADDRESS (not XOR-obfuscated).
type AlternateServer Addr

// AddTo implements Setter.
func (a *AlternateServer) AddTo(m *Message) error {
	var v []byte
	encodeAddr(&v, Addr(*a))
	m.Add(AttrAlternateServer, v)
	return nil
}

// GetFrom implements Getter.
func (a *AlternateServer) GetFrom(m *Message) error {
	raw, err := m.Get(AttrAlternateServer)
	if err != nil {
		return err
	}
	addr, err := decodeAddr(raw.Value)
	if err != nil {
		return err
	}
	*a = AlternateServer(addr)
	return nil
}

// EncodeAddr and DecodeAddr expose the raw (non-XOR) address codec to
// package turn, which reuses it for XOR-PEER-ADDRESS/XOR-RELAYED-ADDRESS
// after applying the same XOR transform.
func EncodeAddr(dst *[]byte, a Addr) { encodeAddr(dst, a) }

// DecodeAddr decodes a raw (non-XOR) address TLV value.
func DecodeAddr(v []byte) (Addr, error) { return decodeAddr(v) }

// XORAddr applies the RFC 5389 Section 15.2 XOR transform in either
// direction (it is its own inverse).
func XORAddr(a Addr, tid TxID) Addr { return xorAddr(a, tid) }

// MagicCookie returns the fixed STUN magic cookie value.
func MagicCookie() uint32 { return magicCookie }
