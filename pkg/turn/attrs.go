package turn

import (
	"strconv"
	"time"

	"github.com/turnrelay/turnd/pkg/stun"
)

// TURN attribute registrations, RFC 5766 Section 14 and RFC 8656 Section 18.
const (
	AttrChannelNumber    stun.AttrType = 0x000C
	AttrLifetime         stun.AttrType = 0x000D
	AttrXORPeerAddress   stun.AttrType = 0x0012
	AttrData             stun.AttrType = 0x0013
	AttrXORRelayedAddr   stun.AttrType = 0x0016
	AttrEvenPort         stun.AttrType = 0x0018
	AttrRequestedTransp  stun.AttrType = 0x0019
	AttrDontFragment     stun.AttrType = 0x001A
	AttrReservationToken stun.AttrType = 0x0022
)

// ChannelNumber is the CHANNEL-NUMBER attribute: the number of the channel
// a ChannelBind request wants to (re)bind.
//
// RFC 5766 Section 14.1
type ChannelNumber uint16

func (n ChannelNumber) String() string { return strconv.Itoa(int(n)) }

// Channel numbers are restricted to the range [0x4000, 0x4FFF] by this
// server; RFC 5766 allows up to 0x7FFF but reserves the upper range for
// future use, so only the conservative low range is accepted.
const (
	minChannelNumber = 0x4000
	maxChannelNumber = 0x4FFF
)

// ErrInvalidChannelNumber means a channel number is outside the accepted
// range.
var ErrInvalidChannelNumber = newTurnErr("channel number not in [0x4000, 0x4FFF]")

// Valid reports whether n is in the accepted channel number range.
func (n ChannelNumber) Valid() bool {
	return n >= minChannelNumber && n <= maxChannelNumber
}

const channelNumberSize = 4

// AddTo implements stun.Setter.
func (n ChannelNumber) AddTo(m *stun.Message) error {
	v := make([]byte, channelNumberSize)
	bin.PutUint16(v[:2], uint16(n))
	m.Add(AttrChannelNumber, v)
	return nil
}

// GetFrom implements stun.Getter.
func (n *ChannelNumber) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(v.Value) != channelNumberSize {
		return BadAttrLength{Attr: AttrChannelNumber, Got: len(v.Value), Expected: channelNumberSize}
	}
	*n = ChannelNumber(bin.Uint16(v.Value[:2]))
	return nil
}

// Lifetime is the LIFETIME attribute: the requested or granted allocation
// lifetime, in seconds on the wire.
//
// RFC 5766 Section 14.2
type Lifetime struct {
	Duration time.Duration
}

const lifetimeSize = 4

// AddTo implements stun.Setter.
func (l Lifetime) AddTo(m *stun.Message) error {
	v := make([]byte, lifetimeSize)
	bin.PutUint32(v, uint32(l.Duration/time.Second))
	m.Add(AttrLifetime, v)
	return nil
}

// GetFrom implements stun.Getter.
func (l *Lifetime) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrLifetime)
	if err != nil {
		return err
	}
	if len(v.Value) != lifetimeSize {
		return BadAttrLength{Attr: AttrLifetime, Got: len(v.Value), Expected: lifetimeSize}
	}
	l.Duration = time.Duration(bin.Uint32(v.Value)) * time.Second
	return nil
}

// PeerAddress is the XOR-PEER-ADDRESS attribute: the transport address of
// the remote peer, as seen by the server.
//
// RFC 5766 Section 14.3
type PeerAddress stun.Addr

func (a PeerAddress) String() string { return stun.XORMappedAddress(a).String() }

// AddTo implements stun.Setter.
func (a PeerAddress) AddTo(m *stun.Message) error {
	x := stun.XORMappedAddress(a)
	return x.AddToAs(m, AttrXORPeerAddress)
}

// GetFrom implements stun.Getter.
func (a *PeerAddress) GetFrom(m *stun.Message) error {
	return (*stun.XORMappedAddress)(a).GetFromAs(m, AttrXORPeerAddress)
}

// PeerAddressesFrom returns every XOR-PEER-ADDRESS attribute present in m,
// in message order. RFC 5766 Section 9.1 permits a CreatePermission request
// to carry more than one, one per peer being authorized in a single
// transaction.
func PeerAddressesFrom(m *stun.Message) ([]PeerAddress, error) {
	raws := m.Attributes.GetAll(AttrXORPeerAddress)
	if len(raws) == 0 {
		return nil, stun.ErrAttributeNotFound
	}
	out := make([]PeerAddress, 0, len(raws))
	for _, raw := range raws {
		addr, err := stun.DecodeXORAddr(raw.Value, m.TransactionID)
		if err != nil {
			return nil, err
		}
		out = append(out, PeerAddress(addr))
	}
	return out, nil
}

// Data is the DATA attribute: the application data being relayed.
//
// RFC 5766 Section 14.4
type Data []byte

// AddTo implements stun.Setter.
func (d Data) AddTo(m *stun.Message) error {
	m.Add(AttrData, d)
	return nil
}

// GetFrom implements stun.Getter.
func (d *Data) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrData)
	if err != nil {
		return err
	}
	*d = append((*d)[:0], v.Value...)
	return nil
}

// RelayedAddress is the XOR-RELAYED-ADDRESS attribute: the relayed
// transport address allocated on the server.
//
// RFC 5766 Section 14.5
type RelayedAddress stun.Addr

func (a RelayedAddress) String() string { return stun.XORMappedAddress(a).String() }

// AddTo implements stun.Setter.
func (a RelayedAddress) AddTo(m *stun.Message) error {
	x := stun.XORMappedAddress(a)
	return x.AddToAs(m, AttrXORRelayedAddr)
}

// GetFrom implements stun.Getter.
func (a *RelayedAddress) GetFrom(m *stun.Message) error {
	return (*stun.XORMappedAddress)(a).GetFromAs(m, AttrXORRelayedAddr)
}

// EvenPort is the EVEN-PORT attribute: a request for the relayed
// transport address to have an even port number, optionally reserving the
// next higher (odd) port.
//
// RFC 5766 Section 14.6
type EvenPort struct {
	ReservePort bool
}

const evenPortSize = 1
const evenPortReserveBit = 0x80

// AddTo implements stun.Setter.
func (e EvenPort) AddTo(m *stun.Message) error {
	v := byte(0)
	if e.ReservePort {
		v = evenPortReserveBit
	}
	m.Add(AttrEvenPort, []byte{v})
	return nil
}

// GetFrom implements stun.Getter.
func (e *EvenPort) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrEvenPort)
	if err != nil {
		return err
	}
	if len(v.Value) != evenPortSize {
		return BadAttrLength{Attr: AttrEvenPort, Got: len(v.Value), Expected: evenPortSize}
	}
	e.ReservePort = v.Value[0]&evenPortReserveBit != 0
	return nil
}

// RequestedTransport is the REQUESTED-TRANSPORT attribute: the transport
// protocol the client wants the server to relay over.
//
// RFC 5766 Section 14.7
type RequestedTransport struct {
	Protocol Protocol
}

const requestedTransportSize = 4

// RequestedTransportUDP is a ready-made REQUESTED-TRANSPORT(UDP) Setter,
// the only protocol this server allocates.
var RequestedTransportUDP = RequestedTransport{Protocol: ProtoUDP}

// AddTo implements stun.Setter.
func (t RequestedTransport) AddTo(m *stun.Message) error {
	v := make([]byte, requestedTransportSize)
	v[0] = byte(t.Protocol)
	m.Add(AttrRequestedTransp, v)
	return nil
}

// GetFrom implements stun.Getter.
func (t *RequestedTransport) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrRequestedTransp)
	if err != nil {
		return err
	}
	if len(v.Value) != requestedTransportSize {
		return BadAttrLength{Attr: AttrRequestedTransp, Got: len(v.Value), Expected: requestedTransportSize}
	}
	t.Protocol = Protocol(v.Value[0])
	return nil
}

// DontFragment is the DONT-FRAGMENT attribute: a zero-length flag asking
// the server to set the DF bit on UDP relayed over IPv4.
//
// RFC 5766 Section 14.8
type DontFragment struct{}

// AddTo implements stun.Setter.
func (DontFragment) AddTo(m *stun.Message) error {
	m.Add(AttrDontFragment, nil)
	return nil
}

// GetFrom implements stun.Getter.
func (DontFragment) GetFrom(m *stun.Message) error {
	_, err := m.Get(AttrDontFragment)
	return err
}

// ReservationToken is the RESERVATION-TOKEN attribute: an 8-byte opaque
// token referencing a previously reserved port.
//
// RFC 5766 Section 14.9
type ReservationToken [8]byte

// AddTo implements stun.Setter.
func (r ReservationToken) AddTo(m *stun.Message) error {
	m.Add(AttrReservationToken, r[:])
	return nil
}

// GetFrom implements stun.Getter.
func (r *ReservationToken) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrReservationToken)
	if err != nil {
		return err
	}
	if len(v.Value) != len(r) {
		return BadAttrLength{Attr: AttrReservationToken, Got: len(v.Value), Expected: len(r)}
	}
	copy(r[:], v.Value)
	return nil
}

type turnErr string

func (e turnErr) Error() string { return "turn: " + string(e) }

func newTurnErr(s string) error { return turnErr(s) }
