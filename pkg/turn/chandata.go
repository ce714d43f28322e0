package turn

import "io"

// ChannelData is the 4-byte-header framing used once a channel is bound,
// carrying raw application data without STUN attribute overhead.
//
// RFC 5766 Section 11.4
type ChannelData struct {
	Data   []byte // may alias a subslice of Raw
	Length int    // set by Decode; ignored by Encode (len(Data) is used)
	Number ChannelNumber
	Raw    []byte
}

const (
	channelNumberFieldSize = 2
	channelLengthFieldSize = 2
	channelDataHeaderSize  = channelNumberFieldSize + channelLengthFieldSize
)

func (c *ChannelData) grow(n int) {
	total := len(c.Raw) + n
	for cap(c.Raw) < total {
		c.Raw = append(c.Raw[:cap(c.Raw)], 0)
	}
	c.Raw = c.Raw[:total]
}

// Reset clears c for reuse.
func (c *ChannelData) Reset() {
	c.Raw = c.Raw[:0]
	c.Data = c.Data[:0]
	c.Length = 0
}

// WriteHeader serializes the channel number and length into Raw.
func (c *ChannelData) WriteHeader() {
	if len(c.Raw) < channelDataHeaderSize {
		c.grow(channelDataHeaderSize)
	}
	bin.PutUint16(c.Raw[0:channelNumberFieldSize], uint16(c.Number))
	bin.PutUint16(c.Raw[channelNumberFieldSize:channelDataHeaderSize], uint16(len(c.Data)))
}

// Encode serializes c into Raw.
func (c *ChannelData) Encode() {
	c.Raw = c.Raw[:0]
	c.WriteHeader()
	c.Raw = append(c.Raw, c.Data...)
}

// ErrBadChannelDataLength means the length field did not match the actual
// data carried.
var ErrBadChannelDataLength = newTurnErr("channel data length mismatch")

// Decode parses Raw into Number, Length and Data.
func (c *ChannelData) Decode() error {
	buf := c.Raw
	if len(buf) < channelDataHeaderSize {
		return io.ErrUnexpectedEOF
	}
	c.Number = ChannelNumber(bin.Uint16(buf[0:channelNumberFieldSize]))
	if !c.Number.Valid() {
		return ErrInvalidChannelNumber
	}
	l := int(bin.Uint16(buf[channelNumberFieldSize:channelDataHeaderSize]))
	c.Length = l
	c.Data = buf[channelDataHeaderSize:]
	if l != len(c.Data) {
		return ErrBadChannelDataLength
	}
	return nil
}

// IsChannelData reports whether buf looks like a ChannelData frame: its
// top two bits are "01" (a valid channel number) and its length field is
// consistent, letting the server demultiplex it from STUN on the same
// socket (RFC 5766 Section 11.4 via the channel number ranges in Section
// 11).
func IsChannelData(buf []byte) bool {
	if len(buf) < channelDataHeaderSize {
		return false
	}
	n := ChannelNumber(bin.Uint16(buf[0:channelNumberFieldSize]))
	if !n.Valid() {
		return false
	}
	l := int(bin.Uint16(buf[channelNumberFieldSize:channelDataHeaderSize]))
	return l == len(buf[channelDataHeaderSize:])
}
