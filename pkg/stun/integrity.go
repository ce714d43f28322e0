package stun

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // required by RFC 5389 HA1 derivation
	"crypto/sha1"
	"errors"
	"fmt"
)

const integritySize = 20

// MessageIntegrity is both the HMAC-SHA1 key used to sign a message and,
// once computed, the 20-byte attribute value itself.
type MessageIntegrity []byte

// NewShortTermIntegrity builds the HMAC key for the short-term credential
// mechanism: SASLprep(password), used directly.
func NewShortTermIntegrity(password string) MessageIntegrity {
	return MessageIntegrity(SASLprep(password))
}

// NewLongTermIntegrity builds the HMAC key for the long-term credential
// mechanism: HA1 = MD5(username:realm:password), per RFC 5389 Section
// 15.4.
func NewLongTermIntegrity(username, realm, password string) MessageIntegrity {
	h := md5.New() //nolint:gosec
	fmt.Fprintf(h, "%s:%s:%s", username, realm, SASLprep(password))
	return h.Sum(nil)
}

// sign computes the HMAC-SHA1 over m.Raw up to (but not including) the
// MESSAGE-INTEGRITY attribute, with the header length field temporarily
// set to cover the 20-byte body plus the 4-byte attribute header, as
// required so the receiver can reproduce the same digest.
func (i MessageIntegrity) sign(m *Message) []byte {
	length := len(m.Raw) + attributeHeaderSize + integritySize - messageHeaderSize
	old := make([]byte, 2)
	copy(old, m.Raw[2:4])
	bin.PutUint16(m.Raw[2:4], uint16(length))

	mac := hmac.New(sha1.New, i)
	mac.Write(m.Raw)
	sum := mac.Sum(nil)

	copy(m.Raw[2:4], old)
	return sum
}

// AddTo implements Setter: appends a freshly computed MESSAGE-INTEGRITY
// attribute. Must be added after every other attribute except FINGERPRINT.
func (i MessageIntegrity) AddTo(m *Message) error {
	sum := i.sign(m)
	m.Add(AttrMessageIntegrity, sum)
	return nil
}

// errIntegrityMismatch is returned by Check when the computed digest does
// not match the attribute's value.
var errIntegrityMismatch = errors.New("stun: message integrity mismatch")

// Check verifies that m carries a MESSAGE-INTEGRITY attribute matching the
// HMAC computed with key i over the bytes preceding it.
func (i MessageIntegrity) Check(m *Message) error {
	raw, err := m.Get(AttrMessageIntegrity)
	if err != nil {
		return err
	}
	if len(raw.Value) != integritySize {
		return errors.New("stun: bad message integrity length")
	}
	// Truncate a copy of Raw to the bytes preceding this attribute so sign
	// reproduces exactly what the sender hashed.
	offset := attrOffset(m, AttrMessageIntegrity)
	if offset < 0 {
		return ErrAttributeNotFound
	}
	saved := m.Raw
	m.Raw = append([]byte(nil), saved[:offset]...)
	sum := i.sign(m)
	m.Raw = saved
	if !hmac.Equal(sum, raw.Value) {
		return errIntegrityMismatch
	}
	return nil
}

// attrOffset returns the byte offset in m.Raw where the TLV for t begins,
// or -1 if not present. Used by Check and Fingerprint.Check to truncate
// Raw to "everything before this attribute".
func attrOffset(m *Message, t AttrType) int {
	offset := messageHeaderSize
	b := m.Raw[messageHeaderSize:]
	for len(b) >= attributeHeaderSize {
		at := AttrType(bin.Uint16(b[0:2]))
		length := int(bin.Uint16(b[2:4]))
		padded := nearestPadded(length)
		if at == t {
			return offset
		}
		b = b[attributeHeaderSize+padded:]
		offset += attributeHeaderSize + padded
	}
	return -1
}
