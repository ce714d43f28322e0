package stun

import "errors"

// AttrType is the 16-bit STUN attribute type. Values below 0x8000 are
// comprehension-required; the decoder must either recognize them or
// reject the message with 420 (Unknown Attribute). Values at or above
// 0x8000 are comprehension-optional and may be silently skipped.
type AttrType uint16

// Required reports whether unrecognized attributes of this type must be
// reported via UNKNOWN-ATTRIBUTES.
func (t AttrType) Required() bool { return t < 0x8000 }

// Recognized STUN attribute types (RFC 5389 Section 18.2, plus the TURN
// registrations re-exported from package turn).
const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXORMappedAddress  AttrType = 0x0020
	AttrSoftware          AttrType = 0x8022
	AttrAlternateServer   AttrType = 0x8023
	AttrFingerprint       AttrType = 0x8028
)

// Legacy RFC 3489 attributes the decoder silently drops for backwards
// compatibility instead of reporting as unknown comprehension-required
// attributes.
const (
	attrResponseAddress AttrType = 0x0002
	attrChangeAddress   AttrType = 0x0003
	attrSourceAddress   AttrType = 0x0004
	attrChangedAddress  AttrType = 0x0005
	attrPassword        AttrType = 0x0007
	attrReflectedFrom   AttrType = 0x000B
)

var ignoredAttr = map[AttrType]bool{
	attrResponseAddress: true,
	attrChangeAddress:   true,
	attrSourceAddress:   true,
	attrChangedAddress:  true,
	attrPassword:        true,
	attrReflectedFrom:   true,
}

// ErrAttributeNotFound is returned by Getter implementations and Get when
// the requested attribute is absent.
var ErrAttributeNotFound = errors.New("stun: attribute not found")

// RawAttribute is an undecoded type-length-value attribute; Value excludes
// padding.
type RawAttribute struct {
	Type  AttrType
	Value []byte
}

// Equal compares type and value, ignoring padding.
func (a RawAttribute) Equal(b RawAttribute) bool {
	if a.Type != b.Type || len(a.Value) != len(b.Value) {
		return false
	}
	for i := range a.Value {
		if a.Value[i] != b.Value[i] {
			return false
		}
	}
	return true
}

// Attributes is an ordered list of RawAttribute.
type Attributes []RawAttribute

// Get returns the first attribute of type t.
func (a Attributes) Get(t AttrType) (RawAttribute, bool) {
	for _, attr := range a {
		if attr.Type == t {
			return attr, true
		}
	}
	return RawAttribute{}, false
}

// GetAll returns every attribute of type t, in message order. Used where
// RFC permits more than one instance of an attribute type in a single
// message (e.g. multiple XOR-PEER-ADDRESS in a CreatePermission request).
func (a Attributes) GetAll(t AttrType) []RawAttribute {
	var out []RawAttribute
	for _, attr := range a {
		if attr.Type == t {
			out = append(out, attr)
		}
	}
	return out
}

// Unrecognized returns every comprehension-required attribute type present
// in the message that is not in the recognized set, used to build the
// UNKNOWN-ATTRIBUTES list for a 420 response.
func (a Attributes) Unrecognized(recognized map[AttrType]bool) []AttrType {
	var out []AttrType
	seen := map[AttrType]bool{}
	for _, attr := range a {
		if !attr.Type.Required() || recognized[attr.Type] || seen[attr.Type] {
			continue
		}
		seen[attr.Type] = true
		out = append(out, attr.Type)
	}
	return out
}
