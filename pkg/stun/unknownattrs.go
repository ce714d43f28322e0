package stun

// UnknownAttributes is the STUN UNKNOWN-ATTRIBUTES attribute: the list of
// comprehension-required attribute types the server did not recognize,
// carried on a 420 (Unknown Attribute) error response.
type UnknownAttributes []AttrType

// AddTo implements Setter.
func (u UnknownAttributes) AddTo(m *Message) error {
	v := make([]byte, 2*len(u))
	for i, t := range u {
		bin.PutUint16(v[2*i:2*i+2], uint16(t))
	}
	m.Add(AttrUnknownAttributes, v)
	return nil
}

// GetFrom implements Getter.
func (u *UnknownAttributes) GetFrom(m *Message) error {
	a, err := m.Get(AttrUnknownAttributes)
	if err != nil {
		return err
	}
	*u = (*u)[:0]
	for i := 0; i+1 < len(a.Value); i += 2 {
		*u = append(*u, AttrType(bin.Uint16(a.Value[i:i+2])))
	}
	return nil
}
