package stun

import "fmt"

// MessageClass is the 2-bit class field of a STUN message type.
type MessageClass byte

// Possible message classes (RFC 5389 Section 6).
const (
	ClassRequest         MessageClass = 0x00
	ClassIndication      MessageClass = 0x01
	ClassSuccessResponse MessageClass = 0x02
	ClassErrorResponse   MessageClass = 0x03
)

func (c MessageClass) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return fmt.Sprintf("class(0x%x)", byte(c))
	}
}

// Method is the (up to) 12-bit method field of a STUN message type.
type Method uint16

// STUN and TURN methods (RFC 5389 Section 18.1, RFC 5766 Section 13).
const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

var methodNames = map[Method]string{
	MethodBinding:          "binding",
	MethodAllocate:         "allocate",
	MethodRefresh:          "refresh",
	MethodSend:             "send",
	MethodData:             "data",
	MethodCreatePermission: "create permission",
	MethodChannelBind:      "channel bind",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method(0x%x)", uint16(m))
}

// MessageType is the full (method, class) pair encoded in the 14-bit STUN
// message type field.
type MessageType struct {
	Method Method
	Class  MessageClass
}

// NewType builds a MessageType from a method and class.
func NewType(method Method, class MessageClass) MessageType {
	return MessageType{Method: method, Class: class}
}

// Bit layout per RFC 5389 Section 6, Figure 3:
//
//	 0                 1
//	 2  3  4 5 6 7 8 9 0 1 2 3 4 5
//	+--+--+-+-+-+-+-+-+-+-+-+-+-+-+
//	|M |M |M|M|M|C|M|M|M|C|M|M|M|M|
//	|11|10|9|8|7|1|6|5|4|0|3|2|1|0|
//	+--+--+-+-+-+-+-+-+-+-+-+-+-+-+
const (
	methodABits = 0xf
	methodBBits = 0x70
	methodDBits = 0xf80

	methodBShift = 1
	methodDShift = 2

	c0Bit = 0x1
	c1Bit = 0x2

	classC0Shift = 4
	classC1Shift = 7
)

// Value returns the 14-bit wire representation of t.
func (t MessageType) Value() uint16 {
	m := uint16(t.Method)
	a := m & methodABits
	b := m & methodBBits
	d := m & methodDBits
	method := a + (b << methodBShift) + (d << methodDShift)

	c := uint16(t.Class)
	c0 := (c & c0Bit) << classC0Shift
	c1 := (c & c1Bit) << classC1Shift
	return method + c0 + c1
}

// ReadValue decodes a 14-bit wire value into t.
func (t *MessageType) ReadValue(v uint16) {
	c0 := (v >> classC0Shift) & c0Bit
	c1 := (v >> classC1Shift) & c1Bit
	t.Class = MessageClass(c0 + c1)

	a := v & methodABits
	b := (v >> methodBShift) & methodBBits
	d := (v >> methodDShift) & methodDBits
	t.Method = Method(a + b + d)
}

func (t MessageType) String() string { return fmt.Sprintf("%s %s", t.Method, t.Class) }

// BindingRequest is the (Binding, Request) message type.
var BindingRequest = NewType(MethodBinding, ClassRequest)

// BindingSuccess is the (Binding, Success) message type.
var BindingSuccess = NewType(MethodBinding, ClassSuccessResponse)
