package stun

import "fmt"

// ErrorCodeAttribute is the STUN ERROR-CODE attribute: a 3-digit class/number
// pair plus a human-readable UTF-8 reason phrase (RFC 5389 Section 15.6).
type ErrorCodeAttribute struct {
	Code   ErrorCode
	Reason string
}

// ErrorCode is a STUN/TURN error response code, e.g. 401, 437, 508.
type ErrorCode int

// Error codes defined by RFC 5389 Section 15.6 and RFC 5766 Section 15.
const (
	CodeTryAlternate            ErrorCode = 300
	CodeBadRequest              ErrorCode = 400
	CodeUnauthorized            ErrorCode = 401
	CodeForbidden               ErrorCode = 403
	CodeAllocMismatch           ErrorCode = 437
	CodeWrongCredentials        ErrorCode = 441
	CodeUnsupportedTransport    ErrorCode = 442
	CodeUnknownAttribute        ErrorCode = 420
	CodeStaleNonce              ErrorCode = 438
	CodeAllocQuotaReached       ErrorCode = 486
	CodeServerError             ErrorCode = 500
	CodeInsufficientCapacity    ErrorCode = 508
)

var reasons = map[ErrorCode]string{
	CodeTryAlternate:         "Try Alternate",
	CodeBadRequest:           "Bad Request",
	CodeUnauthorized:         "Unauthorized",
	CodeForbidden:            "Forbidden",
	CodeAllocMismatch:        "Allocation Mismatch",
	CodeWrongCredentials:     "Wrong Credentials",
	CodeUnsupportedTransport: "Unsupported Transport Protocol",
	CodeUnknownAttribute:     "Unknown Attribute",
	CodeStaleNonce:           "Stale Nonce",
	CodeAllocQuotaReached:    "Allocation Quota Reached",
	CodeServerError:          "Server Error",
	CodeInsufficientCapacity: "Insufficient Capacity",
}

// AddTo implements Setter directly on the bare code, so a handler can pass
// e.g. stun.CodeBadRequest straight into a Build/buildErr call without
// wrapping it in NewErrorCode first.
func (c ErrorCode) AddTo(m *Message) error {
	return NewErrorCode(c).AddTo(m)
}

// NewErrorCode builds an ErrorCodeAttribute with the standard reason phrase
// for code, or a generic one if code is not one of the well-knowns.
func NewErrorCode(code ErrorCode) ErrorCodeAttribute {
	reason, ok := reasons[code]
	if !ok {
		reason = "Error"
	}
	return ErrorCodeAttribute{Code: code, Reason: reason}
}

// AddTo implements Setter.
func (e ErrorCodeAttribute) AddTo(m *Message) error {
	v := make([]byte, 4+len(e.Reason))
	v[0] = 0
	v[1] = 0
	v[2] = byte(e.Code / 100)
	v[3] = byte(e.Code % 100)
	copy(v[4:], e.Reason)
	m.Add(AttrErrorCode, v)
	return nil
}

// GetFrom implements Getter.
func (e *ErrorCodeAttribute) GetFrom(m *Message) error {
	a, err := m.Get(AttrErrorCode)
	if err != nil {
		return err
	}
	if len(a.Value) < 4 {
		return newDecodeErr("error-code", "too short")
	}
	class := int(a.Value[2] & 0x7)
	number := int(a.Value[3])
	e.Code = ErrorCode(class*100 + number)
	e.Reason = string(a.Value[4:])
	return nil
}

func (e ErrorCodeAttribute) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Reason)
}
