package stun

import "golang.org/x/text/secure/precis"

// SASLprep normalizes a password per RFC 4013, applied via the OpaqueString
// profile from golang.org/x/text/secure/precis (the PRECIS successor to
// SASLprep referenced by RFC 5389 Section 15.5). Falls back to the input
// unchanged if it cannot be normalized (e.g. already-invalid UTF-8), since
// the short-term mechanism must still be able to authenticate the password
// byte-for-byte as configured.
func SASLprep(s string) string {
	out, err := precis.OpaqueString.String(s)
	if err != nil {
		return s
	}
	return out
}
