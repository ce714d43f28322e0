package auth

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is the coturn TURN REST API standard
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/turnrelay/turnd/pkg/stun"
)

// ShortTerm implements the short-term credential mechanism (RFC 5389
// Section 10.1): the client and server share a password out of band and
// use it directly as the HMAC key, with no REALM/NONCE round trip.
type ShortTerm struct {
	Password string
}

// Auth verifies m's MESSAGE-INTEGRITY against the shared password.
func (s ShortTerm) Auth(m *stun.Message) (stun.MessageIntegrity, error) {
	i := stun.NewShortTermIntegrity(s.Password)
	return i, i.Check(m)
}

// ErrCredentialExpired is returned by TimeLimited.Auth once the embedded
// expiry timestamp has passed.
var ErrCredentialExpired = errors.New("auth: time-limited credential expired")

// errMalformedUsername is returned when a USERNAME does not have the
// coturn REST API "<expiry>:<base>" shape.
var errMalformedUsername = errors.New("auth: malformed time-limited username")

// TimeLimited implements the ephemeral, time-limited credential mechanism
// popularized by the coturn TURN REST API: the username is
// "<unix-expiry>:<base>", and the password is
// base64(HMAC-SHA1(sharedSecret, username)), so any server holding
// sharedSecret can verify a credential it never provisioned ahead of time.
type TimeLimited struct {
	SharedSecret string
	Realm        string
	Now          func() time.Time
}

func (t TimeLimited) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// password derives the coturn-REST-API password for a given username.
func (t TimeLimited) password(username string) string {
	mac := hmac.New(sha1.New, []byte(t.SharedSecret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func expiryOf(username string) (time.Time, error) {
	idx := strings.IndexByte(username, ':')
	if idx < 0 {
		return time.Time{}, errMalformedUsername
	}
	sec, err := strconv.ParseInt(username[:idx], 10, 64)
	if err != nil {
		return time.Time{}, errMalformedUsername
	}
	return time.Unix(sec, 0), nil
}

// Auth verifies m's MESSAGE-INTEGRITY using the password derived from
// USERNAME and the shared secret, and rejects the request if the embedded
// expiry has already passed.
func (t TimeLimited) Auth(m *stun.Message) (stun.MessageIntegrity, error) {
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return nil, err
	}
	expiry, err := expiryOf(string(username))
	if err != nil {
		return nil, err
	}
	if !expiry.After(t.now()) {
		return nil, ErrCredentialExpired
	}
	i := stun.NewLongTermIntegrity(string(username), t.Realm, t.password(string(username)))
	return i, i.Check(m)
}
