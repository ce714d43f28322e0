package auth

import (
	"testing"
	"time"

	"github.com/turnrelay/turnd/pkg/stun"
)

func TestShortTerm_Auth(t *testing.T) {
	s := ShortTerm{Password: "pwd"}
	i := stun.NewShortTermIntegrity("pwd")
	m := stun.MustBuild(stun.BindingRequest, i)
	if _, err := s.Auth(m); err != nil {
		t.Error(err)
	}
	bad := ShortTerm{Password: "other"}
	if _, err := bad.Auth(m); err == nil {
		t.Error("expected error")
	}
}

func TestTimeLimited_Auth(t *testing.T) {
	now := time.Unix(1000, 0)
	t0 := TimeLimited{
		SharedSecret: "secret",
		Realm:        "realm",
		Now:          func() time.Time { return now },
	}
	t.Run("valid", func(t *testing.T) {
		username := "2000:base"
		password := t0.password(username)
		u := stun.NewUsername(username)
		i := stun.NewLongTermIntegrity(username, "realm", password)
		m := stun.MustBuild(stun.BindingRequest, u, i)
		if _, err := t0.Auth(m); err != nil {
			t.Error(err)
		}
	})
	t.Run("expired", func(t *testing.T) {
		username := "1:base"
		password := t0.password(username)
		u := stun.NewUsername(username)
		i := stun.NewLongTermIntegrity(username, "realm", password)
		m := stun.MustBuild(stun.BindingRequest, u, i)
		if _, err := t0.Auth(m); err != ErrCredentialExpired {
			t.Errorf("got %v, want ErrCredentialExpired", err)
		}
	})
	t.Run("malformed username", func(t *testing.T) {
		u := stun.NewUsername("not-a-timestamp")
		m := stun.MustBuild(stun.BindingRequest, u)
		if _, err := t0.Auth(m); err != errMalformedUsername {
			t.Errorf("got %v, want errMalformedUsername", err)
		}
	})
	t.Run("no username", func(t *testing.T) {
		m := stun.MustBuild(stun.BindingRequest)
		if _, err := t0.Auth(m); err == nil {
			t.Error("expected error")
		}
	})
}

func TestExpiryOf(t *testing.T) {
	exp, err := expiryOf("1000:base")
	if err != nil {
		t.Fatal(err)
	}
	if !exp.Equal(time.Unix(1000, 0)) {
		t.Errorf("got %v", exp)
	}
	if _, err = expiryOf("no-colon"); err != errMalformedUsername {
		t.Errorf("got %v, want errMalformedUsername", err)
	}
	if _, err = expiryOf("abc:base"); err != errMalformedUsername {
		t.Errorf("got %v, want errMalformedUsername", err)
	}
}
