package auth

import "testing"

func TestParseAcceptsUserAndToken(t *testing.T) {
	cases := []struct {
		in      string
		isToken bool
		user    Authid
	}{
		{"alice@home", false, "alice@home"},
		{"alice@home!nightly", true, "alice@home"},
		{"backup-svc@ldap!agent1", true, "backup-svc@ldap"},
	}
	for _, c := range cases {
		a, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if a.IsToken() != c.isToken {
			t.Errorf("IsToken(%q) = %v, want %v", c.in, a.IsToken(), c.isToken)
		}
		if a.User() != c.user {
			t.Errorf("User(%q) = %q, want %q", c.in, a.User(), c.user)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "noseparator", "two\nlines@home", "slash/ed@home"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}
