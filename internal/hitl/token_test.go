package hitl_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"clipline/internal/hitl"
)

var issuedAt = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func issuerAt(now time.Time) hitl.TokenIssuer {
	return hitl.TokenIssuer{
		Secret: []byte("sssh"),
		Now:    func() time.Time { return now },
	}
}

func TestIssueAndVerify(t *testing.T) {
	token := issuerAt(issuedAt).Issue("run-1", "ideate")
	if err := issuerAt(issuedAt.Add(time.Minute)).Verify("run-1", "ideate", token); err != nil {
		t.Fatalf("verify fresh token: %v", err)
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	token := issuerAt(issuedAt).Issue("run-1", "ideate")
	if err := issuerAt(issuedAt.Add(24*time.Hour - time.Minute)).Verify("run-1", "ideate", token); err != nil {
		t.Fatalf("token inside the 24h window must verify: %v", err)
	}
	err := issuerAt(issuedAt.Add(24*time.Hour + time.Minute)).Verify("run-1", "ideate", token)
	if !errors.Is(err, hitl.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken past expiry, got %v", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	iss := issuerAt(issuedAt)
	token := iss.Issue("run-1", "ideate")

	cases := map[string]struct {
		runID, gate, token string
	}{
		"wrong run":    {"run-2", "ideate", token},
		"wrong gate":   {"run-1", "prepublish", token},
		"corrupt sig":  {"run-1", "ideate", issuerAt(issuedAt).Issue("run-1", "ideate")[:20] + strings.Repeat("0", 44)},
		"flipped byte": {"run-1", "ideate", flipLastHex(token)},
	}
	for name, c := range cases {
		if err := iss.Verify(c.runID, c.gate, c.token); !errors.Is(err, hitl.ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	iss := issuerAt(issuedAt)
	for _, token := range []string{"", "abc", "1:2:3", "notanumber:deadbeef"} {
		err := iss.Verify("run-1", "ideate", token)
		if !errors.Is(err, hitl.ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestCustomTTL(t *testing.T) {
	iss := issuerAt(issuedAt)
	iss.TTL = time.Hour
	token := iss.Issue("run-1", "ideate")
	later := issuerAt(issuedAt.Add(2 * time.Hour))
	later.TTL = time.Hour
	if err := later.Verify("run-1", "ideate", token); !errors.Is(err, hitl.ErrInvalidToken) {
		t.Fatalf("expected expiry with custom TTL, got %v", err)
	}
	if iss.ExpiresIn() != 3600 {
		t.Fatalf("expected 3600s lifetime, got %d", iss.ExpiresIn())
	}
}

func flipLastHex(token string) string {
	last := token[len(token)-1]
	repl := byte('0')
	if last == '0' {
		repl = '1'
	}
	return token[:len(token)-1] + string(repl)
}
