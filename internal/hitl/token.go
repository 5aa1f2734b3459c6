package hitl

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidToken is the uniform caller-facing verdict for every token
// failure. The specific reason (malformed, expired, bad signature) is only
// logged, never leaked to the caller.
var ErrInvalidToken = errors.New("invalid or expired token")

const DefaultTokenTTL = 24 * time.Hour

// TokenIssuer mints and verifies signed, time-limited approval tokens of
// the form "<timestamp>:<hex signature>".
type TokenIssuer struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func (t TokenIssuer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t TokenIssuer) ttl() time.Duration {
	if t.TTL > 0 {
		return t.TTL
	}
	return DefaultTokenTTL
}

func (t TokenIssuer) sign(runID, gate string, ts int64) string {
	mac := hmac.New(sha256.New, t.Secret)
	fmt.Fprintf(mac, "%s:%s:%d", runID, gate, ts)
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue returns a fresh token for the run/gate pair.
func (t TokenIssuer) Issue(runID, gate string) string {
	ts := t.now().Unix()
	return fmt.Sprintf("%d:%s", ts, t.sign(runID, gate, ts))
}

// Verify checks a token for the run/gate pair. The returned error wraps
// ErrInvalidToken and carries the internal reason for logging; callers must
// report only ErrInvalidToken outward.
func (t TokenIssuer) Verify(runID, gate, token string) error {
	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		return fmt.Errorf("%w: malformed token: expected 2 fields, got %d", ErrInvalidToken, len(parts))
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed token: non-numeric timestamp", ErrInvalidToken)
	}
	issued := time.Unix(ts, 0)
	if t.now().Sub(issued) > t.ttl() {
		return fmt.Errorf("%w: token expired: issued %s", ErrInvalidToken, issued.UTC().Format(time.RFC3339))
	}
	expected := t.sign(runID, gate, ts)
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}
	return nil
}

// ExpiresIn reports the configured token lifetime in seconds.
func (t TokenIssuer) ExpiresIn() int {
	return int(t.ttl() / time.Second)
}
