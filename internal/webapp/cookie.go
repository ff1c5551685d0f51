package webapp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const minCookieKeyLen = 32

// cookieSigner issues browser ids as "<uuid>.<mac>" so only ids minted by
// this server are ever bound to a session.
type cookieSigner struct {
	key []byte
}

func newCookieSigner(key []byte) (*cookieSigner, error) {
	if len(key) == 0 {
		key = make([]byte, minCookieKeyLen)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("webapp: generate cookie key: %w", err)
		}
	}
	if len(key) < minCookieKeyLen {
		return nil, fmt.Errorf("webapp: cookie key must be at least %d bytes", minCookieKeyLen)
	}
	return &cookieSigner{key: key}, nil
}

// mint returns a fresh browser id and its cookie value.
func (s *cookieSigner) mint() (id, value string) {
	id = uuid.NewString()
	return id, s.sign(id)
}

func (s *cookieSigner) sign(id string) string {
	return id + "." + s.mac(id)
}

// verify returns the browser id carried by value, or false for anything this
// server did not sign.
func (s *cookieSigner) verify(value string) (string, bool) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok {
		return "", false
	}
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(id))) {
		return "", false
	}
	return id, true
}

func (s *cookieSigner) mac(id string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
