// Package signing implements the HMAC helper behind signed download URLs for
// locally stored exports.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature for key and expiry.
func (s *Signer) Sign(key string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%d", key, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected one. Expiry is
// not checked here; see Verify.
func (s *Signer) Validate(key, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(key, exp)
	// constant-time compare
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Verify validates the signature and rejects expired links.
func (s *Signer) Verify(key, expires, signature string, now time.Time) bool {
	if !s.Validate(key, expires, signature) {
		return false
	}
	exp, _ := strconv.ParseInt(expires, 10, 64)
	return now.Unix() <= exp
}

// Query returns the key, expires and signature parameters for a link valid
// for ttl from now.
func (s *Signer) Query(key string, ttl time.Duration, now time.Time) url.Values {
	exp := now.Add(ttl).Unix()
	q := url.Values{}
	q.Set("key", key)
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("signature", s.Sign(key, exp))
	return q
}
