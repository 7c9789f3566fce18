// Package otp issues and checks short-lived numeric verification codes.
//
// Codes are six decimal digits drawn from crypto/rand. Only a keyed hash of
// the code is ever handed to storage; the plaintext exists in memory long
// enough to deliver it to the employee.
package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	apperr "github.com/tranvu/hrmledger/internal/platform/errors"
)

const codeDigits = 6

// Challenge is the stored half of an issued code.
type Challenge struct {
	Hash      string
	ExpiresAt time.Time
}

// Issuer generates and checks verification codes.
type Issuer struct {
	secret []byte
	ttl    time.Duration

	// now and reader are injection points for tests.
	now    func() time.Time
	reader io.Reader
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// WithReader overrides the randomness source.
func WithReader(reader io.Reader) Option {
	return func(i *Issuer) {
		i.reader = reader
	}
}

// NewIssuer builds an Issuer keyed with secret. Codes expire ttl after issue.
func NewIssuer(secret []byte, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("otp secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("otp ttl must be positive")
	}

	issuer := &Issuer{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
		reader: rand.Reader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(issuer)
		}
	}
	return issuer, nil
}

// Issue generates a fresh code bound to subject and returns the plaintext
// alongside the challenge to store.
func (i *Issuer) Issue(subject string) (code string, challenge Challenge, err error) {
	code, err = i.generate()
	if err != nil {
		return "", Challenge{}, err
	}
	challenge = Challenge{
		Hash:      i.HashCode(subject, code),
		ExpiresAt: i.now().UTC().Add(i.ttl),
	}
	return code, challenge, nil
}

// HashCode returns the hex-encoded keyed hash of a code bound to subject.
// Binding the subject keeps an intercepted hash from validating another
// request's code.
func (i *Issuer) HashCode(subject, code string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(subject))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// Check validates a submitted code against a stored challenge at the given
// time. Expiry is checked before the code so attackers learn nothing about
// a stale challenge.
func (i *Issuer) Check(challenge Challenge, subject, code string, at time.Time) error {
	if challenge.Hash == "" {
		return apperr.New(apperr.CodeOtpInvalid, "no active code")
	}
	if at.After(challenge.ExpiresAt) {
		return apperr.New(apperr.CodeOtpExpired, "code expired")
	}

	want := []byte(challenge.Hash)
	got := []byte(i.HashCode(subject, code))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return apperr.New(apperr.CodeOtpInvalid, "code mismatch")
	}
	return nil
}

// generate draws a uniformly distributed six digit code.
func (i *Issuer) generate() (string, error) {
	// Rejection sampling keeps the distribution uniform across 000000-999999.
	const bound = 1000000
	const limit = (1 << 32) / bound * bound

	var buf [4]byte
	for {
		if _, err := io.ReadFull(i.reader, buf[:]); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		value := binary.BigEndian.Uint32(buf[:])
		if value < limit {
			return fmt.Sprintf("%0*d", codeDigits, value%bound), nil
		}
	}
}
