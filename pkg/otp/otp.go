package otp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Period is the TOTP time step.
const Period = 30 * time.Second

// Secret is a parsed TOTP seed.
type Secret struct {
	Key    []byte
	Digits int
}

// Generator produces codes for the account's authenticator seed.
type Generator struct {
	secret Secret
	now    func() time.Time
}

// NewGenerator parses raw and returns a generator using the wall clock.
func NewGenerator(raw string) (*Generator, error) {
	s, err := ParseSecret(raw)
	if err != nil {
		return nil, err
	}
	return &Generator{secret: s, now: time.Now}, nil
}

// Code returns the code valid right now. If the current step expires in less
// than minValidity, the next step's code is returned so a slow form submit
// still lands inside its window.
func (g *Generator) Code(minValidity time.Duration) string {
	t := g.now()
	if Remaining(t) < minValidity {
		t = t.Add(Period)
	}
	return g.secret.At(t)
}

// Remaining is how long the code for t stays valid.
func Remaining(t time.Time) time.Duration {
	elapsed := time.Duration(t.Unix()%int64(Period/time.Second)) * time.Second
	return Period - elapsed
}

// GenerateTOTP creates a code for the provided secret at time t.
func GenerateTOTP(raw string, t time.Time) (string, error) {
	s, err := ParseSecret(raw)
	if err != nil {
		return "", err
	}
	return s.At(t), nil
}

// At computes the RFC 6238 code (HMAC-SHA1) for time t.
func (s Secret) At(t time.Time) string {
	digits := s.Digits
	if digits <= 0 {
		digits = 6
	}
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(t.Unix()/int64(Period/time.Second)))
	mac := hmac.New(sha1.New, s.Key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7FFFFFFF
	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, code%mod)
}

// ParseSecret accepts an otpauth:// URI, "<digits> <base32>", or bare base32
// (spaces and padding optional).
func ParseSecret(raw string) (Secret, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Secret{}, fmt.Errorf("empty secret")
	}

	digits := 6
	seed := raw
	if strings.HasPrefix(strings.ToLower(raw), "otpauth://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Secret{}, fmt.Errorf("invalid otpauth uri: %w", err)
		}
		q := u.Query()
		seed = q.Get("secret")
		if d, err := strconv.Atoi(q.Get("digits")); err == nil {
			digits = d
		}
	} else if parts := strings.Fields(raw); len(parts) >= 2 {
		if d, err := strconv.Atoi(parts[0]); err == nil {
			digits = d
			parts = parts[1:]
		}
		seed = strings.Join(parts, "")
	}

	if digits < 6 || digits > 10 {
		return Secret{}, fmt.Errorf("unsupported digit count %d", digits)
	}
	key, err := decodeSeed(seed)
	if err != nil {
		return Secret{}, err
	}
	return Secret{Key: key, Digits: digits}, nil
}

func decodeSeed(seed string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimRight(strings.TrimSpace(seed), "="))
	if s == "" {
		return nil, fmt.Errorf("empty secret")
	}
	for _, enc := range []*base32.Encoding{base32.StdEncoding, base32.HexEncoding} {
		if k, err := enc.WithPadding(base32.NoPadding).DecodeString(s); err == nil && len(k) > 0 {
			return k, nil
		}
	}
	return nil, fmt.Errorf("unsupported TOTP secret format")
}
