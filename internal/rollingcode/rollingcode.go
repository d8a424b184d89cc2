// Package rollingcode derives the short-lived numeric authentication code the
// hub expects on every request. Client and hub share a secret and a window
// length; no handshake or clock exchange is involved, so both sides must keep
// their clocks within one window of each other.
package rollingcode

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// WindowSeconds is how long a single code stays valid.
	WindowSeconds = 10

	// Digits is the fixed length of the formatted code.
	Digits = 6

	codeModulus = 1_000_000
)

// Generator produces window-stable 6-digit codes from a shared secret.
type Generator struct {
	secret []byte
	now    func() time.Time
}

// New creates a Generator for the given shared secret.
func New(secret string) *Generator {
	return NewWithClock(secret, time.Now)
}

// NewWithClock creates a Generator with an injected clock. Tests use this to
// pin the window.
func NewWithClock(secret string, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{secret: []byte(secret), now: now}
}

// Code returns the code for the current window. It cannot fail: the clock
// read and the HMAC are both infallible for any secret, including empty.
func (g *Generator) Code() string {
	return g.CodeAt(g.now())
}

// CodeAt returns the code for the window containing t.
func (g *Generator) CodeAt(t time.Time) string {
	counter := uint64(t.Unix()) / WindowSeconds

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, g.secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// RFC 4226 dynamic truncation: low nibble of the last byte picks the
	// offset, four bytes from there are masked to 31 bits.
	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%0*d", Digits, truncated%codeModulus)
}

// Window returns the counter value for the window containing t. The HTTP
// health endpoint reports this for clock-skew diagnostics without revealing
// the code itself.
func (g *Generator) Window(t time.Time) uint64 {
	return uint64(t.Unix()) / WindowSeconds
}
