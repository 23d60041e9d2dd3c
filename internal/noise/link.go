package noise

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// -------------------------------------------------------------------------
// SecureLink limits
// -------------------------------------------------------------------------

const (
	// LinkMaxAge hard-expires a link: Healthy fails after this age.
	LinkMaxAge = 24 * time.Hour

	// RekeyAge requires a rekey after this session age.
	RekeyAge = 1 * time.Hour

	// RekeyMessages requires a rekey after this many messages.
	RekeyMessages = 10_000
)

// ErrLinkClosed indicates encrypt/decrypt on a closed (wiped) link.
var ErrLinkClosed = errors.New("secure link closed")

// -------------------------------------------------------------------------
// cipherState — one direction of a link
// -------------------------------------------------------------------------

// cipherState encrypts or decrypts one direction of a link. Each direction
// is serialized by its own mutex so concurrent encrypts produce strictly
// increasing nonces.
type cipherState struct {
	mu      sync.Mutex
	key     [KeySize]byte
	counter uint64
	closed  bool
}

// nonce builds the 12-byte nonce from a counter.
func nonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

// seal encrypts plaintext under the next nonce and prefixes the nonce
// counter so the peer can decrypt out-of-order deliveries.
func (c *cipherState) seal(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrLinkClosed
	}

	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("link encrypt: %w", err)
	}

	ctr := c.counter
	c.counter++

	out := make([]byte, 8, 8+len(plaintext)+chacha20poly1305.Overhead)
	binary.LittleEndian.PutUint64(out, ctr)
	n := nonce(ctr)
	return aead.Seal(out, n[:], plaintext, nil), nil
}

// open decrypts a sealed message using its prefixed counter.
func (c *cipherState) open(ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrLinkClosed
	}
	if len(ciphertext) < 8+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("link decrypt: %d bytes: %w", len(ciphertext), ErrDecrypt)
	}

	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("link decrypt: %w", err)
	}

	ctr := binary.LittleEndian.Uint64(ciphertext[:8])
	n := nonce(ctr)
	pt, err := aead.Open(nil, n[:], ciphertext[8:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// wipe zeroes the key and closes the direction.
func (c *cipherState) wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	setZero(c.key[:])
	c.closed = true
}

// -------------------------------------------------------------------------
// SecureLink
// -------------------------------------------------------------------------

// SecureLink is an established symmetric channel with one peer. Created by
// the Manager when a handshake completes; dies on Close, panic wipe, or
// the 24 h expiry.
type SecureLink struct {
	// PeerID identifies the remote node.
	PeerID mesh.Hash

	// RemoteStatic is the peer's long-term public key learned during the
	// handshake.
	RemoteStatic PublicKey

	// EstablishedAt stamps link creation.
	EstablishedAt time.Time

	send *cipherState
	recv *cipherState

	messageCount atomic.Uint64
}

// newSecureLink builds a link from a completed session.
func newSecureLink(s *Session) *SecureLink {
	l := &SecureLink{
		PeerID:        s.PeerID,
		RemoteStatic:  s.remoteStatic,
		EstablishedAt: time.Now(),
		send:          &cipherState{key: s.sendKey},
		recv:          &cipherState{key: s.recvKey},
	}
	return l
}

// Encrypt seals plaintext for the peer.
func (l *SecureLink) Encrypt(plaintext []byte) ([]byte, error) {
	ct, err := l.send.seal(plaintext)
	if err != nil {
		return nil, err
	}
	l.messageCount.Add(1)
	return ct, nil
}

// Decrypt opens a message from the peer. Any tampering with the
// ciphertext fails authentication.
func (l *SecureLink) Decrypt(ciphertext []byte) ([]byte, error) {
	pt, err := l.recv.open(ciphertext)
	if err != nil {
		return nil, err
	}
	l.messageCount.Add(1)
	return pt, nil
}

// MessageCount returns the total messages carried in both directions.
func (l *SecureLink) MessageCount() uint64 {
	return l.messageCount.Load()
}

// Healthy reports whether the link is still usable. Links fail after
// LinkMaxAge regardless of traffic.
func (l *SecureLink) Healthy() bool {
	return time.Since(l.EstablishedAt) < LinkMaxAge
}

// NeedsRekey reports whether the link has outlived RekeyAge or carried
// at least RekeyMessages messages.
func (l *SecureLink) NeedsRekey() bool {
	return time.Since(l.EstablishedAt) >= RekeyAge || l.messageCount.Load() >= RekeyMessages
}

// Close wipes the key material in place.
func (l *SecureLink) Close() {
	l.send.wipe()
	l.recv.wipe()
}
