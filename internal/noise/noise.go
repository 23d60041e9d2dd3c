// Package noise implements the two-party key-agreement handshake and the
// per-peer SecureLink store.
//
// The handshake is a three-message XX-style pattern over Curve25519,
// ChaCha20-Poly1305, and BLAKE2s. Each message mixes the remote material
// into a running hash and chaining key; on completion the chaining key is
// split into two directional transport keys. The message layout and state
// machine are the contract; the primitives are the proper substitution for
// the placeholder key agreement the protocol was first sketched with.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// -------------------------------------------------------------------------
// Constants
// -------------------------------------------------------------------------

// Construction names the primitive suite mixed into the initial hash, so
// two nodes running different suites can never complete a handshake.
const Construction = "Noise_XX_25519_ChaChaPoly_BLAKE2s"

const (
	// KeySize is the Curve25519 key length.
	KeySize = 32

	// EncryptedKeySize is a static public key under AEAD: 32-byte key
	// plus the 16-byte Poly1305 tag.
	EncryptedKeySize = KeySize + chacha20poly1305.Overhead

	// Message1Size is the initiator's ephemeral public key.
	Message1Size = KeySize

	// Message2Size is the responder's ephemeral public key plus its
	// encrypted static public key.
	Message2Size = KeySize + EncryptedKeySize

	// Message3Size is the initiator's encrypted static public key.
	Message3Size = EncryptedKeySize
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrBadMessageSize indicates a handshake message of the wrong length
	// for its step.
	ErrBadMessageSize = errors.New("handshake message has wrong size")

	// ErrDecrypt indicates cipher authentication failure while opening an
	// encrypted handshake field or transport message.
	ErrDecrypt = errors.New("cipher authentication failed")

	// ErrKeyPinning indicates the received remote static key does not
	// match the expected pinned key.
	ErrKeyPinning = errors.New("key pinning failed")

	// ErrBadState indicates a handshake message arriving in a state that
	// cannot consume it.
	ErrBadState = errors.New("handshake message in wrong state")
)

// -------------------------------------------------------------------------
// Keys
// -------------------------------------------------------------------------

// PrivateKey is a Curve25519 private key.
type PrivateKey [KeySize]byte

// PublicKey is a Curve25519 public key.
type PublicKey [KeySize]byte

// NewPrivateKey generates a random Curve25519 private key with the
// standard clamping applied.
func NewPrivateKey() (PrivateKey, error) {
	var sk PrivateKey
	if _, err := rand.Read(sk[:]); err != nil {
		return sk, fmt.Errorf("generate private key: %w", err)
	}
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
	return sk, nil
}

// Public derives the corresponding public key.
func (sk PrivateKey) Public() PublicKey {
	var pk PublicKey
	curve25519.ScalarBaseMult((*[KeySize]byte)(&pk), (*[KeySize]byte)(&sk))
	return pk
}

// sharedSecret computes the Diffie-Hellman shared secret with the remote
// public key.
func (sk PrivateKey) sharedSecret(pk PublicKey) ([]byte, error) {
	ss, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return nil, fmt.Errorf("dh: %w", err)
	}
	return ss, nil
}

// IsZero reports whether the key is all zeros (wiped or never set).
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// setZero wipes key material in place.
func setZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// -------------------------------------------------------------------------
// Symmetric state — running hash + chaining key
// -------------------------------------------------------------------------

// symmetric carries the running handshake hash and chaining key. Every
// public key and ciphertext that crosses the wire is mixed into the hash;
// every Diffie-Hellman result is mixed into the chaining key.
type symmetric struct {
	hash  [blake2s.Size]byte
	chain [blake2s.Size]byte
	key   [KeySize]byte // current message key, refreshed by each mixKey
}

// newSymmetric initializes hash and chain from the construction name.
func newSymmetric() *symmetric {
	s := &symmetric{}
	s.chain = blake2s.Sum256([]byte(Construction))
	s.hash = s.chain
	return s
}

// mixHash absorbs data into the running hash.
func (s *symmetric) mixHash(data []byte) {
	h, _ := blake2s.New256(nil)
	h.Write(s.hash[:])
	h.Write(data)
	h.Sum(s.hash[:0])
}

// mixKey ratchets the chaining key with DH material and derives a fresh
// message key.
func (s *symmetric) mixKey(material []byte) {
	r := hkdf.New(newBlake2s, material, s.chain[:], nil)
	mustRead(r, s.chain[:])
	mustRead(r, s.key[:])
}

// encrypt seals plaintext with the current message key, binding the
// running hash, then mixes the ciphertext into the hash.
func (s *symmetric) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("handshake encrypt: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	ct := aead.Seal(nil, nonce[:], plaintext, s.hash[:])
	s.mixHash(ct)
	return ct, nil
}

// decrypt opens ciphertext with the current message key, then mixes the
// ciphertext into the hash.
func (s *symmetric) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("handshake decrypt: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], ciphertext, s.hash[:])
	if err != nil {
		return nil, ErrDecrypt
	}
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the two directional transport keys from the final
// chaining key. The first key carries initiator-to-responder traffic.
func (s *symmetric) split() (i2r, r2i [KeySize]byte) {
	r := hkdf.New(newBlake2s, nil, s.chain[:], nil)
	mustRead(r, i2r[:])
	mustRead(r, r2i[:])
	return i2r, r2i
}

// wipe zeroes the symmetric state.
func (s *symmetric) wipe() {
	setZero(s.hash[:])
	setZero(s.chain[:])
	setZero(s.key[:])
}

// newBlake2s adapts blake2s to the hash.Hash constructor hkdf expects.
func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// mustRead fills dst from an HKDF reader. The reader cannot fail before
// its output limit, which these reads stay far under.
func mustRead(r io.Reader, dst []byte) {
	if _, err := io.ReadFull(r, dst); err != nil {
		panic(fmt.Sprintf("hkdf read: %v", err))
	}
}
