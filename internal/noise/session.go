package noise

import (
	"fmt"
	"time"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// -------------------------------------------------------------------------
// Session Role & State
// -------------------------------------------------------------------------

// Role distinguishes the handshake initiator from the responder.
type Role uint8

const (
	// RoleInitiator sends messages 1 and 3.
	RoleInitiator Role = iota + 1

	// RoleResponder sends message 2.
	RoleResponder
)

// String returns the human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// SessionState is the handshake state machine position.
//
// Initiator: Initialized -> WaitingForE -> WaitingForSE -> WaitingForS ->
// Established. The responder mirrors it: message 2 carries its ephemeral
// and encrypted static, message 3 closes the pattern.
type SessionState uint8

const (
	// StateInitialized is a freshly created session.
	StateInitialized SessionState = iota

	// StateWaitingForE awaits the remote ephemeral public key.
	StateWaitingForE

	// StateWaitingForSE awaits the ephemeral-static mix.
	StateWaitingForSE

	// StateWaitingForS awaits the remote static public key.
	StateWaitingForS

	// StateEstablished means the transport keys are derived.
	StateEstablished

	// StateFailed means the handshake aborted; the session holds no key
	// material.
	StateFailed
)

// sessionStateNames maps session states to human-readable strings.
var sessionStateNames = [6]string{
	"Initialized",
	"WaitingForE",
	"WaitingForSE",
	"WaitingForS",
	"Established",
	"Failed",
}

// String returns the human-readable state name.
func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// -------------------------------------------------------------------------
// Session — one in-flight handshake
// -------------------------------------------------------------------------

// Session is one in-flight handshake with a peer. It is not
// concurrency-safe; the manager stores sessions under its lock but runs
// the handshake steps outside it.
//
// Message pattern:
//
//	1  I -> R: ephemeral pub (32 B)
//	2  R -> I: ephemeral pub (32 B) + encrypted static pub (48 B)
//	3  I -> R: encrypted static pub (48 B)
type Session struct {
	// PeerID identifies the remote node.
	PeerID mesh.Hash

	// Role is initiator or responder.
	Role Role

	// State is the state machine position.
	State SessionState

	// CreatedAt stamps session creation for the overall timeout.
	CreatedAt time.Time

	sym            *symmetric
	localStatic    PrivateKey
	localEphemeral PrivateKey
	remoteStatic   PublicKey
	remoteEph      PublicKey

	// expected pins the remote static key; zero means unpinned.
	expected PublicKey

	// transport keys, valid once State == StateEstablished.
	sendKey [KeySize]byte
	recvKey [KeySize]byte
}

// newSession creates a session around the local static key.
func newSession(peer mesh.Hash, role Role, static PrivateKey, expected PublicKey) *Session {
	return &Session{
		PeerID:      peer,
		Role:        role,
		State:       StateInitialized,
		CreatedAt:   time.Now(),
		sym:         newSymmetric(),
		localStatic: static,
		expected:    expected,
	}
}

// fail wipes the session and marks it failed. No partial SecureLink is
// ever left behind.
func (s *Session) fail() {
	s.sym.wipe()
	setZero(s.localEphemeral[:])
	setZero(s.sendKey[:])
	setZero(s.recvKey[:])
	s.State = StateFailed
}

// checkPinning verifies the received remote static against the pinned key.
func (s *Session) checkPinning() error {
	if !s.expected.IsZero() && s.expected != s.remoteStatic {
		return ErrKeyPinning
	}
	return nil
}

// -------------------------------------------------------------------------
// Initiator messages
// -------------------------------------------------------------------------

// createMessage1 generates the initiator ephemeral and returns message 1.
func (s *Session) createMessage1() ([]byte, error) {
	if s.Role != RoleInitiator || s.State != StateInitialized {
		return nil, fmt.Errorf("message 1 in %s/%s: %w", s.Role, s.State, ErrBadState)
	}

	eph, err := NewPrivateKey()
	if err != nil {
		return nil, err
	}
	s.localEphemeral = eph

	ePub := eph.Public()
	s.sym.mixHash(ePub[:])
	s.State = StateWaitingForE
	return ePub[:], nil
}

// consumeMessage2 processes the responder's ephemeral + encrypted static
// and advances to WaitingForS, ready to emit message 3.
func (s *Session) consumeMessage2(msg []byte) error {
	if s.Role != RoleInitiator || s.State != StateWaitingForE {
		return fmt.Errorf("message 2 in %s/%s: %w", s.Role, s.State, ErrBadState)
	}
	if len(msg) != Message2Size {
		return fmt.Errorf("message 2: %d bytes, want %d: %w", len(msg), Message2Size, ErrBadMessageSize)
	}

	copy(s.remoteEph[:], msg[:KeySize])
	s.sym.mixHash(s.remoteEph[:])

	// ee
	ee, err := s.localEphemeral.sharedSecret(s.remoteEph)
	if err != nil {
		return err
	}
	s.sym.mixKey(ee)
	s.State = StateWaitingForSE

	// s: decrypt the responder's static key.
	rs, err := s.sym.decrypt(msg[KeySize:])
	if err != nil {
		return err
	}
	copy(s.remoteStatic[:], rs)
	s.State = StateWaitingForS

	if err := s.checkPinning(); err != nil {
		return err
	}

	// es
	es, err := s.localEphemeral.sharedSecret(s.remoteStatic)
	if err != nil {
		return err
	}
	s.sym.mixKey(es)
	return nil
}

// createMessage3 emits the initiator's encrypted static, completes the
// pattern, and derives the transport keys.
func (s *Session) createMessage3() ([]byte, error) {
	if s.Role != RoleInitiator || s.State != StateWaitingForS {
		return nil, fmt.Errorf("message 3 in %s/%s: %w", s.Role, s.State, ErrBadState)
	}

	sPub := s.localStatic.Public()
	enc, err := s.sym.encrypt(sPub[:])
	if err != nil {
		return nil, err
	}

	// se
	se, err := s.localStatic.sharedSecret(s.remoteEph)
	if err != nil {
		return nil, err
	}
	s.sym.mixKey(se)

	s.sendKey, s.recvKey = s.sym.split()
	s.State = StateEstablished
	return enc, nil
}

// -------------------------------------------------------------------------
// Responder messages
// -------------------------------------------------------------------------

// consumeMessage1 absorbs the initiator's ephemeral.
func (s *Session) consumeMessage1(msg []byte) error {
	if s.Role != RoleResponder || s.State != StateInitialized {
		return fmt.Errorf("message 1 in %s/%s: %w", s.Role, s.State, ErrBadState)
	}
	if len(msg) != Message1Size {
		return fmt.Errorf("message 1: %d bytes, want %d: %w", len(msg), Message1Size, ErrBadMessageSize)
	}

	copy(s.remoteEph[:], msg)
	s.sym.mixHash(s.remoteEph[:])
	s.State = StateWaitingForE
	return nil
}

// createMessage2 emits the responder's ephemeral plus encrypted static.
func (s *Session) createMessage2() ([]byte, error) {
	if s.Role != RoleResponder || s.State != StateWaitingForE {
		return nil, fmt.Errorf("message 2 in %s/%s: %w", s.Role, s.State, ErrBadState)
	}

	eph, err := NewPrivateKey()
	if err != nil {
		return nil, err
	}
	s.localEphemeral = eph
	ePub := eph.Public()
	s.sym.mixHash(ePub[:])

	// ee
	ee, err := s.localEphemeral.sharedSecret(s.remoteEph)
	if err != nil {
		return nil, err
	}
	s.sym.mixKey(ee)

	// s
	sPub := s.localStatic.Public()
	enc, err := s.sym.encrypt(sPub[:])
	if err != nil {
		return nil, err
	}

	// es (responder side: static with the initiator's ephemeral)
	es, err := s.localStatic.sharedSecret(s.remoteEph)
	if err != nil {
		return nil, err
	}
	s.sym.mixKey(es)

	s.State = StateWaitingForS
	msg := make([]byte, 0, Message2Size)
	msg = append(msg, ePub[:]...)
	msg = append(msg, enc...)
	return msg, nil
}

// consumeMessage3 decrypts the initiator's static, completes the pattern,
// and derives the transport keys.
func (s *Session) consumeMessage3(msg []byte) error {
	if s.Role != RoleResponder || s.State != StateWaitingForS {
		return fmt.Errorf("message 3 in %s/%s: %w", s.Role, s.State, ErrBadState)
	}
	if len(msg) != Message3Size {
		return fmt.Errorf("message 3: %d bytes, want %d: %w", len(msg), Message3Size, ErrBadMessageSize)
	}

	rs, err := s.sym.decrypt(msg)
	if err != nil {
		return err
	}
	copy(s.remoteStatic[:], rs)

	if err := s.checkPinning(); err != nil {
		return err
	}

	// se (responder side: ephemeral with the initiator's static)
	se, err := s.localEphemeral.sharedSecret(s.remoteStatic)
	if err != nil {
		return err
	}
	s.sym.mixKey(se)

	i2r, r2i := s.sym.split()
	// The responder receives on the initiator-to-responder key.
	s.sendKey, s.recvKey = r2i, i2r
	s.State = StateEstablished
	return nil
}
