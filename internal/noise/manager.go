package noise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// -------------------------------------------------------------------------
// Manager Constants & Errors
// -------------------------------------------------------------------------

const (
	// HandshakeTimeout bounds a complete handshake.
	HandshakeTimeout = 30 * time.Second

	// RekeyInterval is how often the background task checks links for
	// rekey and expiry.
	RekeyInterval = 1 * time.Hour

	// rekeyChSize buffers rekey-required signals.
	rekeyChSize = 16
)

var (
	// ErrHandshakeTimeout indicates the handshake did not finish within the
	// 30 s overall timeout or before the caller's context ended.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrNoSession indicates a handshake message for a peer with no
	// session in flight.
	ErrNoSession = errors.New("no handshake session for peer")

	// ErrBadStep indicates a handshake step outside 1..3.
	ErrBadStep = errors.New("invalid handshake step")

	// ErrNoLink indicates no established link exists for the peer.
	ErrNoLink = errors.New("no secure link for peer")
)

// SendFunc delivers a handshake message to a peer. step is the message
// number (1..3); the underlying transport is the manager's choice.
type SendFunc func(ctx context.Context, peer mesh.Hash, step uint8, payload []byte) error

// -------------------------------------------------------------------------
// Manager
// -------------------------------------------------------------------------

// Manager owns the handshake sessions and the SecureLink store. One
// manager task drives each initiated handshake to completion using
// non-blocking message receives with timeouts; incoming messages are
// routed by HandleIncoming.
type Manager struct {
	static mesh.Hash // local identity, labels logs only
	key    PrivateKey
	sendFn SendFunc
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[mesh.Hash]*Session
	links    map[mesh.Hash]*SecureLink
	waiters  map[mesh.Hash][]chan handshakeOutcome
	msg2     map[mesh.Hash]chan []byte

	rekeyCh chan mesh.Hash
}

// handshakeOutcome resolves everyone awaiting an in-flight handshake.
type handshakeOutcome struct {
	link *SecureLink
	err  error
}

// NewManager creates a handshake manager around the node's long-term
// static key. sendFn carries handshake messages to peers.
func NewManager(identity mesh.Hash, static PrivateKey, sendFn SendFunc, logger *slog.Logger) *Manager {
	return &Manager{
		static:   identity,
		key:      static,
		sendFn:   sendFn,
		sessions: make(map[mesh.Hash]*Session),
		links:    make(map[mesh.Hash]*SecureLink),
		waiters:  make(map[mesh.Hash][]chan handshakeOutcome),
		msg2:     make(map[mesh.Hash]chan []byte),
		rekeyCh:  make(chan mesh.Hash, rekeyChSize),
		logger:   logger.With(slog.String("component", "noise.manager")),
	}
}

// StaticPublic returns the local static public key (announced to peers).
func (m *Manager) StaticPublic() PublicKey {
	return m.key.Public()
}

// RekeyRequired returns the channel on which peers needing a rekey are
// signalled. The application schedules a fresh InitiateHandshake for each.
func (m *Manager) RekeyRequired() <-chan mesh.Hash {
	return m.rekeyCh
}

// -------------------------------------------------------------------------
// Initiate
// -------------------------------------------------------------------------

// InitiateHandshake establishes a SecureLink with the peer.
//
// If a healthy link already exists it is returned immediately. If a
// handshake is already in flight the call awaits its outcome. Otherwise
// the manager drives messages 1 and 3 within the 30 s overall timeout.
//
// expected, when nonzero, pins the remote static key: a mismatch fails
// the handshake and leaves no link on either side.
func (m *Manager) InitiateHandshake(ctx context.Context, peer mesh.Hash, expected PublicKey) (*SecureLink, error) {
	m.mu.Lock()

	if link, ok := m.links[peer]; ok && link.Healthy() {
		m.mu.Unlock()
		return link, nil
	}

	if _, inFlight := m.sessions[peer]; inFlight {
		ch := make(chan handshakeOutcome, 1)
		m.waiters[peer] = append(m.waiters[peer], ch)
		m.mu.Unlock()
		return m.await(ctx, ch)
	}

	sess := newSession(peer, RoleInitiator, m.key, expected)
	msg1, err := sess.createMessage1()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("initiate handshake: %w", err)
	}
	m.sessions[peer] = sess
	msg2Ch := make(chan []byte, 1)
	m.msg2[peer] = msg2Ch
	m.mu.Unlock()

	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	link, err := m.drive(hsCtx, sess, msg1, msg2Ch)
	m.resolve(peer, link, err)
	return link, err
}

// drive runs the initiator side: send 1, await 2, send 3.
func (m *Manager) drive(ctx context.Context, sess *Session, msg1 []byte, msg2Ch <-chan []byte) (*SecureLink, error) {
	if err := m.sendFn(ctx, sess.PeerID, 1, msg1); err != nil {
		return nil, fmt.Errorf("send handshake message 1: %w", err)
	}

	var msg2 []byte
	select {
	case msg2 = <-msg2Ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("await handshake message 2: %w", ErrHandshakeTimeout)
	}

	if err := sess.consumeMessage2(msg2); err != nil {
		return nil, fmt.Errorf("consume handshake message 2: %w", err)
	}
	msg3, err := sess.createMessage3()
	if err != nil {
		return nil, fmt.Errorf("create handshake message 3: %w", err)
	}
	if err := m.sendFn(ctx, sess.PeerID, 3, msg3); err != nil {
		return nil, fmt.Errorf("send handshake message 3: %w", err)
	}

	return newSecureLink(sess), nil
}

// await blocks on an in-flight handshake's outcome.
func (m *Manager) await(ctx context.Context, ch <-chan handshakeOutcome) (*SecureLink, error) {
	select {
	case out := <-ch:
		return out.link, out.err
	case <-ctx.Done():
		return nil, ErrHandshakeTimeout
	case <-time.After(HandshakeTimeout):
		return nil, ErrHandshakeTimeout
	}
}

// resolve stores the outcome, wipes the session on failure, and wakes
// every waiter.
func (m *Manager) resolve(peer mesh.Hash, link *SecureLink, err error) {
	m.mu.Lock()
	sess := m.sessions[peer]
	delete(m.sessions, peer)
	delete(m.msg2, peer)
	waiters := m.waiters[peer]
	delete(m.waiters, peer)
	if link != nil && err == nil {
		m.links[peer] = link
	}
	m.mu.Unlock()

	if err != nil && sess != nil {
		sess.fail()
		m.logger.Warn("handshake failed",
			slog.String("peer", peer.Short()),
			slog.String("error", err.Error()),
		)
	} else if link != nil {
		m.logger.Info("secure link established", slog.String("peer", peer.Short()))
	}

	for _, ch := range waiters {
		ch <- handshakeOutcome{link: link, err: err}
	}
}

// -------------------------------------------------------------------------
// Incoming
// -------------------------------------------------------------------------

// HandleIncoming routes one received handshake message.
//
// Step 1 creates a responder session and returns message 2, which the
// caller must deliver to the peer. Step 2 resumes the initiating task.
// Step 3 finalizes the responder session and installs the SecureLink.
func (m *Manager) HandleIncoming(peer mesh.Hash, step uint8, payload []byte) ([]byte, error) {
	switch step {
	case 1:
		return m.handleStep1(peer, payload)
	case 2:
		return nil, m.handleStep2(peer, payload)
	case 3:
		return nil, m.handleStep3(peer, payload)
	default:
		return nil, fmt.Errorf("handshake step %d: %w", step, ErrBadStep)
	}
}

// handleStep1 creates the responder session and emits message 2.
func (m *Manager) handleStep1(peer mesh.Hash, payload []byte) ([]byte, error) {
	sess := newSession(peer, RoleResponder, m.key, PublicKey{})
	if err := sess.consumeMessage1(payload); err != nil {
		sess.fail()
		return nil, fmt.Errorf("handle handshake message 1: %w", err)
	}
	msg2, err := sess.createMessage2()
	if err != nil {
		sess.fail()
		return nil, fmt.Errorf("create handshake message 2: %w", err)
	}

	m.mu.Lock()
	// A peer restarting its handshake replaces the stale session.
	if old := m.sessions[peer]; old != nil {
		old.fail()
	}
	m.sessions[peer] = sess
	m.mu.Unlock()
	return msg2, nil
}

// handleStep2 hands message 2 to the waiting initiator task.
func (m *Manager) handleStep2(peer mesh.Hash, payload []byte) error {
	m.mu.Lock()
	ch, ok := m.msg2[peer]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("handle handshake message 2: %w", ErrNoSession)
	}
	select {
	case ch <- payload:
	default:
		// Duplicate message 2; the first one wins.
	}
	return nil
}

// handleStep3 finalizes the responder session.
func (m *Manager) handleStep3(peer mesh.Hash, payload []byte) error {
	m.mu.Lock()
	sess, ok := m.sessions[peer]
	if !ok || sess.Role != RoleResponder {
		m.mu.Unlock()
		return fmt.Errorf("handle handshake message 3: %w", ErrNoSession)
	}
	delete(m.sessions, peer)
	m.mu.Unlock()

	if err := sess.consumeMessage3(payload); err != nil {
		sess.fail()
		return fmt.Errorf("handle handshake message 3: %w", err)
	}

	link := newSecureLink(sess)
	m.mu.Lock()
	m.links[peer] = link
	m.mu.Unlock()
	m.logger.Info("secure link established", slog.String("peer", peer.Short()))
	return nil
}

// -------------------------------------------------------------------------
// Link Store
// -------------------------------------------------------------------------

// GetLink returns the established link for a peer.
func (m *Manager) GetLink(peer mesh.Hash) (*SecureLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[peer]
	if !ok {
		return nil, fmt.Errorf("get link %s: %w", peer.Short(), ErrNoLink)
	}
	return link, nil
}

// CloseLink wipes and removes the link for a peer.
func (m *Manager) CloseLink(peer mesh.Hash) {
	m.mu.Lock()
	link := m.links[peer]
	delete(m.links, peer)
	m.mu.Unlock()
	if link != nil {
		link.Close()
		m.logger.Info("secure link closed", slog.String("peer", peer.Short()))
	}
}

// CloseAllLinks is the panic wipe: every link's key material is zeroed in
// place and the store is emptied. The node continues serving unencrypted
// traffic.
func (m *Manager) CloseAllLinks() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[mesh.Hash]*SecureLink)
	for _, sess := range m.sessions {
		sess.fail()
	}
	m.sessions = make(map[mesh.Hash]*Session)
	m.mu.Unlock()

	for _, link := range links {
		link.Close()
	}
	m.logger.Warn("all secure links wiped", slog.Int("count", len(links)))
}

// ConnectedPeers lists peers with a live link.
func (m *Manager) ConnectedPeers() []mesh.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]mesh.Hash, 0, len(m.links))
	for peer := range m.links {
		peers = append(peers, peer)
	}
	return peers
}

// -------------------------------------------------------------------------
// Rekey Task
// -------------------------------------------------------------------------

// Run drives the background rekey check until ctx is cancelled. Links
// older than 1 h or past 10 000 messages raise a rekey-required signal;
// links past the 24 h hard expiry are wiped.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(RekeyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLinks()
		}
	}
}

// checkLinks sweeps the link store once.
func (m *Manager) checkLinks() {
	m.mu.Lock()
	var expired []*SecureLink
	var rekey []mesh.Hash
	for peer, link := range m.links {
		switch {
		case !link.Healthy():
			delete(m.links, peer)
			expired = append(expired, link)
		case link.NeedsRekey():
			rekey = append(rekey, peer)
		}
	}
	m.mu.Unlock()

	for _, link := range expired {
		link.Close()
		m.logger.Info("secure link expired", slog.String("peer", link.PeerID.Short()))
	}
	for _, peer := range rekey {
		select {
		case m.rekeyCh <- peer:
		default:
		}
	}
}
