package noise

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// wirePeers connects two managers with in-memory message delivery: each
// manager's outbound handshake messages are fed into the other's
// HandleIncoming, and responder replies are routed back.
func wirePeers(t *testing.T) (*Manager, *Manager) {
	t.Helper()

	idA, idB := testPeer(0x0A), testPeer(0x0B)
	keyA, err := NewPrivateKey()
	require.NoError(t, err)
	keyB, err := NewPrivateKey()
	require.NoError(t, err)

	var a, b *Manager
	deliver := func(dst **Manager) SendFunc {
		return func(_ context.Context, _ mesh.Hash, step uint8, payload []byte) error {
			// Deliver asynchronously, as a transport would.
			go func() {
				from := idA
				if *dst == a {
					from = idB
				}
				reply, err := (*dst).HandleIncoming(from, step, payload)
				if err != nil || reply == nil {
					return
				}
				// Route the responder's message 2 back to the sender.
				src := a
				if *dst == a {
					src = b
				}
				_, _ = src.HandleIncoming((*dst).static, step+1, reply)
			}()
			return nil
		}
	}

	a = NewManager(idA, keyA, deliver(&b), discardLogger())
	b = NewManager(idB, keyB, deliver(&a), discardLogger())
	return a, b
}

func TestManagerHandshakeEndToEnd(t *testing.T) {
	t.Parallel()

	a, b := wirePeers(t)

	link, err := a.InitiateHandshake(t.Context(), testPeer(0x0B), PublicKey{})
	require.NoError(t, err)
	require.NotNil(t, link)

	// Both sides hold a link and traffic flows across them.
	require.Eventually(t, func() bool {
		_, err := b.GetLink(testPeer(0x0A))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	remote, err := b.GetLink(testPeer(0x0A))
	require.NoError(t, err)

	ct, err := link.Encrypt([]byte("sealed"))
	require.NoError(t, err)
	pt, err := remote.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), pt)

	assert.Len(t, a.ConnectedPeers(), 1)
	assert.Len(t, b.ConnectedPeers(), 1)
}

func TestManagerReturnsExistingHealthyLink(t *testing.T) {
	t.Parallel()

	a, _ := wirePeers(t)

	link1, err := a.InitiateHandshake(t.Context(), testPeer(0x0B), PublicKey{})
	require.NoError(t, err)

	link2, err := a.InitiateHandshake(t.Context(), testPeer(0x0B), PublicKey{})
	require.NoError(t, err)
	assert.Same(t, link1, link2, "a healthy link is reused, not renegotiated")
}

func TestManagerKeyPinningFailure(t *testing.T) {
	t.Parallel()

	a, b := wirePeers(t)

	wrong, err := NewPrivateKey()
	require.NoError(t, err)

	_, err = a.InitiateHandshake(t.Context(), testPeer(0x0B), wrong.Public())
	require.ErrorIs(t, err, ErrKeyPinning)

	// No partial SecureLink remains on the initiator.
	_, err = a.GetLink(testPeer(0x0B))
	require.ErrorIs(t, err, ErrNoLink)

	// The responder's half-open session never produced a link either.
	_, err = b.GetLink(testPeer(0x0A))
	require.ErrorIs(t, err, ErrNoLink)
}

func TestManagerHandshakeTimeout(t *testing.T) {
	t.Parallel()

	// A peer that swallows every message: message 2 never arrives.
	id := testPeer(0x0A)
	key, err := NewPrivateKey()
	require.NoError(t, err)
	m := NewManager(id, key, func(context.Context, mesh.Hash, uint8, []byte) error {
		return nil
	}, discardLogger())

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	_, err = m.InitiateHandshake(ctx, testPeer(0x0B), PublicKey{})
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	_, err = m.GetLink(testPeer(0x0B))
	require.ErrorIs(t, err, ErrNoLink)
}

func TestManagerCloseLink(t *testing.T) {
	t.Parallel()

	a, _ := wirePeers(t)
	link, err := a.InitiateHandshake(t.Context(), testPeer(0x0B), PublicKey{})
	require.NoError(t, err)

	a.CloseLink(testPeer(0x0B))
	_, err = a.GetLink(testPeer(0x0B))
	require.ErrorIs(t, err, ErrNoLink)

	// The wiped link refuses traffic.
	_, err = link.Encrypt([]byte("late"))
	require.ErrorIs(t, err, ErrLinkClosed)
}

func TestManagerCloseAllLinks(t *testing.T) {
	t.Parallel()

	a, _ := wirePeers(t)
	link, err := a.InitiateHandshake(t.Context(), testPeer(0x0B), PublicKey{})
	require.NoError(t, err)

	a.CloseAllLinks()
	assert.Empty(t, a.ConnectedPeers())
	_, err = link.Encrypt([]byte("late"))
	require.ErrorIs(t, err, ErrLinkClosed)
}

func TestManagerRejectsBadStep(t *testing.T) {
	t.Parallel()

	a, _ := wirePeers(t)
	_, err := a.HandleIncoming(testPeer(0x0B), 7, nil)
	require.ErrorIs(t, err, ErrBadStep)

	// Message 3 without a responder session.
	_, err = a.HandleIncoming(testPeer(0x0B), 3, make([]byte, Message3Size))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSecureLinkLifetimes(t *testing.T) {
	t.Parallel()

	init, _, err := runHandshake(t, PublicKey{})
	require.NoError(t, err)
	link := newSecureLink(init)

	assert.True(t, link.Healthy())
	assert.False(t, link.NeedsRekey())

	// Message-count threshold forces a rekey.
	link.messageCount.Store(RekeyMessages)
	assert.True(t, link.NeedsRekey())
	assert.True(t, link.Healthy(), "rekey-needed is not unhealthy")

	// Age thresholds.
	link.EstablishedAt = time.Now().Add(-2 * time.Hour)
	assert.True(t, link.NeedsRekey())
	assert.True(t, link.Healthy())

	link.EstablishedAt = time.Now().Add(-25 * time.Hour)
	assert.False(t, link.Healthy(), "links expire after 24h")
}
