package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

func testPeer(b byte) mesh.Hash {
	var h mesh.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

// runHandshake drives a complete XX exchange between two sessions and
// returns both, established.
func runHandshake(t *testing.T, pinned PublicKey) (*Session, *Session, error) {
	t.Helper()

	initStatic, err := NewPrivateKey()
	require.NoError(t, err)
	respStatic, err := NewPrivateKey()
	require.NoError(t, err)

	init := newSession(testPeer(0x02), RoleInitiator, initStatic, pinned)
	resp := newSession(testPeer(0x01), RoleResponder, respStatic, PublicKey{})

	msg1, err := init.createMessage1()
	if err != nil {
		return init, resp, err
	}
	if err := resp.consumeMessage1(msg1); err != nil {
		return init, resp, err
	}
	msg2, err := resp.createMessage2()
	if err != nil {
		return init, resp, err
	}
	if err := init.consumeMessage2(msg2); err != nil {
		return init, resp, err
	}
	msg3, err := init.createMessage3()
	if err != nil {
		return init, resp, err
	}
	if err := resp.consumeMessage3(msg3); err != nil {
		return init, resp, err
	}
	return init, resp, nil
}

func TestHandshakeEstablishes(t *testing.T) {
	t.Parallel()

	init, resp, err := runHandshake(t, PublicKey{})
	require.NoError(t, err)

	assert.Equal(t, StateEstablished, init.State)
	assert.Equal(t, StateEstablished, resp.State)

	// Each side learned the other's static key.
	assert.Equal(t, init.localStatic.Public(), resp.remoteStatic)
	assert.Equal(t, resp.localStatic.Public(), init.remoteStatic)

	// Directional keys cross over.
	assert.Equal(t, init.sendKey, resp.recvKey)
	assert.Equal(t, init.recvKey, resp.sendKey)
	assert.NotEqual(t, init.sendKey, init.recvKey)
}

func TestHandshakeMessageSizes(t *testing.T) {
	t.Parallel()

	initStatic, err := NewPrivateKey()
	require.NoError(t, err)
	respStatic, err := NewPrivateKey()
	require.NoError(t, err)

	init := newSession(testPeer(0x02), RoleInitiator, initStatic, PublicKey{})
	resp := newSession(testPeer(0x01), RoleResponder, respStatic, PublicKey{})

	msg1, err := init.createMessage1()
	require.NoError(t, err)
	assert.Len(t, msg1, Message1Size)

	require.NoError(t, resp.consumeMessage1(msg1))
	msg2, err := resp.createMessage2()
	require.NoError(t, err)
	assert.Len(t, msg2, Message2Size)

	require.NoError(t, init.consumeMessage2(msg2))
	msg3, err := init.createMessage3()
	require.NoError(t, err)
	assert.Len(t, msg3, Message3Size)
}

func TestHandshakeKeyAgreement(t *testing.T) {
	t.Parallel()

	init, resp, err := runHandshake(t, PublicKey{})
	require.NoError(t, err)

	a := newSecureLink(init)
	b := newSecureLink(resp)

	// Initiator -> responder.
	ct, err := a.Encrypt([]byte("over the mesh"))
	require.NoError(t, err)
	pt, err := b.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("over the mesh"), pt)

	// Responder -> initiator.
	ct, err = b.Encrypt([]byte("and back"))
	require.NoError(t, err)
	pt, err = a.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("and back"), pt)
}

func TestHandshakeTamperedCiphertext(t *testing.T) {
	t.Parallel()

	init, resp, err := runHandshake(t, PublicKey{})
	require.NoError(t, err)

	a := newSecureLink(init)
	b := newSecureLink(resp)

	ct, err := a.Encrypt([]byte("integrity"))
	require.NoError(t, err)

	// Flip one byte anywhere in the sealed message.
	for _, idx := range []int{0, 8, len(ct) - 1} {
		bad := append([]byte(nil), ct...)
		bad[idx] ^= 0x01
		_, err := b.Decrypt(bad)
		require.ErrorIs(t, err, ErrDecrypt, "byte %d", idx)
	}

	// The untouched ciphertext still opens.
	pt, err := b.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("integrity"), pt)
}

func TestHandshakeKeyPinningMismatch(t *testing.T) {
	t.Parallel()

	wrong, err := NewPrivateKey()
	require.NoError(t, err)

	init, _, err := runHandshake(t, wrong.Public())
	require.ErrorIs(t, err, ErrKeyPinning)
	assert.NotEqual(t, StateEstablished, init.State)
}

func TestHandshakeTamperedMessage2(t *testing.T) {
	t.Parallel()

	initStatic, err := NewPrivateKey()
	require.NoError(t, err)
	respStatic, err := NewPrivateKey()
	require.NoError(t, err)

	init := newSession(testPeer(0x02), RoleInitiator, initStatic, PublicKey{})
	resp := newSession(testPeer(0x01), RoleResponder, respStatic, PublicKey{})

	msg1, err := init.createMessage1()
	require.NoError(t, err)
	require.NoError(t, resp.consumeMessage1(msg1))
	msg2, err := resp.createMessage2()
	require.NoError(t, err)

	// Corrupt the encrypted static portion.
	msg2[KeySize+5] ^= 0xFF
	require.ErrorIs(t, init.consumeMessage2(msg2), ErrDecrypt)
}

func TestHandshakeWrongStateAndSize(t *testing.T) {
	t.Parallel()

	static, err := NewPrivateKey()
	require.NoError(t, err)

	init := newSession(testPeer(0x02), RoleInitiator, static, PublicKey{})
	_, err = init.createMessage3()
	require.ErrorIs(t, err, ErrBadState)

	require.ErrorIs(t, init.consumeMessage2([]byte("short")), ErrBadState)

	_, err = init.createMessage1()
	require.NoError(t, err)
	require.ErrorIs(t, init.consumeMessage2([]byte("short")), ErrBadMessageSize)

	resp := newSession(testPeer(0x01), RoleResponder, static, PublicKey{})
	require.ErrorIs(t, resp.consumeMessage1(make([]byte, 7)), ErrBadMessageSize)
}

func TestSessionFailWipes(t *testing.T) {
	t.Parallel()

	static, err := NewPrivateKey()
	require.NoError(t, err)
	sess := newSession(testPeer(0x02), RoleInitiator, static, PublicKey{})
	_, err = sess.createMessage1()
	require.NoError(t, err)

	sess.fail()
	assert.Equal(t, StateFailed, sess.State)
	assert.Equal(t, PrivateKey{}, sess.localEphemeral)
	assert.Equal(t, [KeySize]byte{}, sess.sendKey)
}

func TestNonceMonotonicity(t *testing.T) {
	t.Parallel()

	init, resp, err := runHandshake(t, PublicKey{})
	require.NoError(t, err)

	a := newSecureLink(init)
	b := newSecureLink(resp)

	// Sequential encrypts carry strictly increasing counters and each
	// one decrypts independently.
	var sealed [][]byte
	for i := 0; i < 10; i++ {
		ct, err := a.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		sealed = append(sealed, ct)
	}
	for i, ct := range sealed {
		pt, err := b.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, pt)
	}
}
