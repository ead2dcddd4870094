package challenge

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier(t *testing.T, now *time.Time) *Verifier {
	t.Helper()
	store, err := NewLocalStore(0)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return NewVerifier(store, time.Minute, WithClock(func() time.Time { return *now }))
}

func keypair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return hex.EncodeToString(pub), priv
}

func sign(priv ed25519.PrivateKey, message string) string {
	return hex.EncodeToString(ed25519.Sign(priv, []byte(message)))
}

func TestVerifyAcceptsSignedChallengeOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	v := newVerifier(t, &now)
	pub, priv := keypair(t)

	c, err := v.Issue(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, c.Nonce, 32)
	assert.Contains(t, c.Message, "agent-1")
	assert.Equal(t, now.Add(time.Minute), c.ExpiresAt)

	sig := sign(priv, c.Message)
	require.NoError(t, v.Verify(ctx, "agent-1", pub, sig))

	err = v.Verify(ctx, "agent-1", pub, sig)
	assert.True(t, domain.HasCode(err, domain.CodeUnauthenticated))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	v := newVerifier(t, &now)
	_, priv := keypair(t)
	otherPub, _ := keypair(t)

	c, err := v.Issue(ctx, "agent-1")
	require.NoError(t, err)
	err = v.Verify(ctx, "agent-1", otherPub, sign(priv, c.Message))
	assert.True(t, domain.HasCode(err, domain.CodeUnauthenticated))
}

func TestVerifyRejectsExpiredChallenge(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	v := newVerifier(t, &now)
	pub, priv := keypair(t)

	c, err := v.Issue(ctx, "agent-1")
	require.NoError(t, err)
	now = now.Add(61 * time.Second)
	err = v.Verify(ctx, "agent-1", pub, sign(priv, c.Message))
	assert.True(t, domain.HasCode(err, domain.CodeUnauthenticated))
}

func TestReissueReplacesChallenge(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	v := newVerifier(t, &now)
	pub, priv := keypair(t)

	first, err := v.Issue(ctx, "agent-1")
	require.NoError(t, err)
	second, err := v.Issue(ctx, "agent-1")
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, second.Nonce)

	err = v.Verify(ctx, "agent-1", pub, sign(priv, first.Message))
	assert.True(t, domain.HasCode(err, domain.CodeUnauthenticated))
}

func TestVerifyValidatesEncoding(t *testing.T) {
	now := time.Now()
	v := newVerifier(t, &now)
	pub, _ := keypair(t)
	err := v.Verify(context.Background(), "agent-1", "zz", "00")
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))
	err = v.Verify(context.Background(), "agent-1", pub, "abcd")
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))
}
