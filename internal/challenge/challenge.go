// Package challenge proves an agent controls a wallet key: the agent signs a
// one-time nonce message with its ed25519 private key.
package challenge

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
)

type Challenge struct {
	AgentID   string    `json:"agent_id"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Verifier struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

type Option func(*Verifier)

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(store Store, ttl time.Duration, opts ...Option) *Verifier {
	if ttl <= 0 {
		ttl = time.Minute
	}
	v := &Verifier{store: store, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func key(agentID string) string {
	return "wallet-challenge:" + agentID
}

// Issue replaces any outstanding challenge for the agent.
func (v *Verifier) Issue(ctx context.Context, agentID string) (Challenge, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Challenge{}, domain.InvalidArgument("agent_id is required")
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, domain.Internal("failed to generate nonce", err)
	}
	nonce := hex.EncodeToString(buf)
	expires := v.now().UTC().Add(v.ttl)
	c := Challenge{
		AgentID:   agentID,
		Nonce:     nonce,
		Message:   fmt.Sprintf("agentexchange wallet verification\nagent: %s\nnonce: %s\nexpires: %s", agentID, nonce, expires.Format(time.RFC3339)),
		ExpiresAt: expires,
	}
	data, err := json.Marshal(c)
	if err != nil {
		return Challenge{}, domain.Internal("failed to encode challenge", err)
	}
	if err := v.store.Put(ctx, key(agentID), data, v.ttl); err != nil {
		return Challenge{}, domain.Internal("failed to store challenge", err)
	}
	return c, nil
}

// Verify consumes the agent's challenge and checks the signature over its
// message. A failed attempt still consumes the challenge.
func (v *Verifier) Verify(ctx context.Context, agentID, publicKeyHex, signatureHex string) error {
	agentID = strings.TrimSpace(agentID)
	publicKey, err := hex.DecodeString(strings.TrimSpace(publicKeyHex))
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return domain.InvalidArgument("public_key must be a hex encoded ed25519 public key")
	}
	signature, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil || len(signature) != ed25519.SignatureSize {
		return domain.InvalidArgument("signature must be a hex encoded ed25519 signature")
	}

	data, ok, err := v.store.Take(ctx, key(agentID))
	if err != nil {
		return domain.Internal("failed to load challenge", err)
	}
	if !ok {
		return domain.Unauthenticated("no active challenge, request a new one")
	}
	var c Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.Internal("failed to decode challenge", err)
	}
	if !v.now().UTC().Before(c.ExpiresAt) {
		return domain.Unauthenticated("challenge expired, request a new one")
	}
	if !ed25519.Verify(publicKey, []byte(c.Message), signature) {
		return domain.Unauthenticated("invalid wallet signature")
	}
	return nil
}
