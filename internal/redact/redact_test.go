package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextMasksCredentials(t *testing.T) {
	r := New()

	assert.Equal(t, "key agx_live_[REDACTED] issued", r.Text("key agx_live_0a1b2c3d4e5f issued"))
	assert.Equal(t, "Authorization: Bearer [REDACTED]", r.Text("Authorization: Bearer abc.def-123"))
	assert.Equal(t, "owner o***@example.com", r.Text("owner ops-team@example.com"))
	assert.Equal(t, "admin_token=[REDACTED], retry", r.Text("admin_token=hunter2, retry"))
}

func TestValueBySensitiveKey(t *testing.T) {
	r := New()

	assert.Equal(t, "[REDACTED]", r.Value("signature", "deadbeef"))
	assert.Equal(t, "[REDACTED]", r.Value("X-Agx-Key", "anything"))
	assert.Equal(t, "203.0.113.0", r.Value("signup_ip", "203.0.113.77"))
	assert.Equal(t, "2001:db8:1::", r.Value("ip", "2001:db8:1:2:3:4:5:6"))
	assert.Equal(t, "agent_1", r.Value("agent_id", "agent_1"))
}

func TestAddressMasksUnparseable(t *testing.T) {
	assert.Equal(t, "[REDACTED]", Address("not-an-ip"))
	assert.Equal(t, "198.51.100.0", Address("::ffff:198.51.100.9"))
}

func TestNilRedactorPassesThrough(t *testing.T) {
	var r *Redactor
	assert.Equal(t, "ops@example.com", r.Text("ops@example.com"))
	assert.Equal(t, "secret", r.Value("signature", "secret"))
}

func TestExtraPatterns(t *testing.T) {
	r := New(`wallet-[0-9]+`, "(", "  ")
	assert.Equal(t, "paid to [REDACTED]", r.Text("paid to wallet-42"))
}
