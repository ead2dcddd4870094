// Package redact masks credentials and personal data before they reach logs.
package redact

import (
	"net/netip"
	"regexp"
	"strings"
)

const masked = "[REDACTED]"

// sensitiveKeys are attribute names whose whole value is masked.
var sensitiveKeys = map[string]struct{}{
	"api_key":       {},
	"admin_token":   {},
	"authorization": {},
	"x-agx-key":     {},
	"signature":     {},
	"seed":          {},
	"password":      {},
}

type pattern struct {
	re          *regexp.Regexp
	replacement string
}

var builtin = []pattern{
	{regexp.MustCompile(`agx_live_[A-Fa-f0-9]+`), "agx_live_" + masked},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), "Bearer " + masked},
	{regexp.MustCompile(`(?i)(api[_-]?key|admin[_-]?token|signature)\s*[:=]\s*['"]?[^\s'",]+`), "$1=" + masked},
	{regexp.MustCompile(`([A-Za-z0-9._%+\-])[A-Za-z0-9._%+\-]*@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})`), "$1***@$2"},
}

// Redactor scrubs free text and attribute values. The zero value and a nil
// Redactor pass everything through.
type Redactor struct {
	patterns []pattern
}

// New returns a redactor with the built-in rules plus extra patterns. Extra
// patterns that fail to compile are skipped.
func New(extra ...string) *Redactor {
	patterns := append([]pattern(nil), builtin...)
	for _, raw := range extra {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			continue
		}
		patterns = append(patterns, pattern{re: re, replacement: masked})
	}
	return &Redactor{patterns: patterns}
}

// Text masks API keys, bearer tokens, inline secrets and email local parts.
func (r *Redactor) Text(input string) string {
	if r == nil || input == "" {
		return input
	}
	for _, p := range r.patterns {
		input = p.re.ReplaceAllString(input, p.replacement)
	}
	return input
}

// Value masks a value logged under key. Sensitive keys are masked entirely,
// addresses keep only their network prefix and everything else goes
// through Text.
func (r *Redactor) Value(key, value string) string {
	if r == nil {
		return value
	}
	lower := strings.ToLower(key)
	if _, ok := sensitiveKeys[lower]; ok {
		return masked
	}
	if lower == "ip" || strings.HasSuffix(lower, "_ip") {
		return Address(value)
	}
	return r.Text(value)
}

// Address zeroes the host part of an IP: the last octet for IPv4 and the
// last 80 bits for IPv6. Values that do not parse are masked.
func Address(raw string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return masked
	}
	bits := 48
	if addr.Unmap().Is4() {
		addr, bits = addr.Unmap(), 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return masked
	}
	return prefix.Addr().String()
}
