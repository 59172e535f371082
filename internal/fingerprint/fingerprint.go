// Package fingerprint computes the deterministic request hash used as the
// cache and single-flight key.
//
// The hash covers only the canonical request fields, so two requests that
// differ in unrecognized keys (or key order) fingerprint identically. The
// tenant is deliberately absent: cache entries are shared across tenants.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cognitude/gateway/internal/providers"
)

const (
	fieldSep  = "\x1f" // separates role from content inside one message
	recordSep = "\x1e" // terminates each message and each section
)

// Compute returns the 64-hex-character SHA-256 fingerprint of req.
//
// Layout: lowercased model, record separator, each message as
// role␟content␞ in order, record separator, then the numeric parameters in
// fixed key order with fixed 6-dp formatting.
func Compute(req *providers.ChatRequest) string {
	var b strings.Builder

	b.WriteString(strings.ToLower(req.Model))
	b.WriteString(recordSep)

	for _, m := range req.Messages {
		b.WriteString(m.Role)
		b.WriteString(fieldSep)
		b.WriteString(m.Content)
		b.WriteString(recordSep)
	}
	b.WriteString(recordSep)

	fmt.Fprintf(&b, "fp=%.6f|mt=%d|pp=%.6f|tmp=%.6f|tp=%.6f",
		req.FrequencyPenalty,
		req.MaxTokens,
		req.PresencePenalty,
		req.Temperature,
		req.TopP,
	)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// PromptHash returns the SHA-256 of the concatenated message contents only.
// Stored alongside cache entries for diagnostics; never used as a key.
func PromptHash(msgs []providers.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
		b.WriteString(recordSep)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
