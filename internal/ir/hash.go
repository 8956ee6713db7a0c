package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainMessage = "blocksync/message/v1"
	DomainSpec    = "blocksync/spec/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MessageID computes the content-addressed ID of a sequenced message.
// The ID covers everything but ID itself, so the same delivery in the same
// session always hashes identically; the log uses it for idempotent writes.
func MessageID(m Message) (string, error) {
	obj := Object{
		"session": String(m.Session),
		"seq":     Int(m.Seq),
		"kind":    String(m.Kind),
		"record":  String(m.Record),
		"key":     String(m.Key),
		"from":    String(m.From),
	}
	if !IsAbsent(m.Value) {
		obj["value"] = m.Value
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("MessageID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainMessage, canonical), nil
}

// SpecHash fingerprints a spec. Participants that converged produce the same hash.
func SpecHash(spec Object) (string, error) {
	canonical, err := MarshalCanonical(spec)
	if err != nil {
		return "", fmt.Errorf("SpecHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSpec, canonical), nil
}

// MustSpecHash is like SpecHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustSpecHash(spec Object) string {
	h, err := SpecHash(spec)
	if err != nil {
		panic(err)
	}
	return h
}
