// Package keygen implements the Key Generator (spec.md §4.A): it produces a
// fresh key record from a cryptographically strong RNG. This is the one
// place in the codebase where reaching for crypto/rand instead of a
// third-party library is correct — the RNG's only job is to be a CSPRNG,
// and the standard library is the canonical source for that on every
// platform Go targets.
package keygen

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
	"github.com/r3e-network/qkd-kme/internal/httperr"
)

// KeyRecord is an immutable, once-consumed unit of key material.
type KeyRecord struct {
	KeyID       string `json:"key_id"`
	KeyMaterial string `json:"key_material"` // base64-encoded
	SizeBytes   int    `json:"size_bytes"`
}

// SizeBits converts the record's byte size to the ETSI wire convention.
func (k KeyRecord) SizeBits() int { return k.SizeBytes * 8 }

// Generator produces fresh KeyRecords.
type Generator struct{}

// New creates a Generator.
func New() *Generator { return &Generator{} }

// Generate draws sizeBytes of CSPRNG output and wraps it with a fresh
// UUIDv4 key_id. It fails with a ConfigError on non-positive size, per
// spec.md §4.A.
func (g *Generator) Generate(sizeBytes int) (KeyRecord, error) {
	if sizeBytes <= 0 {
		return KeyRecord{}, httperr.Config("key size must be positive")
	}

	buf := make([]byte, sizeBytes)
	if _, err := rand.Read(buf); err != nil {
		return KeyRecord{}, httperr.Wrap(httperr.KindConfig, "failed to read random bytes", err)
	}

	return KeyRecord{
		KeyID:       uuid.New().String(),
		KeyMaterial: base64.StdEncoding.EncodeToString(buf),
		SizeBytes:   sizeBytes,
	}, nil
}
