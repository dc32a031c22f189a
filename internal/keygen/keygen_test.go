package keygen

import (
	"encoding/base64"
	"testing"

	"github.com/google/uuid"
	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesRequestedSize(t *testing.T) {
	g := New()
	rec, err := g.Generate(32)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(rec.KeyMaterial)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)
	assert.Equal(t, 32, rec.SizeBytes)
	assert.Equal(t, 256, rec.SizeBits())
}

func TestGenerateKeyIDIsValidUUID(t *testing.T) {
	g := New()
	rec, err := g.Generate(32)
	require.NoError(t, err)

	_, err = uuid.Parse(rec.KeyID)
	assert.NoError(t, err)
}

func TestGenerateUniqueness(t *testing.T) {
	g := New()
	rec1, _ := g.Generate(32)
	rec2, _ := g.Generate(32)
	assert.NotEqual(t, rec1.KeyID, rec2.KeyID)
	assert.NotEqual(t, rec1.KeyMaterial, rec2.KeyMaterial)
}

func TestGenerateRejectsNonPositiveSize(t *testing.T) {
	g := New()

	_, err := g.Generate(0)
	assert.True(t, httperr.IsKind(err, httperr.KindConfig))

	_, err = g.Generate(-1)
	assert.True(t, httperr.IsKind(err, httperr.KindConfig))
}
