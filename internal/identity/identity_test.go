package identity

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrefersCertCN(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderSAEID, "sae-from-header")
	req.TLS = &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{{Subject: pkix.Name{CommonName: "sae-from-cert"}}},
	}

	r := New()
	saeID, err := r.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "sae-from-cert", saeID)
}

func TestResolveFallsBackToHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderSAEID, "sae-from-header")

	r := New()
	saeID, err := r.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "sae-from-header", saeID)
}

func TestResolveFailsWithNeither(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	r := New()
	_, err := r.Resolve(req)
	assert.True(t, httperr.IsKind(err, httperr.KindValidation))
}

func TestResolveRequireCertRejectsHeaderOnly(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderSAEID, "sae-from-header")

	r := &Resolver{RequireCert: true}
	_, err := r.Resolve(req)
	assert.True(t, httperr.IsKind(err, httperr.KindForbidden))
}
