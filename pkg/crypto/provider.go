// Package crypto provides the signing capability set for mesh nodes: Ed25519
// with randomly generated keys on the standard library, Ed25519 with
// seed-derived keys on circl, and an HMAC-SHA256 fallback explicitly labeled
// DEMO. The backend is selected at process boot; every signed envelope
// records the key_id and algorithm.
package crypto

import (
	"fmt"
)

// Backend selects the signing implementation at boot.
type Backend string

const (
	BackendEd25519A Backend = "ed25519_a"
	BackendEd25519B Backend = "ed25519_b"
	BackendHMACDemo Backend = "hmac_demo"
)

// Algorithm identifiers recorded on signed artifacts.
const (
	AlgorithmEd25519  = "ED25519"
	AlgorithmHMAC     = "HMAC-SHA256-DEMO"
	SigSeparator      = ":"
	KeyIDPrefixDemo   = "demo"
	KeyIDPrefixSigner = "ed25519"
)

// Provider is the capability set a signing node holds.
type Provider interface {
	// Algorithm names the signature scheme, recorded alongside key_id.
	Algorithm() string
	// KeyID identifies the active signing key.
	KeyID() string
	// Sign returns the hex-encoded signature over payload.
	Sign(payload []byte) (string, error)
	// Verify checks sig over payload. Constant-time.
	Verify(payload []byte, sig string) (bool, error)
	// PublicKey returns the hex public key, or "" for symmetric backends.
	PublicKey() string
}

// NewProvider constructs the provider selected by backend.
//
// For ed25519_a, material is ignored and a fresh key is generated. For
// ed25519_b and hmac_demo, material seeds key derivation so nodes can be
// reconstructed deterministically.
func NewProvider(backend Backend, keyID, tenantID string, material []byte) (Provider, error) {
	switch backend {
	case BackendEd25519A:
		return NewEd25519Signer(keyID)
	case BackendEd25519B:
		return NewDerivedEd25519Signer(keyID, tenantID, material)
	case BackendHMACDemo:
		return NewHMACSigner(keyID, tenantID, material)
	default:
		return nil, fmt.Errorf("unknown crypto backend %q", backend)
	}
}
