package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HMACSigner is the symmetric DEMO backend. It exists so the mesh can run
// without key distribution; its key_id carries a "demo:" prefix so verifiers
// can refuse it in strict deployments.
type HMACSigner struct {
	key   []byte
	keyID string
}

// NewHMACSigner derives a per-tenant HMAC key from shared material via HKDF.
func NewHMACSigner(keyID, tenantID string, material []byte) (*HMACSigner, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("hmac signer requires key material")
	}
	r := hkdf.New(sha256.New, material, []byte(tenantID), []byte("mesh-hmac-demo"))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hmac key derivation failed: %w", err)
	}
	return &HMACSigner{key: key, keyID: KeyIDPrefixDemo + SigSeparator + keyID}, nil
}

func (s *HMACSigner) Algorithm() string { return AlgorithmHMAC }
func (s *HMACSigner) KeyID() string     { return s.keyID }

func (s *HMACSigner) Sign(payload []byte) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the MAC and compares in constant time.
func (s *HMACSigner) Verify(payload []byte, sig string) (bool, error) {
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), sigBytes), nil
}

// PublicKey returns "" — symmetric backends have no public half.
func (s *HMACSigner) PublicKey() string { return "" }
