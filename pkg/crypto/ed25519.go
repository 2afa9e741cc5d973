package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	circl "github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/hkdf"
)

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair from the system RNG.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// DerivedEd25519Signer signs with an Ed25519 key derived from seed material.
// It runs on circl rather than the standard library so the two Ed25519
// backends do not share a signing implementation; the signatures are
// wire-compatible either way.
type DerivedEd25519Signer struct {
	privKey circl.PrivateKey
	pubKey  circl.PublicKey
	keyID   string
}

// NewDerivedEd25519Signer derives the keypair from seed material via HKDF, so
// a node restarted with the same material signs with the same key.
func NewDerivedEd25519Signer(keyID, tenantID string, material []byte) (*DerivedEd25519Signer, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("derived signer requires seed material")
	}
	r := hkdf.New(sha256.New, material, []byte(tenantID), []byte("mesh-ed25519-seed"))
	seed := make([]byte, circl.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("seed derivation failed: %w", err)
	}
	priv := circl.NewKeyFromSeed(seed)
	return &DerivedEd25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(circl.PublicKey),
		keyID:   keyID,
	}, nil
}

func (s *DerivedEd25519Signer) Algorithm() string { return AlgorithmEd25519 }
func (s *DerivedEd25519Signer) KeyID() string     { return s.keyID }

func (s *DerivedEd25519Signer) Sign(payload []byte) (string, error) {
	return hex.EncodeToString(circl.Sign(s.privKey, payload)), nil
}

func (s *DerivedEd25519Signer) Verify(payload []byte, sig string) (bool, error) {
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return circl.Verify(s.pubKey, payload, sigBytes), nil
}

func (s *DerivedEd25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Algorithm() string { return AlgorithmEd25519 }
func (s *Ed25519Signer) KeyID() string     { return s.keyID }

func (s *Ed25519Signer) Sign(payload []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, payload)), nil
}

func (s *Ed25519Signer) Verify(payload []byte, sig string) (bool, error) {
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(s.pubKey, payload, sigBytes), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// VerifyWithPublicKey checks a signature against an explicit hex public key,
// used when verifying a peer's envelopes without holding its signer.
func VerifyWithPublicKey(pubKeyHex, sig string, payload []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pubKey))
	}
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), payload, sigBytes), nil
}
