package crypto

import (
	"fmt"
	"sync"
)

// KeyRing holds one active signing provider plus historical verifiers keyed
// by key_id. Rotation adds a new key_id; old key_ids remain valid only for
// verifying historical envelopes.
type KeyRing struct {
	mu        sync.RWMutex
	active    Provider
	verifiers map[string]Provider
}

// NewKeyRing creates a keyring with the given active provider.
func NewKeyRing(active Provider) *KeyRing {
	kr := &KeyRing{verifiers: make(map[string]Provider)}
	if active != nil {
		kr.active = active
		kr.verifiers[active.KeyID()] = active
	}
	return kr
}

// Rotate installs a new active provider; the previous one stays available for
// verification under its key_id.
func (k *KeyRing) Rotate(next Provider) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active = next
	k.verifiers[next.KeyID()] = next
}

// AddVerifier registers a verification-only provider (e.g. a peer's public
// key wrapped in a verifier).
func (k *KeyRing) AddVerifier(p Provider) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.verifiers[p.KeyID()] = p
}

// Active returns the current signing provider.
func (k *KeyRing) Active() (Provider, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active == nil {
		return nil, fmt.Errorf("keyring has no active signer")
	}
	return k.active, nil
}

// Sign signs with the active key.
func (k *KeyRing) Sign(payload []byte) (sig, keyID, algorithm string, err error) {
	active, err := k.Active()
	if err != nil {
		return "", "", "", err
	}
	sig, err = active.Sign(payload)
	if err != nil {
		return "", "", "", err
	}
	return sig, active.KeyID(), active.Algorithm(), nil
}

// Verify checks sig with the provider registered under keyID.
func (k *KeyRing) Verify(payload []byte, sig, keyID string) (bool, error) {
	k.mu.RLock()
	p, ok := k.verifiers[keyID]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown key_id %q", keyID)
	}
	return p.Verify(payload, sig)
}

// KeyIDs lists the registered key identifiers.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.verifiers))
	for id := range k.verifiers {
		ids = append(ids, id)
	}
	return ids
}
