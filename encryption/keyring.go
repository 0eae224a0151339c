package encryption

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

var ErrKeyNotFound = errors.New("no key for election")

// KeyRing owns the Paillier keys of a deployment. Either every election
// shares the deployment key, or each election gets its own key generated on
// first use (and persisted under dir when one is configured).
//
// Keys are read-only once handed out; the ring only guards its own map.
type KeyRing struct {
	mu          sync.RWMutex
	deployment  *PrivateKey
	keys        map[string]*PrivateKey
	perElection bool
	bits        int
	dir         string
}

// KeyRingConfig configures NewKeyRing.
type KeyRingConfig struct {
	// Deployment is used for every election unless PerElection is set.
	Deployment  *PrivateKey
	PerElection bool
	Bits        int
	// Dir stores per-election key files. Empty keeps them in memory only.
	Dir string
}

func NewKeyRing(cfg KeyRingConfig) (*KeyRing, error) {
	if !cfg.PerElection && cfg.Deployment == nil {
		return nil, errors.New("deployment key required when per-election keys are disabled")
	}
	if cfg.Bits == 0 {
		cfg.Bits = MinKeyBits
	}
	return &KeyRing{
		deployment:  cfg.Deployment,
		keys:        make(map[string]*PrivateKey),
		perElection: cfg.PerElection,
		bits:        cfg.Bits,
		dir:         cfg.Dir,
	}, nil
}

// Ensure returns the key for electionID, generating it when per-election keys
// are enabled and none exists yet. Generation blocks the caller.
func (kr *KeyRing) Ensure(electionID string) (*PrivateKey, error) {
	if !kr.perElection {
		return kr.deployment, nil
	}
	if sk, err := kr.Get(electionID); err == nil {
		return sk, nil
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()

	if sk, ok := kr.keys[electionID]; ok {
		return sk, nil
	}

	var sk *PrivateKey
	var err error
	if kr.dir != "" {
		sk, _, err = LoadOrGenerateKeyFile(kr.keyPath(electionID), kr.bits)
	} else {
		sk, err = GenerateKey(nil, kr.bits)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to provision key for election: %w", err)
	}
	kr.keys[electionID] = sk
	return sk, nil
}

// Get returns the private key for electionID without generating one.
func (kr *KeyRing) Get(electionID string) (*PrivateKey, error) {
	if !kr.perElection {
		return kr.deployment, nil
	}

	kr.mu.RLock()
	sk, ok := kr.keys[electionID]
	kr.mu.RUnlock()
	if ok {
		return sk, nil
	}

	if kr.dir != "" {
		kr.mu.Lock()
		defer kr.mu.Unlock()
		if sk, ok := kr.keys[electionID]; ok {
			return sk, nil
		}
		sk, err := LoadKeyFile(kr.keyPath(electionID))
		if err == nil {
			kr.keys[electionID] = sk
			return sk, nil
		}
	}
	return nil, ErrKeyNotFound
}

// Public returns the public key for electionID.
func (kr *KeyRing) Public(electionID string) (*PublicKey, error) {
	sk, err := kr.Get(electionID)
	if err != nil {
		return nil, err
	}
	return sk.Public(), nil
}

// Retire drops a per-election key from memory. Files on disk are left for
// the operator to archive or destroy.
func (kr *KeyRing) Retire(electionID string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	delete(kr.keys, electionID)
}

// PerElection reports whether elections get isolated keys.
func (kr *KeyRing) PerElection() bool {
	return kr.perElection
}

func (kr *KeyRing) keyPath(electionID string) string {
	sum := sha256.Sum256([]byte(electionID))
	return filepath.Join(kr.dir, "election_"+hex.EncodeToString(sum[:12])+".key.json")
}
