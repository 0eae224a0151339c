package encryption

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
)

// keyFile is the on-disk form of a Paillier keypair. Only p and q are
// stored; everything else is re-derived and cross-checked on load.
type keyFile struct {
	Scheme string `json:"scheme"`
	N      string `json:"n"`
	P      string `json:"p"`
	Q      string `json:"q"`
}

const keyFileScheme = "paillier"

// KeyID is a short public identifier for a key: the first 8 bytes of SHA-256(n), hex encoded.
func (pk *PublicKey) KeyID() string {
	sum := sha256.Sum256(pk.N.Bytes())
	return hex.EncodeToString(sum[:8])
}

// SaveKeyFile writes the keypair to path with owner-only permissions.
// The key file must live outside the ciphertext store.
func SaveKeyFile(path string, sk *PrivateKey) error {
	if sk.p == nil || sk.q == nil {
		return errors.New("private key has no prime factors")
	}
	data, err := json.MarshalIndent(keyFile{
		Scheme: keyFileScheme,
		N:      sk.N.Text(10),
		P:      sk.p.Text(10),
		Q:      sk.q.Text(10),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads a keypair written by SaveKeyFile.
func LoadKeyFile(path string) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if kf.Scheme != keyFileScheme {
		return nil, fmt.Errorf("unsupported key scheme %q", kf.Scheme)
	}

	p, okP := new(big.Int).SetString(kf.P, 10)
	q, okQ := new(big.Int).SetString(kf.Q, 10)
	n, okN := new(big.Int).SetString(kf.N, 10)
	if !okP || !okQ || !okN {
		return nil, errors.New("key file contains non-decimal values")
	}
	if !p.ProbablyPrime(32) || !q.ProbablyPrime(32) {
		return nil, errors.New("key file factors are not prime")
	}

	sk, err := newPrivateKey(p, q)
	if err != nil {
		return nil, fmt.Errorf("invalid key file: %w", err)
	}
	if sk.N.Cmp(n) != 0 {
		return nil, errors.New("key file modulus does not match its factors")
	}
	return sk, nil
}

// LoadOrGenerateKeyFile loads the keypair at path, or generates one of the
// given size and saves it there. This is the blocking startup barrier: no
// ballot can be encrypted until it returns.
func LoadOrGenerateKeyFile(path string, bits int) (*PrivateKey, bool, error) {
	sk, err := LoadKeyFile(path)
	if err == nil {
		return sk, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	sk, err = GenerateKey(nil, bits)
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeyFile(path, sk); err != nil {
		return nil, false, err
	}
	return sk, true, nil
}
