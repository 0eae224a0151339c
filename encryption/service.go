package encryption

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// CryptoService signs what the tally authority publishes: tally digests and
// audit-chain heads. The secp256k1 key is independent of the Paillier keys.
type CryptoService struct {
	key *ecdsa.PrivateKey
}

// SigningCredentials is the on-disk form of the authority signing key.
type SigningCredentials struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func NewCryptoService(key *ecdsa.PrivateKey) *CryptoService {
	return &CryptoService{key: key}
}

// LoadOrGenerateSigningKey restores the signing key from path, or creates and
// stores a new one with owner-only permissions.
func LoadOrGenerateSigningKey(path string) (*ecdsa.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		var creds SigningCredentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("failed to parse signing credentials: %w", err)
		}

		privateKeyHex := strings.TrimPrefix(creds.PrivateKey, "0x")
		privateKey, err := crypto.HexToECDSA(privateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("failed to restore signing key: %w", err)
		}
		return privateKey, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read signing credentials: %w", err)
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	creds := SigningCredentials{
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&privateKey.PublicKey)),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(privateKey)),
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signing credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to save signing credentials: %w", err)
	}
	return privateKey, nil
}

// Sign creates a recoverable signature over Keccak256(data)
func (cs *CryptoService) Sign(data []byte) ([]byte, error) {
	if cs.key == nil {
		return nil, errors.New("no signing key configured")
	}
	return crypto.Sign(cs.Keccak256(data), cs.key)
}

// VerifySignature verifies the signature of data against the authority address
func (cs *CryptoService) VerifySignature(data, signature []byte, address string) bool {
	sigPublicKey, err := crypto.SigToPub(cs.Keccak256(data), signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(crypto.PubkeyToAddress(*sigPublicKey).Hex(), address)
}

// Address returns the hex address of the signing key, or "" if none is configured.
func (cs *CryptoService) Address() string {
	if cs.key == nil {
		return ""
	}
	return crypto.PubkeyToAddress(cs.key.PublicKey).Hex()
}

// Keccak256 computes Keccak-256 hash
func (cs *CryptoService) Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}
