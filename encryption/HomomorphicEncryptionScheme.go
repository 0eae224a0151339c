package encryption

import "math/big"

// HomomorphicEncryptionScheme defines the public-key side of an additive
// homomorphic scheme. The ballot encoder encrypts through it and the tally
// folds through it; decryption lives on Decrypter so it can stay with the
// key holder.
type HomomorphicEncryptionScheme interface {
	// Identity information
	Name() string
	KeySize() int

	// Core operations
	Encrypt(value *big.Int) (*Ciphertext, error)
	Add(c1, c2 *Ciphertext) (*Ciphertext, error)
	AddPlain(c *Ciphertext, k *big.Int) (*Ciphertext, error)
	Validate(c *Ciphertext) error

	SupportsMultiplication() bool
}

// Decrypter is implemented by private keys. Public identifies the key the
// ciphertexts must have been produced under.
type Decrypter interface {
	Public() *PublicKey
	Decrypt(c *Ciphertext) (*big.Int, error)
}

var (
	_ HomomorphicEncryptionScheme = (*PublicKey)(nil)
	_ Decrypter                   = (*PrivateKey)(nil)
)
