package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/cronokirby/saferith"
)

// MinKeyBits is the smallest modulus accepted by GenerateKey.
const MinKeyBits = 2048

const maxKeyGenAttempts = 16

var (
	ErrKeyGen            = errors.New("paillier key generation failed")
	ErrInvalidPlaintext  = errors.New("plaintext out of range")
	ErrInvalidCiphertext = errors.New("malformed ciphertext")
)

var one = big.NewInt(1)

// PublicKey is the public half of a Paillier keypair. G is always N+1.
type PublicKey struct {
	N        *big.Int
	G        *big.Int
	NSquared *big.Int
}

// PrivateKey holds λ = lcm(p-1, q-1) and μ = λ⁻¹ mod n alongside the public key.
// It is never mutated after generation, so it may be shared between goroutines.
type PrivateKey struct {
	PublicKey
	Lambda *big.Int
	Mu     *big.Int

	p, q *big.Int

	// precomputed for the constant-time c^λ mod n²
	lambdaNat *saferith.Nat
	n2Mod     *saferith.Modulus
}

// GenerateKey picks two independent primes of bits/2 bits each and derives
// the keypair. It gives up with ErrKeyGen after a bounded number of attempts.
func GenerateKey(random io.Reader, bits int) (*PrivateKey, error) {
	if bits < MinKeyBits || bits%2 != 0 {
		return nil, fmt.Errorf("%w: modulus must be an even bit length of at least %d, got %d", ErrKeyGen, MinKeyBits, bits)
	}
	if random == nil {
		random = rand.Reader
	}

	var lastErr error
	for attempt := 0; attempt < maxKeyGenAttempts; attempt++ {
		p, q, err := primePair(random, bits/2)
		if err != nil {
			lastErr = err
			continue
		}
		sk, err := newPrivateKey(p, q)
		if err != nil {
			lastErr = err
			continue
		}
		if sk.N.BitLen() != bits {
			lastErr = fmt.Errorf("modulus has %d bits", sk.N.BitLen())
			continue
		}
		return sk, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrKeyGen, maxKeyGenAttempts, lastErr)
}

// primePair searches for p and q concurrently; primality testing dominates keygen.
func primePair(random io.Reader, bits int) (*big.Int, *big.Int, error) {
	type result struct {
		prime *big.Int
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := rand.Prime(random, bits)
		ch <- result{p, err}
	}()

	q, err := rand.Prime(random, bits)
	res := <-ch
	if err != nil {
		return nil, nil, err
	}
	if res.err != nil {
		return nil, nil, res.err
	}
	if res.prime.Cmp(q) == 0 {
		return nil, nil, errors.New("p and q are equal")
	}
	return res.prime, q, nil
}

func newPrivateKey(p, q *big.Int) (*PrivateKey, error) {
	n := new(big.Int).Mul(p, q)
	pm1 := new(big.Int).Sub(p, one)
	qm1 := new(big.Int).Sub(q, one)
	phi := new(big.Int).Mul(pm1, qm1)

	if new(big.Int).GCD(nil, nil, n, phi).Cmp(one) != 0 {
		return nil, errors.New("gcd(pq, (p-1)(q-1)) != 1")
	}

	gcd := new(big.Int).GCD(nil, nil, pm1, qm1)
	lambda := new(big.Int).Div(phi, gcd)
	mu := new(big.Int).ModInverse(lambda, n)
	if mu == nil {
		return nil, errors.New("lambda is not invertible mod n")
	}

	sk := &PrivateKey{
		PublicKey: PublicKey{
			N:        n,
			G:        new(big.Int).Add(n, one),
			NSquared: new(big.Int).Mul(n, n),
		},
		Lambda: lambda,
		Mu:     mu,
		p:      p,
		q:      q,
	}
	sk.precompute()
	return sk, nil
}

func (sk *PrivateKey) precompute() {
	sk.lambdaNat = new(saferith.Nat).SetBig(sk.Lambda, sk.Lambda.BitLen())
	sk.n2Mod = saferith.ModulusFromNat(new(saferith.Nat).SetBig(sk.NSquared, sk.NSquared.BitLen()))
}

// Public returns the public half of the keypair.
func (sk *PrivateKey) Public() *PublicKey {
	return &sk.PublicKey
}

// Encrypt encrypts m ∈ [0, n) under a fresh blinding factor.
func (pk *PublicKey) Encrypt(m *big.Int) (*Ciphertext, error) {
	r, err := pk.randomUnit(rand.Reader)
	if err != nil {
		return nil, err
	}
	return pk.encryptWithNonce(m, r)
}

func (pk *PublicKey) encryptWithNonce(m, r *big.Int) (*Ciphertext, error) {
	if m == nil || m.Sign() < 0 || m.Cmp(pk.N) >= 0 {
		return nil, ErrInvalidPlaintext
	}
	// g^m = (n+1)^m = 1 + m·n (mod n²)
	gm := new(big.Int).Mul(m, pk.N)
	gm.Add(gm, one)
	gm.Mod(gm, pk.NSquared)

	rn := new(big.Int).Exp(r, pk.N, pk.NSquared)
	c := gm.Mul(gm, rn)
	c.Mod(c, pk.NSquared)
	return &Ciphertext{C: c}, nil
}

// randomUnit draws r ∈ [1, n) with gcd(r, n) = 1.
func (pk *PublicKey) randomUnit(random io.Reader) (*big.Int, error) {
	gcd := new(big.Int)
	for {
		r, err := rand.Int(random, pk.N)
		if err != nil {
			return nil, fmt.Errorf("failed to draw blinding factor: %w", err)
		}
		if r.Sign() == 0 {
			continue
		}
		if gcd.GCD(nil, nil, r, pk.N).Cmp(one) == 0 {
			return r, nil
		}
	}
}

// Decrypt recovers m = L(c^λ mod n²)·μ mod n.
func (sk *PrivateKey) Decrypt(ct *Ciphertext) (*big.Int, error) {
	if err := sk.PublicKey.Validate(ct); err != nil {
		return nil, err
	}
	lambdaNat, n2Mod := sk.lambdaNat, sk.n2Mod
	if n2Mod == nil {
		// key assembled outside newPrivateKey / LoadKeyFile
		lambdaNat = new(saferith.Nat).SetBig(sk.Lambda, sk.Lambda.BitLen())
		n2Mod = saferith.ModulusFromNat(new(saferith.Nat).SetBig(sk.NSquared, sk.NSquared.BitLen()))
	}

	c := new(saferith.Nat).SetBig(ct.C, sk.NSquared.BitLen())
	u := new(saferith.Nat).Exp(c, lambdaNat, n2Mod).Big()

	// L(u) = (u-1)/n
	l := u.Sub(u, one)
	l.Div(l, sk.N)

	m := l.Mul(l, sk.Mu)
	m.Mod(m, sk.N)
	return m, nil
}

// Add returns a ciphertext of m1 + m2 mod n. This is the only homomorphic
// operation the tally relies on.
func (pk *PublicKey) Add(c1, c2 *Ciphertext) (*Ciphertext, error) {
	if err := pk.Validate(c1); err != nil {
		return nil, err
	}
	if err := pk.Validate(c2); err != nil {
		return nil, err
	}
	c := new(big.Int).Mul(c1.C, c2.C)
	c.Mod(c, pk.NSquared)
	return &Ciphertext{C: c}, nil
}

// AddPlain adds a known constant k without decrypting: c · g^k mod n².
func (pk *PublicKey) AddPlain(ct *Ciphertext, k *big.Int) (*Ciphertext, error) {
	if err := pk.Validate(ct); err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrInvalidPlaintext
	}
	km := new(big.Int).Mod(k, pk.N)
	gk := km.Mul(km, pk.N)
	gk.Add(gk, one)
	gk.Mod(gk, pk.NSquared)

	c := gk.Mul(gk, ct.C)
	c.Mod(c, pk.NSquared)
	return &Ciphertext{C: c}, nil
}

// Validate reports whether ct is a well-formed ciphertext under pk:
// 0 < c < n² and gcd(c, n²) = 1.
func (pk *PublicKey) Validate(ct *Ciphertext) error {
	if ct == nil || ct.C == nil || ct.C.Sign() <= 0 || ct.C.Cmp(pk.NSquared) >= 0 {
		return ErrInvalidCiphertext
	}
	// gcd(c, n²) = 1 iff gcd(c, n) = 1
	if new(big.Int).GCD(nil, nil, ct.C, pk.N).Cmp(one) != 0 {
		return ErrInvalidCiphertext
	}
	return nil
}

// Name returns the name of the encryption scheme
func (pk *PublicKey) Name() string {
	return fmt.Sprintf("Paillier-%d", pk.KeySize())
}

// KeySize returns the modulus size in bits
func (pk *PublicKey) KeySize() int {
	return pk.N.BitLen()
}

// SupportsMultiplication returns whether the scheme supports homomorphic multiplication
func (pk *PublicKey) SupportsMultiplication() bool {
	return false
}

// Equal reports whether two public keys share the same modulus.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	return other != nil && pk.N.Cmp(other.N) == 0
}
