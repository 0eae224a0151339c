// Package ballot turns a voter's choice into a one-hot vector of Paillier
// ciphertexts and defines the single serialized form such a vector may take.
package ballot

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	"voting-core/encryption"
)

var (
	ErrInvalidChoice     = errors.New("choice is not a candidate in this election")
	ErrInvalidCandidates = errors.New("invalid candidate list")
	ErrMalformedBallot   = errors.New("malformed ballot")
	ErrNotOneHot         = errors.New("ballot is not one-hot")
)

// Vector holds one ciphertext per candidate, in canonical candidate order.
type Vector struct {
	Entries []*encryption.Ciphertext
}

func (v *Vector) Len() int {
	return len(v.Entries)
}

// CanonicalOrder returns a sorted copy of ids. Encoding and tallying both
// index candidates by their position in this order.
func CanonicalOrder(ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrInvalidCandidates)
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return nil, fmt.Errorf("%w: duplicate candidate %d", ErrInvalidCandidates, sorted[i])
		}
	}
	return sorted, nil
}

// IsCanonical reports whether ids is non-empty and strictly ascending.
func IsCanonical(ids []int64) bool {
	if len(ids) == 0 {
		return false
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			return false
		}
	}
	return true
}

// Encode encrypts 1 at the position of choice and 0 everywhere else.
// candidateIDs must already be in canonical order.
func Encode(scheme encryption.HomomorphicEncryptionScheme, choice int64, candidateIDs []int64) (*Vector, error) {
	if !IsCanonical(candidateIDs) {
		return nil, fmt.Errorf("%w: candidates are not in canonical order", ErrInvalidCandidates)
	}
	pos, found := slices.BinarySearch(candidateIDs, choice)
	if !found {
		return nil, ErrInvalidChoice
	}

	zero, unit := big.NewInt(0), big.NewInt(1)
	v := &Vector{Entries: make([]*encryption.Ciphertext, len(candidateIDs))}
	for i := range candidateIDs {
		m := zero
		if i == pos {
			m = unit
		}
		ct, err := scheme.Encrypt(m)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt ballot entry: %w", err)
		}
		v.Entries[i] = ct
	}
	return v, nil
}

// CheckOneHot decrypts every entry and confirms exactly one is 1 and the
// rest are 0. Only an auditor holding the private key can run it.
func CheckOneHot(d encryption.Decrypter, v *Vector) error {
	ones := 0
	for i, ct := range v.Entries {
		m, err := d.Decrypt(ct)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrMalformedBallot, i, err)
		}
		switch {
		case m.Sign() == 0:
		case m.IsInt64() && m.Int64() == 1:
			ones++
		default:
			return fmt.Errorf("%w: entry %d is neither 0 nor 1", ErrNotOneHot, i)
		}
	}
	if ones != 1 {
		return fmt.Errorf("%w: %d entries encrypt 1", ErrNotOneHot, ones)
	}
	return nil
}
