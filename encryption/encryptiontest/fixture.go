// Package encryptiontest provides shared Paillier keys for tests. Generating
// a 2048-bit key takes a noticeable fraction of a second, so each test binary
// generates at most two and reuses them.
package encryptiontest

import (
	"sync"
	"testing"

	"voting-core/encryption"
)

var (
	once    [2]sync.Once
	keys    [2]*encryption.PrivateKey
	keyErrs [2]error
)

func key(tb testing.TB, slot int) *encryption.PrivateKey {
	tb.Helper()
	once[slot].Do(func() {
		keys[slot], keyErrs[slot] = encryption.GenerateKey(nil, encryption.MinKeyBits)
	})
	if keyErrs[slot] != nil {
		tb.Fatalf("failed to generate test key: %v", keyErrs[slot])
	}
	return keys[slot]
}

// Key returns the shared test keypair.
func Key(tb testing.TB) *encryption.PrivateKey {
	tb.Helper()
	return key(tb, 0)
}

// OtherKey returns a second keypair, distinct from Key.
func OtherKey(tb testing.TB) *encryption.PrivateKey {
	tb.Helper()
	return key(tb, 1)
}
