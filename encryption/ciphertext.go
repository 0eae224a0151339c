package encryption

import (
	"fmt"
	"math/big"
)

// Ciphertext is a Paillier ciphertext, an integer in [1, n²).
//
// Its only text form is the canonical base-10 rendering of C: no sign, no
// leading zeros, no whitespace. Anything else is rejected by ParseCiphertext.
type Ciphertext struct {
	C *big.Int
}

// String returns the canonical decimal form.
func (ct *Ciphertext) String() string {
	if ct == nil || ct.C == nil {
		return ""
	}
	return ct.C.Text(10)
}

// MarshalText implements encoding.TextMarshaler.
func (ct *Ciphertext) MarshalText() ([]byte, error) {
	if ct == nil || ct.C == nil {
		return nil, ErrInvalidCiphertext
	}
	return []byte(ct.C.Text(10)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It checks the canonical
// form only; range checks need a key, see ParseCiphertext.
func (ct *Ciphertext) UnmarshalText(text []byte) error {
	c, err := parseCanonicalDecimal(string(text))
	if err != nil {
		return err
	}
	ct.C = c
	return nil
}

// Clone returns a deep copy of ct
func (ct *Ciphertext) Clone() *Ciphertext {
	return &Ciphertext{C: new(big.Int).Set(ct.C)}
}

// Equal check whether ct ≡ other (mod n²)
func (ct *Ciphertext) Equal(other *Ciphertext) bool {
	if ct == nil || other == nil || ct.C == nil || other.C == nil {
		return false
	}
	return ct.C.Cmp(other.C) == 0
}

// ParseCiphertext decodes a canonical decimal string and validates it against pk.
func ParseCiphertext(pk *PublicKey, s string) (*Ciphertext, error) {
	c, err := parseCanonicalDecimal(s)
	if err != nil {
		return nil, err
	}
	ct := &Ciphertext{C: c}
	if err := pk.Validate(ct); err != nil {
		return nil, err
	}
	return ct, nil
}

func parseCanonicalDecimal(s string) (*big.Int, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCiphertext)
	}
	if len(s) > 1 && s[0] == '0' {
		return nil, fmt.Errorf("%w: leading zero", ErrInvalidCiphertext)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil, fmt.Errorf("%w: not a decimal integer", ErrInvalidCiphertext)
		}
	}
	c, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: not a decimal integer", ErrInvalidCiphertext)
	}
	return c, nil
}
