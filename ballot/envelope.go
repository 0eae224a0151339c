package ballot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"voting-core/encryption"
)

// Scheme tags the only accepted ballot serialization.
const Scheme = "paillier-v1"

type envelope struct {
	Scheme  string   `json:"scheme"`
	KeyID   string   `json:"key_id"`
	Entries []string `json:"entries"`
}

// MarshalEnvelope serializes v as
//
//	{"scheme":"paillier-v1","key_id":"<id>","entries":["<decimal>",...]}
//
// where each entry is the canonical decimal form of a ciphertext under pk.
func (v *Vector) MarshalEnvelope(pk *encryption.PublicKey) ([]byte, error) {
	env := envelope{
		Scheme:  Scheme,
		KeyID:   pk.KeyID(),
		Entries: make([]string, len(v.Entries)),
	}
	for i, ct := range v.Entries {
		if err := pk.Validate(ct); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		env.Entries[i] = ct.String()
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope decodes data produced by MarshalEnvelope and checks it
// against pk and the expected number of candidates. Every deviation from the
// canonical form is reported as ErrMalformedBallot; there is no fallback.
func UnmarshalEnvelope(pk *encryption.PublicKey, data []byte, candidates int) (*Vector, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBallot, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after envelope", ErrMalformedBallot)
	}

	if env.Scheme != Scheme {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedBallot, env.Scheme)
	}
	if env.KeyID != pk.KeyID() {
		return nil, fmt.Errorf("%w: encrypted under a different key", ErrMalformedBallot)
	}
	if len(env.Entries) != candidates {
		return nil, fmt.Errorf("%w: %d entries for %d candidates", ErrMalformedBallot, len(env.Entries), candidates)
	}

	v := &Vector{Entries: make([]*encryption.Ciphertext, len(env.Entries))}
	for i, s := range env.Entries {
		ct, err := encryption.ParseCiphertext(pk, s)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformedBallot, i, err)
		}
		v.Entries[i] = ct
	}
	return v, nil
}
