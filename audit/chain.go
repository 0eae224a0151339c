// Package audit links accepted ballots into a per-election hash chain so
// that any later edit, reordering or deletion of a stored ballot is
// detectable.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fxamacker/cbor/v2"

	"voting-core/models"
)

var ErrChainBroken = errors.New("audit chain broken")

// genesis is the fixed public seed every election's chain starts from.
var genesis [sha256.Size]byte

// Genesis returns the previous-fingerprint of the first record.
func Genesis() string {
	return hexutil.Encode(genesis[:])
}

// Content is the part of a ballot the chain commits to. The voter id is
// deliberately absent.
type Content struct {
	ElectionID string `cbor:"1,keyasint"`
	BallotID   string `cbor:"2,keyasint"`
	Payload    []byte `cbor:"3,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Serialize returns the canonical CBOR encoding of c.
func (c Content) Serialize() ([]byte, error) {
	return encMode.Marshal(c)
}

// Link is what Append computes for a new record.
type Link struct {
	Fingerprint         string
	PreviousFingerprint string
	ContentHash         string
	Timestamp           time.Time
}

// Append computes
//
//	fingerprint = SHA-256(previous ‖ CBOR(content) ‖ int64be(ts.UnixNano()))
//
// and the content hash SHA-256(CBOR(content)).
func Append(previous string, content Content, ts time.Time) (Link, error) {
	prev, err := hexutil.Decode(previous)
	if err != nil || len(prev) != sha256.Size {
		return Link{}, fmt.Errorf("invalid previous fingerprint %q", previous)
	}
	serialized, err := content.Serialize()
	if err != nil {
		return Link{}, fmt.Errorf("failed to serialize audit content: %w", err)
	}

	contentHash := sha256.Sum256(serialized)
	return Link{
		Fingerprint:         hexutil.Encode(fingerprint(prev, serialized, ts)),
		PreviousFingerprint: previous,
		ContentHash:         hexutil.Encode(contentHash[:]),
		Timestamp:           ts,
	}, nil
}

func fingerprint(prev, serialized []byte, ts time.Time) []byte {
	buffer := new(bytes.Buffer)
	buffer.Write(prev)
	buffer.Write(serialized)
	binary.Write(buffer, binary.BigEndian, ts.UnixNano())

	hash := sha256.Sum256(buffer.Bytes())
	return hash[:]
}

// Record turns a link into the row stored for ballot index idx.
func (l Link) Record(electionID, ballotID string, idx int64) models.AuditRecord {
	return models.AuditRecord{
		ElectionID:          electionID,
		Index:               idx,
		BallotID:            ballotID,
		Fingerprint:         l.Fingerprint,
		PreviousFingerprint: l.PreviousFingerprint,
		ContentHash:         l.ContentHash,
		Timestamp:           l.Timestamp,
	}
}
