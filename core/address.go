package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Address is an opaque identifier derived from hash(nodeType ‖ corporateId ‖
// uniqueSalt). It is created once at registration and never rewritten.
type Address [20]byte

func (a Address) String() string { return hex.EncodeToString(a[:]) }

func (a Address) IsZero() bool { return a == Address{} }

// DeriveAddress computes the Address for a (nodeType, corporateID, salt)
// triple. Uniqueness across the Token Registry is enforced by the caller,
// not by this function — two different triples may theoretically collide
// only with the negligible probability of a SHA-256 truncation collision.
func DeriveAddress(nodeType, corporateID string, salt []byte) Address {
	h := sha256.New()
	h.Write([]byte(nodeType))
	h.Write([]byte{0})
	h.Write([]byte(corporateID))
	h.Write([]byte{0})
	h.Write(salt)
	sum := h.Sum(nil)
	var a Address
	copy(a[:], sum[:20])
	return a
}

// ParseAddress decodes a hex-encoded address string.
func ParseAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address: %w", err)
	}
	if len(b) != 20 {
		return Address{}, fmt.Errorf("parse address: want 20 bytes, got %d", len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// Hash is a 32-byte content hash used for tamper detection and ledger
// entry hash-chaining.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// HashBytes computes the SHA-256 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// ChainHash computes entryHash = H(prevHash ‖ body) per spec.md §3.
func ChainHash(prev Hash, body []byte) Hash {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(body)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
