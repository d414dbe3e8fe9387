package core

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Canonical on-disk/wire encoding. spec.md §6 requires a canonical
// serialization with stable key order and fixed 2-fractional-digit decimal
// strings for frequency and bounce-rate fields. RLP (as used by the
// teacher's ledger for block bodies) gives us deterministic, stable-order
// encoding of a fixed Go struct for free; we pre-format the float fields
// into fixed-decimal strings before handing the struct to RLP so that two
// encoders never disagree on trailing-zero or exponent formatting.

// atomWire is the canonical, RLP-encodable projection of an Atom.
type atomWire struct {
	Level            uint8
	Index            uint64
	Particle         uint8
	FrequencyFixed   string
	TimestampUnixNS  int64
	TokenID          string
	Bit              uint8
	IV               []byte
	AuthTag          []byte
	EncryptedPayload []byte
	AtomicWeight     uint64
	Constituents     []uint64
}

func fixed2(v float64) string {
	if v == BounceRateInfinite {
		return "+Inf"
	}
	return fmt.Sprintf("%.2f", v)
}

func toAtomWire(a *Atom) atomWire {
	return atomWire{
		Level:            uint8(a.Level),
		Index:            a.Index,
		Particle:         uint8(a.Particle),
		FrequencyFixed:   fixed2(a.Frequency),
		TimestampUnixNS:  a.Timestamp.UTC().UnixNano(),
		TokenID:          a.TokenID,
		Bit:              a.Bit,
		IV:               a.IV,
		AuthTag:          a.AuthTag,
		EncryptedPayload: a.EncryptedPayload,
		AtomicWeight:     uint64(a.AtomicWeight),
		Constituents:     a.Constituents,
	}
}

// canonicalAtomBody returns the stable-order canonical encoding of an atom,
// excluding its Hash field, used both to compute Atom.Hash and as the ledger
// record body.
func canonicalAtomBody(a *Atom) []byte {
	w := toAtomWire(a)
	b, err := rlp.EncodeToBytes(&w)
	if err != nil {
		// atomWire contains only RLP-safe primitive kinds; a failure here
		// indicates a programming error, not a runtime condition.
		panic(fmt.Sprintf("encode atom body: %v", err))
	}
	return b
}

// decodeAtomBody reverses canonicalAtomBody, used by the Ledger Store's
// replay-on-open path. The returned Atom's Index and Hash are left zero —
// the caller (replay) fills them in from chain position.
func decodeAtomBody(body []byte) (Atom, error) {
	var w atomWire
	if err := rlp.DecodeBytes(body, &w); err != nil {
		return Atom{}, fmt.Errorf("decode atom body: %w", err)
	}
	freq, err := parseFixed2(w.FrequencyFixed)
	if err != nil {
		return Atom{}, fmt.Errorf("decode atom frequency: %w", err)
	}
	return Atom{
		Level:            Level(w.Level),
		Particle:         Particle(w.Particle),
		Frequency:        freq,
		Timestamp:        time.Unix(0, w.TimestampUnixNS).UTC(),
		TokenID:          w.TokenID,
		Bit:              w.Bit,
		IV:               w.IV,
		AuthTag:          w.AuthTag,
		EncryptedPayload: w.EncryptedPayload,
		AtomicWeight:     int(w.AtomicWeight),
		Constituents:     w.Constituents,
	}, nil
}

func parseFixed2(s string) (float64, error) {
	if s == "+Inf" {
		return BounceRateInfinite, nil
	}
	return strconv.ParseFloat(s, 64)
}

// ledgerEntryWire is the canonical, RLP-encodable projection of a
// LedgerEntry body (everything but PrevHash/EntryHash, which frame it).
type ledgerEntryWire struct {
	OperationKind string
	Address       []byte
	Level         uint8
	Particle      uint8
	AtomIndex     uint64
	TokenID       string
	TimestampNS   int64
}

func canonicalEntryBody(e LedgerEntryMeta) []byte {
	w := ledgerEntryWire{
		OperationKind: e.OperationKind,
		Address:       e.Address[:],
		Level:         uint8(e.Level),
		Particle:      uint8(e.Particle),
		AtomIndex:     e.AtomIndex,
		TokenID:       e.TokenID,
		TimestampNS:   e.Timestamp.UTC().UnixNano(),
	}
	b, err := rlp.EncodeToBytes(&w)
	if err != nil {
		panic(fmt.Sprintf("encode entry body: %v", err))
	}
	return b
}

func decodeEntryWire(body []byte, w *ledgerEntryWire) error {
	if err := rlp.DecodeBytes(body, w); err != nil {
		return fmt.Errorf("decode entry body: %w", err)
	}
	return nil
}

func unixNanoToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
