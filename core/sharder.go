package core

import (
	"math/rand"
	"path/filepath"
	"strings"
	"time"
)

// ShardResult is the output of a shard operation, per spec.md §4.5 step 5.
type ShardResult struct {
	Address         Address
	TypeTag         string
	SizeKB          float64
	BitAtoms        []Atom
	NodeAssignments []NodeAssignment
}

// classify assigns a type tag, per spec.md §4.5 step 2 (sizeKB derives
// the payload size separately). Classification is by filename extension
// when one is available, falling back to content sniffing.
func classify(payload []byte, hintPath string) string {
	if hintPath != "" {
		ext := strings.ToLower(filepath.Ext(hintPath))
		if ext != "" {
			return strings.TrimPrefix(ext, ".")
		}
	}
	if len(payload) >= 4 {
		switch {
		case payload[0] == 0x89 && payload[1] == 'P' && payload[2] == 'N' && payload[3] == 'G':
			return "png"
		case payload[0] == 0xFF && payload[1] == 0xD8:
			return "jpg"
		case payload[0] == '%' && payload[1] == 'P' && payload[2] == 'D' && payload[3] == 'F':
			return "pdf"
		}
	}
	for _, b := range payload {
		if b == 0 {
			return "binary"
		}
	}
	return "text"
}

func sizeKB(payload []byte) float64 {
	return Round2(float64(len(payload)) / 1024.0)
}

// BitSharder is the Bit Sharder (C5).
type BitSharder struct {
	Tokens   *TokenRegistry
	Planner  *DistributionPlanner
	Ledger   *LedgerStore
	Address  Address
	PRNGSeed int64
}

// NewBitSharder constructs a sharder bound to one address's ledger, using
// the given token registry for presentation validation and planner for
// node placement.
func NewBitSharder(address Address, tokens *TokenRegistry, planner *DistributionPlanner, ledger *LedgerStore, prngSeed int64) *BitSharder {
	return &BitSharder{Tokens: tokens, Planner: planner, Ledger: ledger, Address: address, PRNGSeed: prngSeed}
}

// Shard validates the presented token, classifies, encrypts, and emits
// 8*len(cipher) bit atoms, then asks the planner for node placement. Each
// call generates a fresh object key and nonce and stamps atoms with the
// current time, so two calls on the same payload do not emit the same
// atoms; only the frequency sequence is fixed by the PRNG seed.
func (s *BitSharder) Shard(payload []byte, hintPath, tokenID string, presentedBlob []byte) (ShardResult, error) {
	res := s.Tokens.Validate(tokenID, presentedBlob)
	if !res.Valid {
		return ShardResult{}, newTokenInvalid(res.Reason, "token validation failed")
	}
	tok := res.Token

	typeTag := classify(payload, hintPath)
	kb := sizeKB(payload)

	key, err := NewSymmetricKey()
	if err != nil {
		return ShardResult{}, newErr(KindInvalidInput, "generate object key", err)
	}
	iv, cipher, authTag, err := AEADEncrypt(key, payload, nil)
	if err != nil {
		return ShardResult{}, newErr(KindInvalidInput, "encrypt payload", err)
	}

	atoms := emitBitAtoms(cipher, iv, authTag, tok.TokenID, s.PRNGSeed)

	assignments, err := s.Planner.Plan(s.Address, tok.TokenID, len(atoms))
	if err != nil {
		return ShardResult{}, err
	}

	return ShardResult{
		Address:         s.Address,
		TypeTag:         typeTag,
		SizeKB:          kb,
		BitAtoms:        atoms,
		NodeAssignments: assignments,
	}, nil
}

// emitBitAtoms builds one Atom per bit of cipher, per spec.md §4.5 step 4.
// frequency is drawn uniform(1,1000) from a PRNG seeded deterministically,
// never from the global math/rand state, so the same (cipher, seed) pair
// always reproduces the same atom sequence.
func emitBitAtoms(cipher, iv, authTag []byte, tokenID string, seed int64) []Atom {
	prng := rand.New(rand.NewSource(seed))
	now := time.Now().UTC()
	n := 8 * len(cipher)
	atoms := make([]Atom, 0, n)
	for i := 0; i < n; i++ {
		byteVal := cipher[i/8]
		bit := (byteVal >> (7 - uint(i%8))) & 1
		freq := 1 + prng.Float64()*999 // uniform(1, 1000)
		atoms = append(atoms, Atom{
			Level:     LevelBIT,
			Particle:  ParticleForBit(i),
			Frequency: Round2(freq),
			Timestamp: now,
			TokenID:   tokenID,
			Bit:       bit,
			IV:        iv,
			AuthTag:   authTag,
		})
	}
	return atoms
}

// AppendShard persists result's bit atoms to the ledger, one atom log per
// particle channel, returning the entry hashes in emission order.
func (s *BitSharder) AppendShard(result ShardResult) ([]Hash, error) {
	hashes := make([]Hash, 0, len(result.BitAtoms))
	for _, a := range result.BitAtoms {
		h, err := s.Ledger.Append(s.Address, LevelBIT, a.Particle, a)
		if err != nil {
			return hashes, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
