package core

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// auditChain is the per-address audit.log described in spec.md §6: a
// hash-chained record of every operation (fission batches, bonds, token
// lifecycle transitions) independent of the atom logs themselves.
type auditChain struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	lastHash Hash
	entries  []LedgerEntryMeta
}

func (s *LedgerStore) getAudit(address Address) (*auditChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.auds[address]; ok {
		return a, nil
	}
	a, err := openAuditChain(s.cfg, address)
	if err != nil {
		return nil, err
	}
	s.auds[address] = a
	return a, nil
}

func openAuditChain(cfg LedgerConfig, address Address) (*auditChain, error) {
	path := filepath.Join(cfg.auditDir(), address.String()+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	a := &auditChain{path: path}
	if err := a.replay(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("audit: seek end: %w", err)
	}
	a.file = f
	return a, nil
}

func (a *auditChain) replay(f *os.File) error {
	r := bufio.NewReader(f)
	var offset int64
	var prev Hash
	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			if err == io.EOF {
				break
			}
			return truncateTo(f, offset)
		}
		bodyLen := binary.BigEndian.Uint32(lenBuf)
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return truncateTo(f, offset)
		}
		hashBuf := make([]byte, 32)
		if _, err := io.ReadFull(r, hashBuf); err != nil {
			return truncateTo(f, offset)
		}
		var entryHash Hash
		copy(entryHash[:], hashBuf)
		if ChainHash(prev, body) != entryHash {
			return fmt.Errorf("audit: hash chain broken at offset %d", offset)
		}
		meta, err := decodeEntryMetaBody(body)
		if err != nil {
			return fmt.Errorf("audit: decode entry: %w", err)
		}
		a.entries = append(a.entries, meta)
		prev = entryHash
		a.lastHash = entryHash
		offset += int64(4+bodyLen) + 32
	}
	a.lastHash = prev
	return nil
}

// Append writes one audit entry and returns its entryHash.
func (a *auditChain) Append(meta LedgerEntryMeta) (Hash, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	body := canonicalEntryBody(meta)
	entryHash := ChainHash(a.lastHash, body)
	rec := encodeRecord(body, entryHash)
	if _, err := a.file.Write(rec); err != nil {
		return Hash{}, newErr(KindLedgerIOError, "write audit record", err)
	}
	if err := a.file.Sync(); err != nil {
		return Hash{}, newErr(KindLedgerIOError, "fsync audit", err)
	}
	a.entries = append(a.entries, meta)
	a.lastHash = entryHash
	return entryHash, nil
}

// AppendAudit logs one operation against the given address's audit chain.
func (s *LedgerStore) AppendAudit(meta LedgerEntryMeta) (Hash, error) {
	a, err := s.getAudit(meta.Address)
	if err != nil {
		return Hash{}, newErr(KindLedgerIOError, "open audit chain", err)
	}
	return a.Append(meta)
}

// AuditEntries returns a copy of the audit chain recorded for address.
func (s *LedgerStore) AuditEntries(address Address) ([]LedgerEntryMeta, error) {
	a, err := s.getAudit(address)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]LedgerEntryMeta, len(a.entries))
	copy(out, a.entries)
	return out, nil
}

func decodeEntryMetaBody(body []byte) (LedgerEntryMeta, error) {
	var w ledgerEntryWire
	if err := decodeEntryWire(body, &w); err != nil {
		return LedgerEntryMeta{}, err
	}
	var addr Address
	copy(addr[:], w.Address)
	return LedgerEntryMeta{
		OperationKind: w.OperationKind,
		Address:       addr,
		Level:         Level(w.Level),
		Particle:      Particle(w.Particle),
		AtomIndex:     w.AtomIndex,
		TokenID:       w.TokenID,
		Timestamp:     unixNanoToTime(w.TimestampNS),
	}, nil
}
