// Package core – Ledger Store (C1).
//
// Persistent, append-only, per-(address, level, particle) atom logs plus a
// per-address audit chain. Exactly one writer per log; readers copy out of
// the log's in-memory mirror under a shared lock, so a read waits while an
// append (including its fsync) holds that log's write lock. Crash-safety: each append
// is written then fsynced before the in-memory cursor advances; a torn
// trailing record is truncated on the next open (spec.md §4.1).
package core

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LedgerConfig configures a LedgerStore's on-disk layout, rooted at RootDir
// per spec.md §6 ("ledger/", "audit/" subdirectories).
type LedgerConfig struct {
	RootDir string
}

func (c LedgerConfig) ledgerDir() string { return filepath.Join(c.RootDir, "ledger") }
func (c LedgerConfig) auditDir() string  { return filepath.Join(c.RootDir, "audit") }

// LedgerEntryMeta is the body of one audit.log record, per spec.md §3/§6.
type LedgerEntryMeta struct {
	OperationKind string
	Address       Address
	Level         Level
	Particle      Particle
	AtomIndex     uint64
	TokenID       string
	Timestamp     time.Time
}

type logKey struct {
	Address  Address
	Level    Level
	Particle Particle
}

// LogKey identifies one (address, level, particle) channel. It is the unit
// the Bounce-Rate Monitor's pull-path poll loop scans (spec.md §4.8).
type LogKey = logKey

// NewLogKey constructs a LogKey for the given channel.
func NewLogKey(address Address, level Level, particle Particle) LogKey {
	return LogKey{Address: address, Level: level, Particle: particle}
}

func (k logKey) dir(cfg LedgerConfig) string {
	return filepath.Join(cfg.ledgerDir(), k.Address.String(), k.Level.String())
}

func (k logKey) logPath(cfg LedgerConfig) string {
	return filepath.Join(k.dir(cfg), k.Particle.String()+".log")
}

func (k logKey) cursorPath(cfg LedgerConfig) string {
	return filepath.Join(k.dir(cfg), k.Particle.String()+".cursor")
}

// particleLog is the single-writer/many-reader handle for one
// (address, level, particle) atom chain.
type particleLog struct {
	mu          sync.RWMutex
	file        *os.File
	path        string
	cursorPath  string
	entries     []Atom // in-memory mirror, append-only; index == Atom.Index
	lastHash    Hash
	consumed    uint64
	quarantined bool
}

// LedgerStore is the top-level Ledger Store (C1).
type LedgerStore struct {
	cfg LedgerConfig

	mu   sync.Mutex // guards logs/audits maps only, not their contents
	logs map[logKey]*particleLog
	auds map[Address]*auditChain

	logger *log.Entry

	// Metrics observes Append latency when set; nil disables observation.
	Metrics *Metrics
}

// NewLedgerStore opens (creating if absent) a ledger rooted at cfg.RootDir.
func NewLedgerStore(cfg LedgerConfig) (*LedgerStore, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("ledger: RootDir required")
	}
	if err := os.MkdirAll(cfg.ledgerDir(), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir ledger dir: %w", err)
	}
	if err := os.MkdirAll(cfg.auditDir(), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir audit dir: %w", err)
	}
	return &LedgerStore{
		cfg:    cfg,
		logs:   make(map[logKey]*particleLog),
		auds:   make(map[Address]*auditChain),
		logger: log.WithField("component", "ledger"),
	}, nil
}

func (s *LedgerStore) getLog(k logKey) (*particleLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pl, ok := s.logs[k]; ok {
		return pl, nil
	}
	pl, err := openParticleLog(s.cfg, k)
	if err != nil {
		return nil, err
	}
	s.logs[k] = pl
	return pl, nil
}

func openParticleLog(cfg LedgerConfig, k logKey) (*particleLog, error) {
	if err := os.MkdirAll(k.dir(cfg), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir log dir: %w", err)
	}
	path := k.logPath(cfg)
	pl := &particleLog{path: path, cursorPath: k.cursorPath(cfg)}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open log %s: %w", path, err)
	}
	if err := pl.replay(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ledger: seek end %s: %w", path, err)
	}
	pl.file = f

	if err := pl.loadCursor(); err != nil {
		return nil, err
	}
	return pl, nil
}

// replay scans the existing log file, rebuilding the in-memory mirror and
// verifying the hash chain. A torn trailing record (a crash mid-append) is
// truncated away — the write never reached durable state, so the data was
// never acknowledged. A complete record whose entryHash does not match its
// prevHash marks the log QUARANTINED (spec.md §7 LedgerInvariantError).
func (pl *particleLog) replay(f *os.File) error {
	r := bufio.NewReader(f)
	var offset int64
	var prev Hash
	var idx uint64

	for {
		lenBuf := make([]byte, 4)
		n, err := io.ReadFull(r, lenBuf)
		if err == io.EOF {
			break
		}
		if err != nil || n < 4 {
			// Torn length prefix: truncate at last good offset.
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
			pl.quarantined = true
			return nil
		}

		a, err := decodeAtomBody(body)
		if err != nil {
			pl.quarantined = true
			return nil
		}
		a.Index = idx
		a.Hash = entryHash
		pl.entries = append(pl.entries, a)

		prev = entryHash
		pl.lastHash = entryHash
		idx++
		offset += int64(4+bodyLen) + 32
	}
	pl.lastHash = prev
	return nil
}

func truncateTo(f *os.File, offset int64) error {
	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("ledger: truncate torn record: %w", err)
	}
	return nil
}

func (pl *particleLog) loadCursor() error {
	b, err := os.ReadFile(pl.cursorPath)
	if err != nil {
		if os.IsNotExist(err) {
			pl.consumed = 0
			return nil
		}
		return fmt.Errorf("ledger: read cursor %s: %w", pl.cursorPath, err)
	}
	if len(b) < 8 {
		pl.consumed = 0
		return nil
	}
	pl.consumed = binary.BigEndian.Uint64(b)
	return nil
}

func (pl *particleLog) saveCursor() error {
	tmp := pl.cursorPath + ".tmp"
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, pl.consumed)
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("ledger: write cursor tmp: %w", err)
	}
	if err := os.Rename(tmp, pl.cursorPath); err != nil {
		return fmt.Errorf("ledger: rename cursor: %w", err)
	}
	return nil
}

// Append appends atom to the (address, level, particle) log, filling in
// Index, Timestamp-derived hash chaining, and Hash. Returns the new
// entryHash. Fails with KindLedgerInvariantError if the log is quarantined.
func (s *LedgerStore) Append(address Address, level Level, particle Particle, atom Atom) (Hash, error) {
	start := time.Now()
	defer func() { s.Metrics.ObserveLedgerAppend(time.Since(start)) }()

	pl, err := s.getLog(logKey{address, level, particle})
	if err != nil {
		return Hash{}, newErr(KindLedgerIOError, "open log", err)
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.quarantined {
		return Hash{}, newErr(KindLedgerInvariantError, "log is quarantined", nil)
	}

	atom.Index = uint64(len(pl.entries))
	atom.Seal()
	body := canonicalAtomBody(&atom)
	entryHash := ChainHash(pl.lastHash, body)

	rec := encodeRecord(body, entryHash)
	if _, err := pl.file.Write(rec); err != nil {
		return Hash{}, newErr(KindLedgerIOError, "write record", err)
	}
	if err := pl.file.Sync(); err != nil {
		return Hash{}, newErr(KindLedgerIOError, "fsync", err)
	}

	atom.Hash = entryHash
	pl.entries = append(pl.entries, atom)
	pl.lastHash = entryHash

	s.logger.WithFields(log.Fields{
		"address": address.String(), "level": level, "particle": particle, "index": atom.Index,
	}).Debug("appended atom")
	return entryHash, nil
}

func encodeRecord(body []byte, entryHash Hash) []byte {
	buf := make([]byte, 4+len(body)+32)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	copy(buf[4+len(body):], entryHash[:])
	return buf
}

// ReadRange returns up to count atoms starting at offset; fewer than count
// is returned once the end of the log is reached.
func (s *LedgerStore) ReadRange(address Address, level Level, particle Particle, offset, count uint64) ([]Atom, error) {
	pl, err := s.getLog(logKey{address, level, particle})
	if err != nil {
		return nil, newErr(KindLedgerIOError, "open log", err)
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	if offset >= uint64(len(pl.entries)) {
		return nil, nil
	}
	end := offset + count
	if end > uint64(len(pl.entries)) {
		end = uint64(len(pl.entries))
	}
	out := make([]Atom, end-offset)
	copy(out, pl.entries[offset:end])
	return out, nil
}

// CountAvailable returns the number of atoms not yet marked consumed.
func (s *LedgerStore) CountAvailable(address Address, level Level, particle Particle) (uint64, error) {
	pl, err := s.getLog(logKey{address, level, particle})
	if err != nil {
		return 0, newErr(KindLedgerIOError, "open log", err)
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	total := uint64(len(pl.entries))
	if pl.consumed >= total {
		return 0, nil
	}
	return total - pl.consumed, nil
}

// MarkConsumed advances the consumed cursor to max(current, count). Calling
// with a value <= the current cursor is a no-op (idempotent replay);
// calling with a value greater than the number of atoms in the log is a
// LedgerInvariantError.
func (s *LedgerStore) MarkConsumed(address Address, level Level, particle Particle, count uint64) error {
	pl, err := s.getLog(logKey{address, level, particle})
	if err != nil {
		return newErr(KindLedgerIOError, "open log", err)
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if count <= pl.consumed {
		return nil
	}
	if count > uint64(len(pl.entries)) {
		return newErr(KindLedgerInvariantError, "markConsumed exceeds available atoms", nil)
	}
	pl.consumed = count
	return pl.saveCursor()
}

// ConsumedCount reports the current consumed cursor, used by the Bonding
// Engine to find where the next bond's constituents start.
func (s *LedgerStore) ConsumedCount(address Address, level Level, particle Particle) (uint64, error) {
	pl, err := s.getLog(logKey{address, level, particle})
	if err != nil {
		return 0, err
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.consumed, nil
}

// IsQuarantined reports whether the given log refuses further appends.
func (s *LedgerStore) IsQuarantined(address Address, level Level, particle Particle) bool {
	pl, err := s.getLog(logKey{address, level, particle})
	if err != nil {
		return false
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.quarantined
}

// ClearQuarantine is the operator-only escape hatch from a QUARANTINED log
// (spec.md §4.1: "refuse further appends until operator clears"). It does
// not repair history — it only allows new appends to resume, chained off
// the last valid entry recorded before quarantine.
func (s *LedgerStore) ClearQuarantine(address Address, level Level, particle Particle) error {
	pl, err := s.getLog(logKey{address, level, particle})
	if err != nil {
		return err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.quarantined = false
	return nil
}
