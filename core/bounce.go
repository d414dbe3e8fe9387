package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MiningEntry is one record in the mining-ledger mirror: the bounce rate
// derived from a primary-ledger atom, per spec.md §4.8.
type MiningEntry struct {
	AtomIndex  uint64
	Frequency  float64
	BounceRate float64
}

// miningRecordSize is the size of the fixed-width on-disk record for one
// MiningEntry: index(8) + frequency(8, as bits) + bounceRate(8, as bits).
const miningRecordSize = 24

func encodeMiningEntry(e MiningEntry) []byte {
	buf := make([]byte, miningRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], e.AtomIndex)
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(e.Frequency))
	binary.BigEndian.PutUint64(buf[16:24], math.Float64bits(e.BounceRate))
	return buf
}

func decodeMiningEntry(buf []byte) MiningEntry {
	return MiningEntry{
		AtomIndex:  binary.BigEndian.Uint64(buf[0:8]),
		Frequency:  math.Float64frombits(binary.BigEndian.Uint64(buf[8:16])),
		BounceRate: math.Float64frombits(binary.BigEndian.Uint64(buf[16:24])),
	}
}

// BounceMonitor is the Bounce-Rate Monitor (C8): for every new ledger entry
// it computes bounceRate = 1000/frequency and appends to a per
// (address,level,particle) mining-ledger mirror, a derived, truncatable
// view that must rebuild bit-exact from the primary ledger (spec.md §4.8).
type BounceMonitor struct {
	mu      sync.Mutex
	rootDir string
	ledger  *LedgerStore
	logger  *log.Entry
}

// NewBounceMonitor constructs a monitor rooted at rootDir/mining.
func NewBounceMonitor(rootDir string, ledger *LedgerStore) *BounceMonitor {
	return &BounceMonitor{rootDir: rootDir, ledger: ledger, logger: log.WithField("component", "bounce_monitor")}
}

func (m *BounceMonitor) mirrorPath(address Address, level Level, particle Particle) string {
	return filepath.Join(m.rootDir, "mining", address.String(), level.String(), particle.String()+".mirror")
}

// RecordAtom computes and persists the bounce-rate mirror entry for one
// freshly appended atom. Called synchronously by the push path right after
// a Ledger Store Append succeeds.
func (m *BounceMonitor) RecordAtom(address Address, level Level, particle Particle, atom Atom) error {
	entry := MiningEntry{
		AtomIndex:  atom.Index,
		Frequency:  atom.Frequency,
		BounceRate: BounceRate(atom.Frequency),
	}
	return m.appendMirror(address, level, particle, entry)
}

func (m *BounceMonitor) appendMirror(address Address, level Level, particle Particle, entry MiningEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.mirrorPath(address, level, particle)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newErr(KindLedgerIOError, "mkdir mining dir", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return newErr(KindLedgerIOError, "open mirror", err)
	}
	defer f.Close()

	if _, err := f.Write(encodeMiningEntry(entry)); err != nil {
		return newErr(KindLedgerIOError, "write mirror entry", err)
	}
	return f.Sync()
}

// ReadMirror returns all mirror entries recorded for (address, level,
// particle), in append order.
func (m *BounceMonitor) ReadMirror(address Address, level Level, particle Particle) ([]MiningEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.mirrorPath(address, level, particle)
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newErr(KindLedgerIOError, "read mirror", err)
	}
	if len(blob)%miningRecordSize != 0 {
		return nil, newErr(KindLedgerInvariantError, "mirror file length not a multiple of record size", nil)
	}
	n := len(blob) / miningRecordSize
	out := make([]MiningEntry, n)
	for i := 0; i < n; i++ {
		out[i] = decodeMiningEntry(blob[i*miningRecordSize : (i+1)*miningRecordSize])
	}
	return out, nil
}

// RebuildMiningMirror replays the primary ledger for (address, level,
// particle) from scratch and rewrites the mirror file, discarding whatever
// was there before. The result must be bit-exact with a mirror built
// incrementally via RecordAtom (spec.md §4.8, property P8).
func (m *BounceMonitor) RebuildMiningMirror(address Address, level Level, particle Particle) error {
	atoms, err := m.ledger.ReadRange(address, level, particle, 0, ^uint64(0))
	if err != nil {
		return newErr(KindLedgerIOError, "read ledger for rebuild", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.mirrorPath(address, level, particle)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newErr(KindLedgerIOError, "mkdir mining dir", err)
	}
	tmp := path + ".tmp"
	buf := make([]byte, 0, len(atoms)*miningRecordSize)
	for _, a := range atoms {
		buf = append(buf, encodeMiningEntry(MiningEntry{
			AtomIndex:  a.Index,
			Frequency:  a.Frequency,
			BounceRate: BounceRate(a.Frequency),
		})...)
	}
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return newErr(KindLedgerIOError, "write rebuild tmp", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return newErr(KindLedgerIOError, "rename rebuilt mirror", err)
	}
	return nil
}

// PollOnce rebuilds the mirror of every given (address, level, particle)
// channel, whether or not its atom count changed since the last scan —
// the "timed scan (pull)" path of spec.md §4.8.
func (m *BounceMonitor) PollOnce(channels []LogKey) error {
	for _, k := range channels {
		if err := m.RebuildMiningMirror(k.Address, k.Level, k.Particle); err != nil {
			return fmt.Errorf("poll %s/%s/%s: %w", k.Address, k.Level, k.Particle, err)
		}
	}
	return nil
}

// Run drives the pull-path poll loop at the given interval until ctx is
// cancelled. interval must be positive; the CLI passes the configured
// monitor.poll_ms, which config.Load defaults to 5000.
func (m *BounceMonitor) Run(ctx context.Context, channels []LogKey, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.PollOnce(channels); err != nil {
				m.logger.WithField("error", err).Warn("mining mirror poll failed")
			}
		}
	}
}
