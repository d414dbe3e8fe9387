package core

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BondState is the per-(address,level) bonder state machine (spec.md §4.7):
// IDLE → WAITING → BONDING → IDLE on success; BONDING → BONDQUARANTINE when
// the L-atom append fails, or when marking the lower level consumed fails
// after a successful append. Quarantine is terminal until an operator
// clears it.
type BondState int

const (
	BondIdle BondState = iota
	BondWaiting
	BondBonding
	BondQuarantined
)

func (s BondState) String() string {
	switch s {
	case BondIdle:
		return "IDLE"
	case BondWaiting:
		return "WAITING"
	case BondBonding:
		return "BONDING"
	case BondQuarantined:
		return "BONDQUARANTINE"
	default:
		return "UNKNOWN"
	}
}

// TokenStateLookup resolves a tokenID to its current lifecycle state, used
// by the bond validator to reject atoms referencing a non-ACTIVE token
// without coupling the Bonding Engine to the full TokenRegistry surface.
type TokenStateLookup func(tokenID string) (active bool)

// Bonder is one bonder instance for a single (address, level), per
// spec.md §4.7's "one bonder instance per (level L, address)".
type Bonder struct {
	mu    sync.Mutex
	state BondState

	Address     Address
	Level       Level
	Ledger      *LedgerStore
	TokenActive TokenStateLookup
	Metrics     *Metrics

	backoff backoffPolicy
	logger  *log.Entry
}

// backoffPolicy implements bounded exponential back-off, capped, per
// spec.md §4.7's "validator fails ⇒ schedule a back-off retry (bounded
// exponential, capped)".
type backoffPolicy struct {
	attempt int
	base    time.Duration
	cap     time.Duration
}

func newBackoffPolicy() backoffPolicy {
	return backoffPolicy{base: 50 * time.Millisecond, cap: 5 * time.Second}
}

func (b *backoffPolicy) next() time.Duration {
	d := b.base * time.Duration(math.Pow(2, float64(b.attempt)))
	if d > b.cap {
		d = b.cap
	}
	b.attempt++
	return d
}

func (b *backoffPolicy) reset() { b.attempt = 0 }

// NewBonder constructs a bonder for one (address, level) pair. It watches
// the particle channels at level-1; level must not be LevelBIT (there is
// nothing below BIT to bond from).
func NewBonder(address Address, level Level, ledger *LedgerStore, tokenActive TokenStateLookup) (*Bonder, error) {
	if level == LevelBIT {
		return nil, newErr(KindInvalidInput, "cannot bond at LevelBIT: no lower level exists", nil)
	}
	return &Bonder{
		Address:     address,
		Level:       level,
		Ledger:      ledger,
		TokenActive: tokenActive,
		backoff:     newBackoffPolicy(),
		logger:      log.WithField("component", "bonding_engine"),
	}, nil
}

// State returns the bonder's current lifecycle state.
func (b *Bonder) State() BondState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ready reports whether all three particle channels at Level-1 have at
// least Fanin(Level) unconsumed atoms — the trigger rule of spec.md §4.7.
func (b *Bonder) ready() (bool, error) {
	lower, ok := b.Level.Prev()
	if !ok {
		return false, newErr(KindInvalidInput, "no lower level", nil)
	}
	fanin := uint64(Fanin(b.Level))
	for _, p := range Particles {
		n, err := b.Ledger.CountAvailable(b.Address, lower, p)
		if err != nil {
			return false, err
		}
		if n < fanin {
			return false, nil
		}
	}
	return true, nil
}

// Attempt runs one bond attempt: if insufficient atoms are available it
// returns KindInsufficientAtoms (a normal waiting state, not fatal). On
// success it returns the new L-atom's entry hash.
func (b *Bonder) Attempt(ctx context.Context) (Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BondQuarantined {
		return Hash{}, newErr(KindBondQuarantine, "bonder requires operator replay", nil)
	}

	lower, _ := b.Level.Prev()
	fanin := uint64(Fanin(b.Level))

	ready, err := b.ready()
	if err != nil {
		return Hash{}, newErr(KindLedgerIOError, "check readiness", err)
	}
	if !ready {
		b.state = BondWaiting
		b.Metrics.ObserveBondInsufficient()
		return Hash{}, newErr(KindInsufficientAtoms, "not enough atoms at lower level", nil)
	}

	b.state = BondBonding

	select {
	case <-ctx.Done():
		b.state = BondWaiting
		return Hash{}, newErr(KindDeadline, "bond attempt cancelled", ctx.Err())
	default:
	}

	// Step 1: read the next FANIN unconsumed atoms of each particle channel,
	// strictly in ledger insertion order starting at the current consumed
	// cursor (no random selection, and no re-reading already-bonded
	// constituents, spec.md §4.7).
	constituentsByParticle := make(map[Particle][]Atom, 3)
	cursors := make(map[Particle]uint64, 3)
	for _, p := range Particles {
		offset, err := b.Ledger.ConsumedCount(b.Address, lower, p)
		if err != nil {
			b.state = BondWaiting
			return Hash{}, newErr(KindLedgerIOError, "read consumed cursor", err)
		}
		cursors[p] = offset

		atoms, err := b.Ledger.ReadRange(b.Address, lower, p, offset, fanin)
		if err != nil {
			b.state = BondWaiting
			return Hash{}, newErr(KindLedgerIOError, "read constituents", err)
		}
		if uint64(len(atoms)) < fanin {
			b.state = BondWaiting
			b.Metrics.ObserveBondInsufficient()
			return Hash{}, newErr(KindInsufficientAtoms, "constituents vanished before read", nil)
		}
		constituentsByParticle[p] = atoms
	}

	// Step 2: validate — count, not-already-consumed, and token liveness.
	if err := b.validate(constituentsByParticle, fanin); err != nil {
		b.state = BondWaiting
		return Hash{}, err
	}
	b.backoff.reset()

	// Step 3: frequency = round2(mean(all 3*FANIN constituent frequencies)).
	var allFreqs []float64
	var constituentRefs []uint64
	var earliestTimestamp time.Time
	for _, p := range Particles {
		for _, a := range constituentsByParticle[p] {
			allFreqs = append(allFreqs, a.Frequency)
			constituentRefs = append(constituentRefs, a.Index)
			if earliestTimestamp.IsZero() || a.Timestamp.Before(earliestTimestamp) {
				earliestTimestamp = a.Timestamp
			}
		}
	}
	meanFreq := MeanFrequency(allFreqs)

	// Step 4: build the L-atom.
	bondAtom := Atom{
		Level:        b.Level,
		Frequency:    meanFreq,
		Timestamp:    earliestTimestamp,
		TokenID:      constituentsByParticle[Proton][0].TokenID,
		AtomicWeight: int(fanin),
		Constituents: constituentRefs,
	}

	// Step 5: append; on success mark consumed; on ledger failure, abort
	// without marking consumed and enter BONDQUARANTINE (spec.md §4.7).
	hash, err := b.Ledger.Append(b.Address, b.Level, Proton, bondAtom)
	if err != nil {
		b.state = BondQuarantined
		b.Metrics.ObserveBondQuarantine()
		return Hash{}, newErr(KindBondQuarantine, "L-atom append failed after no consumption", err)
	}

	for _, p := range Particles {
		if err := b.Ledger.MarkConsumed(b.Address, lower, p, cursors[p]+fanin); err != nil {
			// Consumption failed after a successful append: the bond itself
			// is durable, but the lower-level cursor is now inconsistent.
			// Quarantine rather than silently drift (spec.md §4.1).
			b.state = BondQuarantined
			b.Metrics.ObserveBondQuarantine()
			return hash, newErr(KindBondQuarantine, "markConsumed failed after L-atom append", err)
		}
	}

	b.state = BondIdle
	b.Metrics.ObserveBondSuccess()
	b.logger.WithFields(log.Fields{
		"address": b.Address.String(), "level": b.Level, "frequency": meanFreq,
	}).Info("bonded")
	return hash, nil
}

// validate checks the level-specific contract: exactly fanin atoms per
// particle, none already consumed (guaranteed by reading from the current
// consumed cursor; not re-checked here), and every atom's token is
// ACTIVE or ALLOCATED.
func (b *Bonder) validate(byParticle map[Particle][]Atom, fanin uint64) error {
	for _, p := range Particles {
		atoms := byParticle[p]
		if uint64(len(atoms)) != fanin {
			return newErr(KindValidatorRejected, fmt.Sprintf("particle %s: expected %d atoms, got %d", p, fanin, len(atoms)), nil)
		}
		for _, a := range atoms {
			if b.TokenActive != nil && !b.TokenActive(a.TokenID) {
				return newErr(KindValidatorRejected, fmt.Sprintf("atom %d references non-active token %s", a.Index, a.TokenID), nil)
			}
		}
	}
	return nil
}

// ClearQuarantine is the operator escape hatch from BONDQUARANTINE,
// requiring the caller to have separately resolved the underlying ledger
// append failure (spec.md §4.7: "requires operator replay").
func (b *Bonder) ClearQuarantine() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BondIdle
	b.backoff.reset()
}

// Run drives the bonder's watch loop: attempt a bond, and on
// InsufficientAtoms wait for either a notify signal or a poll tick before
// retrying. It returns when ctx is cancelled, completing any in-flight
// append first (spec.md §5: "cancellable; completes in-flight append then
// exits cleanly").
func (b *Bonder) Run(ctx context.Context, notify <-chan struct{}, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		_, err := b.Attempt(ctx)
		switch {
		case err == nil:
			// Bonded; loop immediately in case more atoms are already ready.
		case IsKind(err, KindInsufficientAtoms):
			select {
			case <-ctx.Done():
				return
			case <-notify:
			case <-ticker.C:
			}
		case IsKind(err, KindValidatorRejected):
			d := b.backoffDuration()
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		case IsKind(err, KindBondQuarantine):
			// Terminal until an operator calls ClearQuarantine; stop spinning.
			return
		default:
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (b *Bonder) backoffDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff.next()
}

// BondingManager owns one Bonder per (address, level) and runs them
// concurrently, matching spec.md §5: "multiple levels and multiple
// addresses run in parallel". Bonders for the same (address, level) are
// never duplicated — the manager is the single owner of that pairing.
type BondingManager struct {
	mu      sync.Mutex
	bonders map[bonderKey]*Bonder
	ledger  *LedgerStore
	active  TokenStateLookup
	metrics *Metrics
}

type bonderKey struct {
	Address Address
	Level   Level
}

// NewBondingManager constructs a manager backed by one shared ledger and
// token-liveness lookup. metrics may be nil to disable observation.
func NewBondingManager(ledger *LedgerStore, active TokenStateLookup, metrics *Metrics) *BondingManager {
	return &BondingManager{
		bonders: make(map[bonderKey]*Bonder),
		ledger:  ledger,
		active:  active,
		metrics: metrics,
	}
}

// Get returns the bonder for (address, level), creating it on first use.
func (m *BondingManager) Get(address Address, level Level) (*Bonder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bonderKey{address, level}
	if b, ok := m.bonders[key]; ok {
		return b, nil
	}
	b, err := NewBonder(address, level, m.ledger, m.active)
	if err != nil {
		return nil, err
	}
	b.Metrics = m.metrics
	m.bonders[key] = b
	return b, nil
}

// RunAll starts one goroutine per (address, level) pair named in pairs,
// via errgroup, and blocks until ctx is cancelled or any bonder's Run
// returns a non-recoverable error. Each bonder's own Run loop already
// treats InsufficientAtoms/ValidatorRejected as non-fatal, so errgroup only
// ever observes setup failures here.
func (m *BondingManager) RunAll(ctx context.Context, pairs []bonderKey, notify <-chan struct{}, pollInterval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range pairs {
		key := key
		g.Go(func() error {
			b, err := m.Get(key.Address, key.Level)
			if err != nil {
				return err
			}
			b.Run(gctx, notify, pollInterval)
			return nil
		})
	}
	return g.Wait()
}
