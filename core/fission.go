package core

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// FissionResult is the final output of a fission call (spec.md §4.9 step 7).
type FissionResult struct {
	Address         Address
	BitAtoms        []Atom
	NodeAssignments []NodeAssignment
}

// FissionOrchestrator wires the full pipeline: validate → classify →
// shard → distribute → ledger-append, per spec.md §4.9.
type FissionOrchestrator struct {
	Sharder *BitSharder
	Ledger  *LedgerStore
	Monitor *BounceMonitor
	Metrics *Metrics
	logger  *log.Entry
}

// NewFissionOrchestrator constructs an orchestrator over a sharder bound
// to one address, sharing that sharder's ledger and an optional bounce
// monitor (nil disables mirror updates on the push path).
func NewFissionOrchestrator(sharder *BitSharder, ledger *LedgerStore, monitor *BounceMonitor) *FissionOrchestrator {
	return &FissionOrchestrator{Sharder: sharder, Ledger: ledger, Monitor: monitor, logger: log.WithField("component", "fission_orchestrator")}
}

// Fission runs the pipeline for either an in-memory payload or a file path
// (exactly one must be given), binding the result to tokenID/presentedBlob.
// All steps are transactional: failure after the batch ledger append (step
// 6) rolls back via a compensating QUARANTINE marker (spec.md §4.9).
func (f *FissionOrchestrator) Fission(ctx context.Context, tokenID string, presentedBlob []byte, payload []byte, path string) (FissionResult, error) {
	// Step 1: validate inputs.
	if (len(payload) == 0) == (path == "") {
		return FissionResult{}, newErr(KindInvalidInput, "exactly one of payload or path must be present", nil)
	}
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return FissionResult{}, newErr(KindInvalidInput, "path does not resolve to a readable file", err)
		}
		if info.IsDir() {
			return FissionResult{}, newErr(KindInvalidInput, "path resolves to a directory, not a file", nil)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return FissionResult{}, newErr(KindInvalidInput, "read file", err)
		}
		payload = data
	}

	select {
	case <-ctx.Done():
		return FissionResult{}, newErr(KindDeadline, "fission cancelled before start", ctx.Err())
	default:
	}

	// Step 2: token validation happens inside Sharder.Shard (step 4.5.1),
	// fail-fast as AccessDenied/TokenInvalid on any error.
	// Steps 3-5: classify, shard, distribution plan.
	result, err := f.Sharder.Shard(payload, path, tokenID, presentedBlob)
	if err != nil {
		return FissionResult{}, err
	}

	if err := ctx.Err(); err != nil {
		return FissionResult{}, newErr(KindDeadline, "fission cancelled before ledger append", err)
	}

	// Step 6: append shard-metadata batch entry, then the bit atoms
	// themselves. If anything after this point fails, compensate with a
	// QUARANTINE audit marker rather than leaving a half-written batch.
	batchHash, err := f.Ledger.AppendAudit(LedgerEntryMeta{
		OperationKind: "FISSION_BATCH",
		Address:       result.Address,
		Level:         LevelBIT,
		TokenID:       tokenID,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return FissionResult{}, newErr(KindLedgerIOError, "append fission batch audit entry", err)
	}
	_ = batchHash

	hashes, err := f.Sharder.AppendShard(result)
	if err != nil {
		f.quarantine(result.Address, tokenID, err)
		return FissionResult{}, newErr(KindLedgerIOError, "append bit atoms", err)
	}
	if f.Monitor != nil {
		// Append gives each atom the next index of its particle log, so this
		// batch holds the last next[p] indices of each BIT log.
		next := make(map[Particle]uint64, len(Particles))
		for _, a := range result.BitAtoms {
			next[a.Particle]++
		}
		for p, n := range next {
			avail, _ := f.Ledger.CountAvailable(result.Address, LevelBIT, p)
			consumed, _ := f.Ledger.ConsumedCount(result.Address, LevelBIT, p)
			next[p] = avail + consumed - n
		}
		for i, a := range result.BitAtoms {
			a.Hash = hashes[i]
			a.Index = next[a.Particle]
			next[a.Particle]++
			if err := f.Monitor.RecordAtom(result.Address, LevelBIT, a.Particle, a); err != nil {
				f.logger.WithField("error", err).Warn("bounce mirror update failed, will heal via rebuild")
			}
		}
	}

	// Step 7: return {address, bitAtoms, nodeAssignments}.
	f.Metrics.ObserveFission()
	return FissionResult{
		Address:         result.Address,
		BitAtoms:        result.BitAtoms,
		NodeAssignments: result.NodeAssignments,
	}, nil
}

// quarantine records a compensating QUARANTINE marker in the audit chain
// for a batch that failed partway through, per spec.md §4.9's rollback
// contract. It does not attempt to undo any atoms already appended —
// those remain visible but the batch as a whole is flagged inconsistent.
func (f *FissionOrchestrator) quarantine(address Address, tokenID string, cause error) {
	_, err := f.Ledger.AppendAudit(LedgerEntryMeta{
		OperationKind: "QUARANTINE",
		Address:       address,
		TokenID:       tokenID,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		f.logger.WithField("error", err).Error("failed to record compensating QUARANTINE marker")
	}
	f.logger.WithFields(log.Fields{"address": address.String(), "cause": cause}).Error("fission batch quarantined")
}
