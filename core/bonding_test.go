package core

import (
	"context"
	"testing"
	"time"
)

func alwaysActive(string) bool { return true }

func seedBitAtoms(t *testing.T, s *LedgerStore, addr Address, particle Particle, count int, freq float64) {
	t.Helper()
	for i := 0; i < count; i++ {
		a := Atom{Level: LevelBIT, Particle: particle, Frequency: freq, Timestamp: time.Now().UTC(), TokenID: "tok"}
		if _, err := s.Append(addr, LevelBIT, particle, a); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func TestBondAttemptBondsOnFullFanin(t *testing.T) {
	s, err := NewLedgerStore(LedgerConfig{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLedgerStore: %v", err)
	}
	addr := DeriveAddress("HQ", "corp-1", []byte("salt"))
	seedBitAtoms(t, s, addr, Proton, 8, 10)
	seedBitAtoms(t, s, addr, Neutron, 8, 20)
	seedBitAtoms(t, s, addr, Electron, 8, 30)

	b, err := NewBonder(addr, LevelBYTE, s, alwaysActive)
	if err != nil {
		t.Fatalf("NewBonder: %v", err)
	}
	hash, err := b.Attempt(context.Background())
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if hash.IsZero() {
		t.Fatalf("expected non-zero bond hash")
	}

	got, err := s.ReadRange(addr, LevelBYTE, Proton, 0, 1)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 BYTE atom, got %d", len(got))
	}
	wantMean := MeanFrequency([]float64{10, 10, 10, 10, 10, 10, 10, 10, 20, 20, 20, 20, 20, 20, 20, 20, 30, 30, 30, 30, 30, 30, 30, 30})
	if got[0].Frequency != wantMean {
		t.Fatalf("bonded frequency=%v want %v", got[0].Frequency, wantMean)
	}
	if got[0].AtomicWeight != 8 {
		t.Fatalf("expected atomicWeight=8, got %d", got[0].AtomicWeight)
	}

	for _, p := range Particles {
		avail, err := s.CountAvailable(addr, LevelBIT, p)
		if err != nil {
			t.Fatalf("CountAvailable: %v", err)
		}
		if avail != 0 {
			t.Fatalf("expected all 8 lower atoms consumed for particle %v, got %d remaining", p, avail)
		}
	}
}

func TestBondAttemptInsufficientAtomsLeavesLedgerUntouched(t *testing.T) {
	s, err := NewLedgerStore(LedgerConfig{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLedgerStore: %v", err)
	}
	addr := DeriveAddress("HQ", "corp-1", []byte("salt"))
	seedBitAtoms(t, s, addr, Proton, 7, 10)
	seedBitAtoms(t, s, addr, Neutron, 8, 20)
	seedBitAtoms(t, s, addr, Electron, 8, 30)

	b, err := NewBonder(addr, LevelBYTE, s, alwaysActive)
	if err != nil {
		t.Fatalf("NewBonder: %v", err)
	}
	_, err = b.Attempt(context.Background())
	if !IsKind(err, KindInsufficientAtoms) {
		t.Fatalf("expected KindInsufficientAtoms, got %v", err)
	}

	got, err := s.ReadRange(addr, LevelBYTE, Proton, 0, 10)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no BYTE atoms created, got %d", len(got))
	}
}

func TestBondAttemptRejectsNonActiveToken(t *testing.T) {
	s, err := NewLedgerStore(LedgerConfig{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLedgerStore: %v", err)
	}
	addr := DeriveAddress("HQ", "corp-1", []byte("salt"))
	seedBitAtoms(t, s, addr, Proton, 8, 10)
	seedBitAtoms(t, s, addr, Neutron, 8, 20)
	seedBitAtoms(t, s, addr, Electron, 8, 30)

	neverActive := func(string) bool { return false }
	b, err := NewBonder(addr, LevelBYTE, s, neverActive)
	if err != nil {
		t.Fatalf("NewBonder: %v", err)
	}
	_, err = b.Attempt(context.Background())
	if !IsKind(err, KindValidatorRejected) {
		t.Fatalf("expected KindValidatorRejected, got %v", err)
	}
	for _, p := range Particles {
		avail, err := s.CountAvailable(addr, LevelBIT, p)
		if err != nil {
			t.Fatalf("CountAvailable: %v", err)
		}
		if avail != 8 {
			t.Fatalf("validator rejection must leave atoms unconsumed, got avail=%d", avail)
		}
	}
}

func TestBondAttemptAdvancesCursorAcrossSuccessiveBonds(t *testing.T) {
	s, err := NewLedgerStore(LedgerConfig{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLedgerStore: %v", err)
	}
	addr := DeriveAddress("HQ", "corp-1", []byte("salt"))
	seedBitAtoms(t, s, addr, Proton, 8, 10)
	seedBitAtoms(t, s, addr, Neutron, 8, 20)
	seedBitAtoms(t, s, addr, Electron, 8, 30)
	seedBitAtoms(t, s, addr, Proton, 8, 40)
	seedBitAtoms(t, s, addr, Neutron, 8, 50)
	seedBitAtoms(t, s, addr, Electron, 8, 60)

	b, err := NewBonder(addr, LevelBYTE, s, alwaysActive)
	if err != nil {
		t.Fatalf("NewBonder: %v", err)
	}

	if _, err := b.Attempt(context.Background()); err != nil {
		t.Fatalf("first Attempt: %v", err)
	}
	hash2, err := b.Attempt(context.Background())
	if err != nil {
		t.Fatalf("second Attempt: %v", err)
	}
	if hash2.IsZero() {
		t.Fatalf("expected non-zero bond hash on second attempt")
	}

	for _, p := range Particles {
		avail, err := s.CountAvailable(addr, LevelBIT, p)
		if err != nil {
			t.Fatalf("CountAvailable: %v", err)
		}
		if avail != 0 {
			t.Fatalf("expected all 16 lower atoms consumed for particle %v, got %d remaining", p, avail)
		}
	}

	got, err := s.ReadRange(addr, LevelBYTE, Proton, 0, 2)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 BYTE atoms, got %d", len(got))
	}
	wantFirst := MeanFrequency([]float64{10, 10, 10, 10, 10, 10, 10, 10, 20, 20, 20, 20, 20, 20, 20, 20, 30, 30, 30, 30, 30, 30, 30, 30})
	wantSecond := MeanFrequency([]float64{40, 40, 40, 40, 40, 40, 40, 40, 50, 50, 50, 50, 50, 50, 50, 50, 60, 60, 60, 60, 60, 60, 60, 60})
	if got[0].Frequency != wantFirst {
		t.Fatalf("first bond frequency=%v want %v", got[0].Frequency, wantFirst)
	}
	if got[1].Frequency != wantSecond {
		t.Fatalf("second bond must consume the NEXT fanin batch, got frequency=%v want %v (cursor likely stuck at offset 0)", got[1].Frequency, wantSecond)
	}
}

func TestNewBonderRejectsLevelBit(t *testing.T) {
	s, err := NewLedgerStore(LedgerConfig{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLedgerStore: %v", err)
	}
	addr := DeriveAddress("HQ", "corp-1", []byte("salt"))
	if _, err := NewBonder(addr, LevelBIT, s, alwaysActive); err == nil {
		t.Fatalf("expected error constructing a bonder at LevelBIT")
	}
}
