package core

import (
	"testing"
)

func newTestRegistry(t *testing.T) (*TokenRegistry, *LedgerStore) {
	t.Helper()
	ledger, err := NewLedgerStore(LedgerConfig{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLedgerStore: %v", err)
	}
	reg, err := NewTokenRegistry(TokenRegistryConfig{
		RootDir:    t.TempDir(),
		SignAlgo:   AlgoEd25519,
		HostSerial: "serial-A",
	}, ledger)
	if err != nil {
		t.Fatalf("NewTokenRegistry: %v", err)
	}
	return reg, ledger
}

func TestMintAndValidateRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)

	tok, err := reg.Mint("node-HQ", "serial-A", 9.75)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if tok.State != TokenActive {
		t.Fatalf("expected ACTIVE state, got %s", tok.State)
	}

	blob, err := reg.EncryptPresentation(tok, "nonce-1")
	if err != nil {
		t.Fatalf("EncryptPresentation: %v", err)
	}

	res := reg.Validate(tok.TokenID, blob)
	if !res.Valid {
		t.Fatalf("expected valid token, got reason %q", res.Reason)
	}
}

func TestValidateRejectsForeignHostPresentation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	tok, err := reg.Mint("node-HQ", "serial-A", 1.0)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// Seal the presentation blob under a different registry's keys —
	// simulates presenting to the wrong host.
	other, err := NewTokenRegistry(TokenRegistryConfig{
		RootDir:    t.TempDir(),
		SignAlgo:   AlgoEd25519,
		HostSerial: "serial-B",
	}, nil)
	if err != nil {
		t.Fatalf("NewTokenRegistry: %v", err)
	}
	blob, err := other.EncryptPresentation(tok, "nonce-2")
	if err != nil {
		t.Fatalf("EncryptPresentation: %v", err)
	}

	res := reg.Validate(tok.TokenID, blob)
	if res.Valid {
		t.Fatalf("expected validation failure for cross-host presentation")
	}
	if res.Reason != ReasonWrongHost {
		t.Fatalf("expected ReasonWrongHost, got %q", res.Reason)
	}
}

func TestRedeemedTokenReplayIsRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	tok, err := reg.Mint("node-HQ", "serial-A", 1.0)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	blob, err := reg.EncryptPresentation(tok, "nonce-3")
	if err != nil {
		t.Fatalf("EncryptPresentation: %v", err)
	}
	if res := reg.Validate(tok.TokenID, blob); !res.Valid {
		t.Fatalf("expected first validation to succeed, reason=%q", res.Reason)
	}
	if err := reg.Redeem(tok.TokenID); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	res := reg.Validate(tok.TokenID, blob)
	if res.Valid {
		t.Fatalf("expected replay of redeemed token to be rejected")
	}
	if res.Reason != ReasonReplay {
		t.Fatalf("expected ReasonReplay, got %q", res.Reason)
	}

	// Redeeming again is itself rejected as a replay.
	if err := reg.Redeem(tok.TokenID); !IsKind(err, KindTokenInvalid) {
		t.Fatalf("expected KindTokenInvalid on double redeem, got %v", err)
	}
}

func TestAllocateDeallocateLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	tok, err := reg.Mint("node-HQ", "serial-A", 1.0)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := reg.Allocate(tok.TokenID, "node-HQ"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	got, ok := reg.Get(tok.TokenID)
	if !ok || got.State != TokenAllocated {
		t.Fatalf("expected ALLOCATED state, got %+v", got)
	}

	// Double allocation is rejected.
	if _, err := reg.Allocate(tok.TokenID, "node-HQ"); err == nil {
		t.Fatalf("expected double allocation to fail")
	}

	if err := reg.Deallocate(tok.TokenID, "node-HQ"); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	got, ok = reg.Get(tok.TokenID)
	if !ok || got.State != TokenActive {
		t.Fatalf("expected ACTIVE state after deallocate, got %+v", got)
	}
}

func TestRevokedTokenFailsValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	tok, err := reg.Mint("node-HQ", "serial-A", 1.0)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := reg.Revoke(tok.TokenID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	blob, err := reg.EncryptPresentation(tok, "nonce-4")
	if err != nil {
		t.Fatalf("EncryptPresentation: %v", err)
	}
	res := reg.Validate(tok.TokenID, blob)
	if res.Valid {
		t.Fatalf("expected revoked token to fail validation")
	}
	if res.Reason != ReasonRevoked {
		t.Fatalf("expected ReasonRevoked, got %q", res.Reason)
	}
}
