// Package core – Token Registry (C3): the Proof-of-Access gate every
// shard/bond operation is validated against.
package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TokenState is the lifecycle state of a Token (spec.md §3):
// MINT → ACTIVE → (optionally ALLOCATED) → REDEEMED or REVOKED.
type TokenState string

const (
	TokenActive    TokenState = "ACTIVE"
	TokenAllocated TokenState = "ALLOCATED"
	TokenRedeemed  TokenState = "REDEEMED"
	TokenRevoked   TokenState = "REVOKED"
)

// Token is the Proof-of-Access credential bound to one hardware-serial
// identity and one issuing-node class.
type Token struct {
	TokenID             string     `json:"tokenId"`
	TokenClass          string     `json:"tokenClass"`
	IssuingSerialNumber string     `json:"issuingSerialNumber"`
	Version             SignAlgo   `json:"version"`
	Signature           []byte     `json:"signature"`
	PublicKey           []byte     `json:"publicKey"`
	MintedAt            time.Time  `json:"mintedAt"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	State               TokenState `json:"state"`
	AssociatedCarbonCost float64   `json:"associatedCarbonCost"`
}

// signedPayload is the canonical byte sequence a Token's Signature covers.
func (t *Token) signedPayload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%s|%.6f",
		t.TokenID, t.TokenClass, t.IssuingSerialNumber, t.MintedAt.UTC().UnixNano(), t.Version, t.AssociatedCarbonCost))
}

// PresentedPayload is what a presentation blob decrypts to, per spec.md §6.
type PresentedPayload struct {
	TokenID      string `json:"tokenId"`
	ClassTag     string `json:"classTag"`
	SerialNumber string `json:"serialNumber"`
	Nonce        string `json:"nonce"`
}

// AllocationReceipt is returned by TokenRegistry.Allocate.
type AllocationReceipt struct {
	TokenID     string
	IssuingNode string
	AllocatedAt time.Time
}

// ValidationResult is the result type spec.md §9 demands in place of
// exception-based control flow: the caller decides fatality.
type ValidationResult struct {
	Valid  bool
	Token  *Token
	Reason TokenInvalidReason // empty when Valid
}

// TokenRegistry is the Token Registry (C3).
type TokenRegistry struct {
	mu       sync.RWMutex
	rootDir  string
	ledger   *LedgerStore
	keys     *KeyRing
	signAlgo SignAlgo
	signer   *KeyMaterial
	hostSerial string
	cache    *lru.Cache[string, *Token]
	logger   *log.Entry
	metrics  *Metrics
}

// TokenRegistryConfig configures a TokenRegistry.
type TokenRegistryConfig struct {
	RootDir    string
	SignAlgo   SignAlgo
	Keys       *KeyRing
	HostSerial string
	CacheSize  int
	Metrics    *Metrics
}

// NewTokenRegistry constructs a registry rooted at cfg.RootDir/tokens, with
// its own signing keypair for the given algorithm.
func NewTokenRegistry(cfg TokenRegistryConfig, ledger *LedgerStore) (*TokenRegistry, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("token registry: RootDir required")
	}
	dir := filepath.Join(cfg.RootDir, "tokens")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("token registry: mkdir: %w", err)
	}
	keys := cfg.Keys
	if keys == nil {
		var err error
		keys, err = LoadOrCreateKeyRing(cfg.RootDir)
		if err != nil {
			return nil, err
		}
	}
	signer, err := GenerateKeyMaterial(cfg.SignAlgo)
	if err != nil {
		return nil, fmt.Errorf("token registry: generate signer: %w", err)
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, *Token](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("token registry: new cache: %w", err)
	}
	hostSerial := cfg.HostSerial
	if hostSerial == "" {
		hostSerial = HostSerial()
	}
	return &TokenRegistry{
		rootDir:    cfg.RootDir,
		ledger:     ledger,
		keys:       keys,
		signAlgo:   cfg.SignAlgo,
		signer:     signer,
		hostSerial: hostSerial,
		cache:      cache,
		logger:     log.WithField("component", "token_registry"),
		metrics:    cfg.Metrics,
	}, nil
}

func (r *TokenRegistry) tokenPath(id string) string {
	return filepath.Join(r.rootDir, "tokens", id+".json")
}

func (r *TokenRegistry) persist(t *Token) error {
	blob, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("token registry: marshal: %w", err)
	}
	tmp := r.tokenPath(t.TokenID) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("token registry: write tmp: %w", err)
	}
	if err := os.Rename(tmp, r.tokenPath(t.TokenID)); err != nil {
		return fmt.Errorf("token registry: rename: %w", err)
	}
	r.cache.Add(t.TokenID, t)
	return nil
}

func (r *TokenRegistry) load(id string) (*Token, error) {
	if t, ok := r.cache.Get(id); ok {
		return t, nil
	}
	blob, err := os.ReadFile(r.tokenPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("token registry: read: %w", err)
	}
	var t Token
	if err := json.Unmarshal(blob, &t); err != nil {
		return nil, fmt.Errorf("token registry: unmarshal: %w", err)
	}
	r.cache.Add(id, &t)
	return &t, nil
}

// Mint issues a new token bound to nodeSerial (the issuing host) with the
// net carbon cost quote carbonCost computed by the Pricing Engine (§4.4).
func (r *TokenRegistry) Mint(classTag, nodeSerial string, carbonCost float64) (*Token, error) {
	if classTag == "" {
		return nil, newErr(KindInvalidInput, "classTag required", nil)
	}
	if nodeSerial == "" {
		nodeSerial = r.hostSerial
	}
	if nodeSerial != r.hostSerial {
		// spec.md §4.3: "Checks that the caller process can read the
		// hardware serial identity" — minting for a foreign serial from
		// this host is refused.
		return nil, newErr(KindAccessDenied, "cannot mint for a foreign hardware serial", nil)
	}

	t := &Token{
		TokenID:              uuid.New().String(),
		TokenClass:           classTag,
		IssuingSerialNumber:  nodeSerial,
		Version:              r.signAlgo,
		PublicKey:            r.signer.Public,
		MintedAt:             time.Now().UTC(),
		State:                TokenActive,
		AssociatedCarbonCost: carbonCost,
	}
	sig, err := r.signer.Sign(t.signedPayload())
	if err != nil {
		return nil, newErr(KindAccessDenied, "sign token", err)
	}
	t.Signature = sig

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persist(t); err != nil {
		return nil, newErr(KindLedgerIOError, "persist token", err)
	}
	if r.ledger != nil {
		_, _ = r.ledger.AppendAudit(LedgerEntryMeta{OperationKind: "TOKEN_MINT", TokenID: t.TokenID, Timestamp: t.MintedAt})
	}
	r.logger.WithFields(log.Fields{"token": t.TokenID, "class": classTag}).Info("minted token")
	return t, nil
}

// EncryptPresentation builds the encrypted blob a caller presents when
// invoking a gated operation, per spec.md §6.
func (r *TokenRegistry) EncryptPresentation(t *Token, nonce string) ([]byte, error) {
	payload := PresentedPayload{TokenID: t.TokenID, ClassTag: t.TokenClass, SerialNumber: t.IssuingSerialNumber, Nonce: nonce}
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal presented payload: %w", err)
	}
	iv, ct, tag, err := AEADEncrypt(r.keys.Active(), plain, nil)
	if err != nil {
		return nil, err
	}
	return packBlob(iv, ct, tag), nil
}

func packBlob(iv, ct, tag []byte) []byte {
	out := make([]byte, 0, 4+len(iv)+len(ct)+len(tag)+4)
	out = appendU32Prefixed(out, iv)
	out = appendU32Prefixed(out, tag)
	out = append(out, ct...)
	return out
}

func appendU32Prefixed(dst, v []byte) []byte {
	var lenBuf [4]byte
	lenBuf[0] = byte(len(v) >> 24)
	lenBuf[1] = byte(len(v) >> 16)
	lenBuf[2] = byte(len(v) >> 8)
	lenBuf[3] = byte(len(v))
	dst = append(dst, lenBuf[:]...)
	return append(dst, v...)
}

func unpackBlob(blob []byte) (iv, tag, ct []byte, err error) {
	readPrefixed := func(b []byte) ([]byte, []byte, error) {
		if len(b) < 4 {
			return nil, nil, fmt.Errorf("truncated blob")
		}
		n := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
		if len(b) < 4+n {
			return nil, nil, fmt.Errorf("truncated blob field")
		}
		return b[4 : 4+n], b[4+n:], nil
	}
	iv, rest, err := readPrefixed(blob)
	if err != nil {
		return nil, nil, nil, err
	}
	tag, rest, err = readPrefixed(rest)
	if err != nil {
		return nil, nil, nil, err
	}
	return iv, tag, rest, nil
}

// DecodePresentationBase64 decodes the base64 wire form used on the
// operation boundary (spec.md §6: "encryptedBlob:base64").
func DecodePresentationBase64(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}

// Validate implements §4.3's validate operation, returning a result type
// instead of raising on failure (spec.md §9 REDESIGN FLAGS).
func (r *TokenRegistry) Validate(tokenID string, presentedEncryptedBlob []byte) ValidationResult {
	result := r.validate(tokenID, presentedEncryptedBlob)
	r.metrics.ObserveValidation(result.Valid)
	return result
}

func (r *TokenRegistry) validate(tokenID string, presentedEncryptedBlob []byte) ValidationResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, err := r.load(tokenID)
	if err != nil || t == nil {
		return ValidationResult{Valid: false, Reason: ReasonRevoked}
	}

	iv, tag, ct, err := unpackBlob(presentedEncryptedBlob)
	if err != nil {
		return ValidationResult{Valid: false, Token: t, Reason: ReasonWrongHost}
	}
	plain, err := r.keys.TryDecrypt(iv, ct, tag, nil)
	if err != nil {
		return ValidationResult{Valid: false, Token: t, Reason: ReasonWrongHost}
	}
	var presented PresentedPayload
	if err := json.Unmarshal(plain, &presented); err != nil {
		return ValidationResult{Valid: false, Token: t, Reason: ReasonWrongHost}
	}
	if presented.TokenID != tokenID {
		return ValidationResult{Valid: false, Token: t, Reason: ReasonWrongHost}
	}
	if presented.SerialNumber != r.hostSerial || presented.SerialNumber != t.IssuingSerialNumber {
		return ValidationResult{Valid: false, Token: t, Reason: ReasonWrongHost}
	}

	ok, err := Verify(t.Version, t.PublicKey, t.signedPayload(), t.Signature)
	if err != nil || !ok {
		return ValidationResult{Valid: false, Token: t, Reason: ReasonRevoked}
	}

	if t.ExpiresAt != nil && time.Now().UTC().After(*t.ExpiresAt) {
		return ValidationResult{Valid: false, Token: t, Reason: ReasonExpired}
	}
	if t.State == TokenRedeemed {
		return ValidationResult{Valid: false, Token: t, Reason: ReasonReplay}
	}
	if t.State == TokenRevoked {
		return ValidationResult{Valid: false, Token: t, Reason: ReasonRevoked}
	}
	if t.State != TokenActive && t.State != TokenAllocated {
		return ValidationResult{Valid: false, Token: t, Reason: ReasonRevoked}
	}
	return ValidationResult{Valid: true, Token: t}
}

// Allocate transitions ACTIVE → ALLOCATED, binding the token to
// issuingNode. Rejected if the state differs or the issuing node mismatches
// the token's class.
func (r *TokenRegistry) Allocate(tokenID, issuingNode string) (AllocationReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.load(tokenID)
	if err != nil || t == nil {
		return AllocationReceipt{}, newTokenInvalid(ReasonRevoked, "token not found")
	}
	if t.TokenClass != issuingNode {
		return AllocationReceipt{}, newErr(KindAccessDenied, "issuing node mismatch", nil)
	}
	if t.State != TokenActive {
		return AllocationReceipt{}, newErr(KindAccessDenied, fmt.Sprintf("cannot allocate token in state %s", t.State), nil)
	}
	t.State = TokenAllocated
	if err := r.persist(t); err != nil {
		return AllocationReceipt{}, newErr(KindLedgerIOError, "persist allocation", err)
	}
	now := time.Now().UTC()
	if r.ledger != nil {
		_, _ = r.ledger.AppendAudit(LedgerEntryMeta{OperationKind: "TOKEN_ALLOCATE", TokenID: tokenID, Timestamp: now})
	}
	return AllocationReceipt{TokenID: tokenID, IssuingNode: issuingNode, AllocatedAt: now}, nil
}

// Deallocate is the inverse of Allocate: ALLOCATED → ACTIVE.
func (r *TokenRegistry) Deallocate(tokenID, issuingNode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.load(tokenID)
	if err != nil || t == nil {
		return newTokenInvalid(ReasonRevoked, "token not found")
	}
	if t.TokenClass != issuingNode {
		return newErr(KindAccessDenied, "issuing node mismatch", nil)
	}
	if t.State != TokenAllocated {
		return newErr(KindAccessDenied, fmt.Sprintf("cannot deallocate token in state %s", t.State), nil)
	}
	t.State = TokenActive
	if err := r.persist(t); err != nil {
		return newErr(KindLedgerIOError, "persist deallocation", err)
	}
	if r.ledger != nil {
		_, _ = r.ledger.AppendAudit(LedgerEntryMeta{OperationKind: "TOKEN_DEALLOCATE", TokenID: tokenID, Timestamp: time.Now().UTC()})
	}
	return nil
}

// Redeem marks a token as spent. A redeemed token can never be validated
// again (spec.md §4.3 anomaly detection minimum).
func (r *TokenRegistry) Redeem(tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.load(tokenID)
	if err != nil || t == nil {
		return newTokenInvalid(ReasonRevoked, "token not found")
	}
	if t.State == TokenRedeemed {
		return newTokenInvalid(ReasonReplay, "token already redeemed")
	}
	t.State = TokenRedeemed
	if err := r.persist(t); err != nil {
		return newErr(KindLedgerIOError, "persist redemption", err)
	}
	if r.ledger != nil {
		_, _ = r.ledger.AppendAudit(LedgerEntryMeta{OperationKind: "TOKEN_REDEEM", TokenID: tokenID, Timestamp: time.Now().UTC()})
	}
	return nil
}

// Revoke permanently disables a token.
func (r *TokenRegistry) Revoke(tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.load(tokenID)
	if err != nil || t == nil {
		return newTokenInvalid(ReasonRevoked, "token not found")
	}
	t.State = TokenRevoked
	if err := r.persist(t); err != nil {
		return newErr(KindLedgerIOError, "persist revocation", err)
	}
	if r.ledger != nil {
		_, _ = r.ledger.AppendAudit(LedgerEntryMeta{OperationKind: "TOKEN_REVOKE", TokenID: tokenID, Timestamp: time.Now().UTC()})
	}
	return nil
}

// Get returns the current state of a token, primarily for CLI/reporting use.
func (r *TokenRegistry) Get(tokenID string) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, err := r.load(tokenID)
	if err != nil || t == nil {
		return nil, false
	}
	return t, true
}

// IsActiveAt reports whether the token is currently ACTIVE or ALLOCATED —
// used by the bond CLI's validator without redoing full Validate() on
// historical atoms. The at argument is not consulted: the result reflects
// the token's current state, not its state at that instant.
func (t *Token) IsActiveAt(at time.Time) bool {
	if t == nil {
		return false
	}
	return t.State == TokenActive || t.State == TokenAllocated
}
