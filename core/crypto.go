// SPDX-License-Identifier: Apache-2.0
// Package core – crypto services for the fission/bonding pipeline.
//
// Exposes:
//   - AEAD encrypt/decrypt (XChaCha20-Poly1305) for bit-atom payloads.
//   - HMAC-SHA-512 tamper keys for ledger entry bodies.
//   - Sign/Verify across three pluggable primitives: Ed25519 (default),
//     Dilithium mode3 (post-quantum, preferred when SignAlgo is configured
//     so), and RSA-SHA256 (fallback, spec.md §4.2/§9).
package core

import (
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	mode3 "github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/chacha20poly1305"
)

//---------------------------------------------------------------------
// AEAD – bit-atom payload encryption
//---------------------------------------------------------------------

// SymmetricKeySize is the XChaCha20-Poly1305 key length in bytes.
const SymmetricKeySize = chacha20poly1305.KeySize

// NewSymmetricKey generates a fresh random AEAD key.
func NewSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

// AEADEncrypt seals plaintext under key, returning the freshly generated
// nonce (iv), the ciphertext-with-appended-tag split into ciphertext and
// authTag, per spec.md §4.5 step 3.
func AEADEncrypt(key, plaintext, additionalData []byte) (iv, ciphertext, authTag []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("aead init: %w", err)
	}
	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, additionalData)
	tagStart := len(sealed) - aead.Overhead()
	ciphertext = sealed[:tagStart]
	authTag = sealed[tagStart:]
	return iv, ciphertext, authTag, nil
}

// AEADDecrypt opens ciphertext+authTag under key and iv. It fails closed
// (returns an error, never partial plaintext) on any tag mismatch.
func AEADDecrypt(key, iv, ciphertext, authTag, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	sealed := append(append([]byte{}, ciphertext...), authTag...)
	plaintext, err := aead.Open(nil, iv, sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("aead decrypt: tag mismatch: %w", err)
	}
	return plaintext, nil
}

//---------------------------------------------------------------------
// HMAC – ledger entry tamper keys
//---------------------------------------------------------------------

// TamperKeySize is the HMAC-SHA-512 key length in bytes.
const TamperKeySize = 64

// ComputeTamperKey produces an HMAC-SHA-512 tag over a ledger entry body,
// proving the body was written by a holder of key and has not been altered.
func ComputeTamperKey(key, body []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

// VerifyTamperKey checks a previously computed tamper tag in constant time.
func VerifyTamperKey(key, body, tag []byte) bool {
	want := ComputeTamperKey(key, body)
	return subtle.ConstantTimeCompare(want, tag) == 1
}

//---------------------------------------------------------------------
// Sign / Verify – pluggable signature primitive
//---------------------------------------------------------------------

// SignAlgo selects the asymmetric primitive used for token and audit
// signatures. spec.md §9 treats the post-quantum primitive as pluggable via
// a single config key rather than hard-coded.
type SignAlgo uint8

const (
	AlgoEd25519 SignAlgo = iota
	AlgoDilithium
	AlgoRSA
)

func ParseSignAlgo(s string) (SignAlgo, error) {
	switch s {
	case "", "ed25519":
		return AlgoEd25519, nil
	case "dilithium", "quantum", "pq":
		return AlgoDilithium, nil
	case "rsa":
		return AlgoRSA, nil
	default:
		return 0, fmt.Errorf("unknown sign algorithm %q", s)
	}
}

func (a SignAlgo) String() string {
	switch a {
	case AlgoEd25519:
		return "ed25519"
	case AlgoDilithium:
		return "dilithium"
	case AlgoRSA:
		return "rsa"
	default:
		return "unknown"
	}
}

// KeyMaterial is an opaque bundle of public/private key bytes for one
// SignAlgo. The zero value is not usable; construct via GenerateKeyMaterial.
type KeyMaterial struct {
	Algo    SignAlgo
	Public  []byte
	private []byte
	rsaPriv *rsa.PrivateKey
	dilPriv *mode3.PrivateKey
	dilPub  *mode3.PublicKey
}

// GenerateKeyMaterial creates a fresh keypair for the given algorithm.
func GenerateKeyMaterial(algo SignAlgo) (*KeyMaterial, error) {
	switch algo {
	case AlgoEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		return &KeyMaterial{Algo: algo, Public: []byte(pub), private: []byte(priv)}, nil

	case AlgoDilithium:
		pk, sk, err := mode3.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate dilithium key: %w", err)
		}
		var pkBytes [mode3.PublicKeySize]byte
		pk.Pack(&pkBytes)
		return &KeyMaterial{Algo: algo, Public: pkBytes[:], dilPriv: sk, dilPub: pk}, nil

	case AlgoRSA:
		priv, err := rsa.GenerateKey(rand.Reader, 3072)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("marshal rsa public key: %w", err)
		}
		return &KeyMaterial{Algo: algo, Public: pubBytes, rsaPriv: priv}, nil

	default:
		return nil, fmt.Errorf("unknown sign algorithm %d", algo)
	}
}

// Sign signs msg with the key material's private key.
func (k *KeyMaterial) Sign(msg []byte) ([]byte, error) {
	switch k.Algo {
	case AlgoEd25519:
		return ed25519.Sign(ed25519.PrivateKey(k.private), msg), nil
	case AlgoDilithium:
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(k.dilPriv, msg, sig)
		return sig, nil
	case AlgoRSA:
		digest := sha256.Sum256(msg)
		return rsa.SignPKCS1v15(rand.Reader, k.rsaPriv, crypto.SHA256, digest[:])
	default:
		return nil, fmt.Errorf("unknown sign algorithm %d", k.Algo)
	}
}

// Verify checks sig for msg against the given algorithm and public key
// bytes. It never panics on malformed input — any parse failure yields
// (false, nil), matching spec.md §4.2: "does not throw for bad inputs".
func Verify(algo SignAlgo, pub, msg, sig []byte) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, nil
		}
	}()
	switch algo {
	case AlgoEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return false, nil
		}
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil

	case AlgoDilithium:
		if len(pub) != mode3.PublicKeySize {
			return false, nil
		}
		var pk mode3.PublicKey
		pk.Unpack(pub)
		return mode3.Verify(&pk, msg, sig), nil

	case AlgoRSA:
		rawPub, err := x509.ParsePKIXPublicKey(pub)
		if err != nil {
			return false, nil
		}
		rsaPub, ok := rawPub.(*rsa.PublicKey)
		if !ok {
			return false, nil
		}
		digest := sha256.Sum256(msg)
		if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
			return false, nil
		}
		return true, nil

	default:
		return false, errors.New("unknown algo")
	}
}

//---------------------------------------------------------------------
// KeyRing – symmetric key rotation, logged per spec.md §4.2
//---------------------------------------------------------------------

// KeyRing holds the active AEAD key plus the previous one so in-flight
// decrypts started before a rotation still succeed. Existing ciphertext is
// never re-encrypted in place, matching the append-only ledger philosophy.
type KeyRing struct {
	mu        sync.RWMutex
	active    []byte
	previous  []byte
	rotations []RotationEvent
	keysDir   string // empty unless constructed via LoadOrCreateKeyRing
}

// RotationEvent records one key rotation for the audit trail.
type RotationEvent struct {
	Generation int
	FingerprintOld string
	FingerprintNew string
}

// NewKeyRing seeds a ring with a freshly generated active key.
func NewKeyRing() (*KeyRing, error) {
	k, err := NewSymmetricKey()
	if err != nil {
		return nil, err
	}
	return &KeyRing{active: k}, nil
}

// Active returns the current signing/encryption key.
func (r *KeyRing) Active() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte{}, r.active...)
}

// Rotate installs a fresh active key, demoting the current one to
// "previous" so recent ciphertexts remain decryptable, and logs the event.
func (r *KeyRing) Rotate() (RotationEvent, error) {
	newKey, err := NewSymmetricKey()
	if err != nil {
		return RotationEvent{}, err
	}
	r.mu.Lock()
	ev := RotationEvent{
		Generation:     len(r.rotations) + 1,
		FingerprintOld: fingerprint(r.active),
		FingerprintNew: fingerprint(newKey),
	}
	r.previous = r.active
	r.active = newKey
	r.rotations = append(r.rotations, ev)
	keysDir := r.keysDir
	r.mu.Unlock()

	if keysDir != "" {
		if err := r.Persist(); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// TryDecrypt attempts AEADDecrypt with the active key, falling back to the
// previous key if the active key fails to authenticate — this is the only
// place a "previous" key is ever read.
func (r *KeyRing) TryDecrypt(iv, ciphertext, authTag, aad []byte) ([]byte, error) {
	r.mu.RLock()
	active, previous := r.active, r.previous
	r.mu.RUnlock()

	if pt, err := AEADDecrypt(active, iv, ciphertext, authTag, aad); err == nil {
		return pt, nil
	}
	if previous != nil {
		if pt, err := AEADDecrypt(previous, iv, ciphertext, authTag, aad); err == nil {
			return pt, nil
		}
	}
	return nil, fmt.Errorf("aead decrypt: tag mismatch under active and previous keys")
}

// LoadOrCreateKeyRing loads a persisted active/previous key pair from
// dir/keys, generating and persisting a fresh active key on first use.
// This is the "keys/ (node key material)" persisted-state directory of
// spec.md §6 — without it, every process restart would mint an
// unrecoverable key and strand any ciphertext sealed under the old one.
func LoadOrCreateKeyRing(dir string) (*KeyRing, error) {
	keysDir := filepath.Join(dir, "keys")
	if err := os.MkdirAll(keysDir, 0o755); err != nil {
		return nil, fmt.Errorf("keyring: mkdir %s: %w", keysDir, err)
	}
	activePath := filepath.Join(keysDir, "active.key")
	previousPath := filepath.Join(keysDir, "previous.key")

	active, err := os.ReadFile(activePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("keyring: read active key: %w", err)
		}
		active, err = NewSymmetricKey()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(activePath, active, 0o600); err != nil {
			return nil, fmt.Errorf("keyring: write active key: %w", err)
		}
	}

	var previous []byte
	if b, err := os.ReadFile(previousPath); err == nil {
		previous = b
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keyring: read previous key: %w", err)
	}

	return &KeyRing{active: active, previous: previous, keysDir: keysDir}, nil
}

// Persist writes the ring's current active/previous keys to its backing
// directory, if it was constructed via LoadOrCreateKeyRing.
func (r *KeyRing) Persist() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.keysDir == "" {
		return nil
	}
	if err := os.WriteFile(filepath.Join(r.keysDir, "active.key"), r.active, 0o600); err != nil {
		return fmt.Errorf("keyring: persist active key: %w", err)
	}
	if r.previous != nil {
		if err := os.WriteFile(filepath.Join(r.keysDir, "previous.key"), r.previous, 0o600); err != nil {
			return fmt.Errorf("keyring: persist previous key: %w", err)
		}
	}
	return nil
}

func fingerprint(key []byte) string {
	if key == nil {
		return ""
	}
	sum := sha256.Sum256(key)
	return fmt.Sprintf("%x", sum[:8])
}
