package core

import "testing"

func TestAEADRoundTrip(t *testing.T) {
	key, err := NewSymmetricKey()
	if err != nil {
		t.Fatalf("NewSymmetricKey: %v", err)
	}
	plaintext := []byte("bit atom payload")
	iv, ct, tag, err := AEADEncrypt(key, plaintext, nil)
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	got, err := AEADDecrypt(key, iv, ct, tag, nil)
	if err != nil {
		t.Fatalf("AEADDecrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestAEADTamperedCiphertextFailsClosed(t *testing.T) {
	key, _ := NewSymmetricKey()
	iv, ct, tag, err := AEADEncrypt(key, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	tampered := append([]byte{}, ct...)
	tampered[0] ^= 0xFF
	if _, err := AEADDecrypt(key, iv, tampered, tag, nil); err == nil {
		t.Fatalf("expected decrypt failure on tampered ciphertext")
	}
}

func TestAEADTamperedIVFailsClosed(t *testing.T) {
	key, _ := NewSymmetricKey()
	iv, ct, tag, err := AEADEncrypt(key, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	badIV := append([]byte{}, iv...)
	badIV[0] ^= 0xFF
	if _, err := AEADDecrypt(key, badIV, ct, tag, nil); err == nil {
		t.Fatalf("expected decrypt failure on tampered iv")
	}
}

func TestAEADTamperedAuthTagFailsClosed(t *testing.T) {
	key, _ := NewSymmetricKey()
	iv, ct, tag, err := AEADEncrypt(key, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	badTag := append([]byte{}, tag...)
	badTag[0] ^= 0xFF
	if _, err := AEADDecrypt(key, iv, ct, badTag, nil); err == nil {
		t.Fatalf("expected decrypt failure on tampered auth tag")
	}
}

func TestSignVerifyEd25519(t *testing.T) {
	km, err := GenerateKeyMaterial(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}
	msg := []byte("token payload")
	sig, err := km.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(AlgoEd25519, km.Public, msg, sig)
	if err != nil || !ok {
		t.Fatalf("Verify: ok=%v err=%v", ok, err)
	}
	ok, err = Verify(AlgoEd25519, km.Public, []byte("tampered"), sig)
	if err != nil || ok {
		t.Fatalf("expected verify failure on tampered message, ok=%v err=%v", ok, err)
	}
}

func TestSignVerifyRSA(t *testing.T) {
	km, err := GenerateKeyMaterial(AlgoRSA)
	if err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}
	msg := []byte("token payload")
	sig, err := km.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(AlgoRSA, km.Public, msg, sig)
	if err != nil || !ok {
		t.Fatalf("Verify: ok=%v err=%v", ok, err)
	}
}

func TestVerifyNeverErrorsOnGarbageInput(t *testing.T) {
	ok, err := Verify(AlgoEd25519, []byte("short"), []byte("msg"), []byte("sig"))
	if err != nil {
		t.Fatalf("Verify must not error on malformed input, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for malformed input")
	}

	ok, err = Verify(AlgoRSA, []byte("not a key"), []byte("msg"), []byte("sig"))
	if err != nil || ok {
		t.Fatalf("expected ok=false, err=nil for malformed RSA key, got ok=%v err=%v", ok, err)
	}
}

func TestKeyRingRotationKeepsPreviousDecryptable(t *testing.T) {
	ring, err := NewKeyRing()
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	key := ring.Active()
	iv, ct, tag, err := AEADEncrypt(key, []byte("pre-rotation"), nil)
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	if _, err := ring.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	got, err := ring.TryDecrypt(iv, ct, tag, nil)
	if err != nil {
		t.Fatalf("TryDecrypt after rotation: %v", err)
	}
	if string(got) != "pre-rotation" {
		t.Fatalf("unexpected plaintext %q", got)
	}
}

func TestTamperKeyRoundTrip(t *testing.T) {
	key := make([]byte, TamperKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	body := []byte("ledger entry body")
	tag := ComputeTamperKey(key, body)
	if !VerifyTamperKey(key, body, tag) {
		t.Fatalf("expected tamper key to verify")
	}
	if VerifyTamperKey(key, append(body, 'x'), tag) {
		t.Fatalf("expected tamper key verification to fail on altered body")
	}
}
