package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	cases := []struct {
		name      string
		plaintext []byte
	}{
		{name: "Short message", plaintext: []byte("hello")},
		{name: "Single byte", plaintext: []byte{0x00}},
		{name: "Binary data", plaintext: bytes.Repeat([]byte{0xff, 0x00, 0xaa}, 100)},
		{name: "Larger message", plaintext: bytes.Repeat([]byte("0123456789"), 1000)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := Seal(tc.plaintext, recipient.Public)
			if err != nil {
				t.Fatalf("Seal() error: %v", err)
			}

			if len(ciphertext) != len(tc.plaintext)+SealedBoxOverhead {
				t.Errorf("Seal() ciphertext length %d, want %d",
					len(ciphertext), len(tc.plaintext)+SealedBoxOverhead)
			}

			plaintext, err := Unseal(ciphertext, recipient)
			if err != nil {
				t.Fatalf("Unseal() error: %v", err)
			}

			if !bytes.Equal(plaintext, tc.plaintext) {
				t.Error("Unseal() did not recover the original plaintext")
			}
		})
	}
}

func TestSealCiphertextsDiffer(t *testing.T) {
	recipient, _ := GenerateKeyPair()
	plaintext := []byte("same message twice")

	ct1, err := Seal(plaintext, recipient.Public)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	ct2, err := Seal(plaintext, recipient.Public)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	// Each call uses a fresh ephemeral key, so ciphertexts must differ.
	if bytes.Equal(ct1, ct2) {
		t.Error("Seal() produced identical ciphertexts for repeated calls")
	}
}

func TestUnsealWrongKey(t *testing.T) {
	recipient, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()

	ciphertext, err := Seal([]byte("secret"), recipient.Public)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	_, err = Unseal(ciphertext, other)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Unseal() with wrong key error = %v, want ErrDecryptionFailed", err)
	}
}

func TestUnsealTamperDetection(t *testing.T) {
	recipient, _ := GenerateKeyPair()

	ciphertext, err := Seal([]byte("tamper target"), recipient.Public)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	// Flipping any single bit must cause decryption to fail, never return
	// corrupted plaintext.
	for i := 0; i < len(ciphertext); i++ {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		plaintext, err := Unseal(tampered, recipient)
		if err == nil {
			t.Fatalf("Unseal() accepted ciphertext with bit flipped at byte %d (got %q)", i, plaintext)
		}
		if !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("Unseal() tampered error = %v, want ErrDecryptionFailed", err)
		}
	}
}

func TestUnsealTruncated(t *testing.T) {
	recipient, _ := GenerateKeyPair()

	_, err := Unseal([]byte{1, 2, 3}, recipient)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Unseal() truncated error = %v, want ErrDecryptionFailed", err)
	}

	if _, err := Unseal(nil, recipient); err == nil {
		t.Error("Unseal() accepted nil ciphertext")
	}
}

func TestSealRejectsOversizeAndEmpty(t *testing.T) {
	recipient, _ := GenerateKeyPair()

	if _, err := Seal(nil, recipient.Public); err == nil {
		t.Error("Seal() accepted empty plaintext")
	}

	oversize := make([]byte, 16*1024+1)
	if _, err := Seal(oversize, recipient.Public); err == nil {
		t.Error("Seal() accepted oversize plaintext")
	}
}
