package keycodec

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := Default()
	for i := 0; i < 50; i++ {
		id, secret, err := c.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}

		token := c.Encode(id, secret)
		got, err := c.Decode(token)
		if err != nil {
			t.Fatalf("decode %q: %v", token, err)
		}
		if got.ID != id || got.Secret != secret {
			t.Fatalf("round trip mismatch: got %+v", got)
		}
		if !VerifyChecksum(got.ID, got.Secret, got.Checksum) {
			t.Fatalf("checksum did not verify for %q", token)
		}
	}
}

func TestTokenShape(t *testing.T) {
	c := Default()
	id, secret, err := c.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	token := c.Encode(id, secret)

	if !strings.HasPrefix(token, "cryb_") {
		t.Fatalf("expected cryb_ prefix, got %q", token)
	}
	if n := strings.Count(token, "."); n != 2 {
		t.Fatalf("expected 2 dots, got %d in %q", n, token)
	}
	if len(id) != DefaultIDBytes*2 {
		t.Fatalf("unexpected id length %d", len(id))
	}
	if len(secret) != DefaultSecretBytes*2 {
		t.Fatalf("unexpected secret length %d", len(secret))
	}
	if got := c.DisplayPrefix(id); got != "cryb_"+id[:8] {
		t.Fatalf("unexpected display prefix %q", got)
	}
}

func TestDecodeDetectsChecksumTampering(t *testing.T) {
	c := Default()
	id, secret, err := c.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	token := c.Encode(id, secret)
	checksumStart := strings.LastIndex(token, ".") + 1

	for pos := checksumStart; pos < len(token); pos++ {
		for _, repl := range "0123456789abcdef" {
			if byte(repl) == token[pos] {
				continue
			}
			tampered := token[:pos] + string(repl) + token[pos+1:]
			_, err := c.Decode(tampered)
			if !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("expected checksum mismatch for %q, got %v", tampered, err)
			}
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	c := Default()
	id, secret, _ := c.Generate()
	valid := c.Encode(id, secret)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"wrong prefix", "gr_" + strings.TrimPrefix(valid, "cryb_")},
		{"two segments", "cryb_" + id + "." + secret},
		{"four segments", valid + ".00"},
		{"short id", "cryb_abc." + secret + "." + Checksum("abc", secret)},
		{"non hex secret", "cryb_" + id + "." + strings.Repeat("z", len(secret)) + ".00000000"},
		{"uppercase checksum", valid[:len(valid)-8] + "ABCDEF12"},
		{"secret swapped", "cryb_" + id + "." + strings.Repeat("0", len(secret)) + "." + Checksum(id, secret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Decode(tt.token); !errors.Is(err, ErrMalformedToken) {
				t.Fatalf("expected malformed token error, got %v", err)
			}
		})
	}
}

func TestCustomPrefixAndSecretLength(t *testing.T) {
	c := New("test_", 16)
	id, secret, err := c.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(secret) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(secret))
	}
	if _, err := c.Decode(c.Encode(id, secret)); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := Default().Decode(c.Encode(id, secret)); err == nil {
		t.Fatal("expected default codec to reject foreign prefix")
	}
}

func TestHashSecretCompare(t *testing.T) {
	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if strings.Contains(hash, "s3cret") {
		t.Fatal("hash must not contain plaintext")
	}
	if !CompareSecret(hash, "s3cret") {
		t.Fatal("expected matching secret to compare equal")
	}
	if CompareSecret(hash, "s3cres") {
		t.Fatal("expected different secret to fail")
	}

	other, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if other == hash {
		t.Fatal("expected per-hash salt to produce different encodings")
	}
}

func TestCompareSecretRejectsMalformedHash(t *testing.T) {
	for _, stored := range []string{"", "b2$zz$zz", "sha$00$00", "b2$" + strings.Repeat("0", 32) + "$" + strings.Repeat("0", 64)} {
		if CompareSecret(stored, "") {
			t.Fatalf("expected %q to never match", stored)
		}
	}
}

func TestCompareSecretUsesConstantTimePrimitive(t *testing.T) {
	src, err := os.ReadFile("hash.go")
	if err != nil {
		t.Skipf("source not available: %v", err)
	}
	if !strings.Contains(string(src), "subtle.ConstantTimeCompare") {
		t.Fatal("secret comparison must use crypto/subtle")
	}
}
