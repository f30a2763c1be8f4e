package util

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestArgon2id(t *testing.T) {
	params := Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}
	salt := []byte("0123456789abcdef")

	key, err := DeriveArgon2idKey([]byte("hunter2"), salt, params)
	if err != nil {
		t.Fatalf("DeriveArgon2idKey failed: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected 32 byte key, got %d", len(key))
	}

	ok, err := CompareArgon2idKey([]byte("hunter2"), salt, params, key)
	if err != nil || !ok {
		t.Fatalf("expected match, got %v, %v", ok, err)
	}
	ok, err = CompareArgon2idKey([]byte("hunter3"), salt, params, key)
	if err != nil || ok {
		t.Fatalf("expected mismatch, got %v, %v", ok, err)
	}
}

func TestDefaultArgon2idParams_MeetsOWASPMinimums(t *testing.T) {
	p := DefaultArgon2idParams()
	if p.Time < 3 {
		t.Errorf("default Time=%d is below OWASP recommended minimum of 3", p.Time)
	}
	if p.MemoryKiB < 64*1024 {
		t.Errorf("default MemoryKiB=%d is below OWASP recommended minimum of %d (64 MiB)", p.MemoryKiB, 64*1024)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("default params should validate: %v", err)
	}
}

func TestValidateArgon2idParams(t *testing.T) {
	bad := []Argon2idParams{
		{Time: 0, MemoryKiB: 65536, Parallelism: 1, KeyLen: 32},
		{Time: 1, MemoryKiB: 4, Parallelism: 1, KeyLen: 32},
		{Time: 1, MemoryKiB: 65536, Parallelism: 0, KeyLen: 32},
		{Time: 1, MemoryKiB: 65536, Parallelism: 1, KeyLen: 8},
	}
	for _, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("expected %+v to be rejected", p)
		}
	}
}

func TestBytes(t *testing.T) {
	copied := []byte{0x01, 0x02, 0x03}
	WipeBytes(copied)
	if !bytes.Equal(copied, make([]byte, 3)) {
		t.Errorf("WipeBytes left %v", copied)
	}
}

func TestEncoding(t *testing.T) {
	if got := Normalize("café"); got != "café" {
		t.Errorf("Normalize failed, got %q", got)
	}

	cases := []struct{ in, want string }{
		{"  Alice ", "alice"},
		{"ALICE", "alice"},
		{"Straße", "strasse"},
		{"ｂｏｂ", "bob"},
		{"café", "café"},
	}
	for _, c := range cases {
		in, want := c.in, c.want
		if got := FoldIdentity(in); got != want {
			t.Errorf("FoldIdentity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRandom(t *testing.T) {
	t.Run("RandomBytes", func(t *testing.T) {
		b1, err := RandomBytes(32)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		b2, err := RandomBytes(32)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		if len(b1) != 32 {
			t.Errorf("expected 32 bytes, got %d", len(b1))
		}
		if bytes.Equal(b1, b2) {
			t.Error("RandomBytes should produce different outputs")
		}
	})

	t.Run("RandomToken", func(t *testing.T) {
		tok, err := RandomToken(32)
		if err != nil {
			t.Fatalf("RandomToken failed: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(tok)
		if err != nil {
			t.Fatalf("token is not base64url: %v", err)
		}
		if len(raw) != 32 {
			t.Errorf("expected 32 bytes of entropy, got %d", len(raw))
		}
	})
}
