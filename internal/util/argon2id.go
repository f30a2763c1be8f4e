package util

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

// DefaultArgon2idParams follows the OWASP password storage recommendation.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// Validate rejects parameters too weak or too large to be sensible.
func (p Argon2idParams) Validate() error {
	switch {
	case p.Time < 1:
		return fmt.Errorf("argon2id time must be at least 1")
	case p.MemoryKiB < 8*uint32(p.Parallelism):
		return fmt.Errorf("argon2id memory must be at least 8 KiB per lane")
	case p.MemoryKiB > 4*1024*1024:
		return fmt.Errorf("argon2id memory must not exceed 4 GiB")
	case p.Parallelism < 1:
		return fmt.Errorf("argon2id parallelism must be at least 1")
	case p.KeyLen < 16 || p.KeyLen > 64:
		return fmt.Errorf("argon2id key length must be between 16 and 64 bytes")
	}
	return nil
}

func DeriveArgon2idKey(passphrase, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey(passphrase, salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}

func CompareArgon2idKey(passphrase, salt []byte, params Argon2idParams, expectedKey []byte) (bool, error) {
	key, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expectedKey) == 1, nil
}
