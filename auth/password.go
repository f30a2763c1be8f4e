package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/assetledger/internal/util"
)

const (
	argon2idPrefix = "$argon2id$"
	saltLen        = 16
)

// PasswordHasher hashes new passwords with Argon2id and verifies both
// Argon2id and legacy bcrypt hashes.
type PasswordHasher struct {
	params util.Argon2idParams

	dummyOnce sync.Once
	dummy     string
}

// NewPasswordHasher returns a hasher using params for new hashes.
func NewPasswordHasher(params util.Argon2idParams) (*PasswordHasher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &PasswordHasher{params: params}, nil
}

// Hash returns an Argon2id hash of password in PHC string format.
func (h *PasswordHasher) Hash(password string) (string, error) {
	pw := []byte(password)
	defer util.WipeBytes(pw)

	salt, err := util.RandomBytes(saltLen)
	if err != nil {
		return "", err
	}
	key, err := util.DeriveArgon2idKey(pw, salt, h.params)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)

	return fmt.Sprintf("%sv=19$m=%d,t=%d,p=%d$%s$%s",
		argon2idPrefix, h.params.MemoryKiB, h.params.Time, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. Unknown or malformed
// hashes never match.
func (h *PasswordHasher) Verify(encoded, password string) bool {
	pw := []byte(password)
	defer util.WipeBytes(pw)

	switch {
	case strings.HasPrefix(encoded, argon2idPrefix):
		params, salt, key, err := decodeArgon2id(encoded)
		if err != nil {
			return false
		}
		ok, err := util.CompareArgon2idKey(pw, salt, params, key)
		return err == nil && ok
	case isBcrypt(encoded):
		return bcrypt.CompareHashAndPassword([]byte(encoded), pw) == nil
	}
	return false
}

// NeedsRehash reports whether encoded should be replaced by a fresh hash:
// it is a legacy bcrypt hash or uses different Argon2id parameters.
func (h *PasswordHasher) NeedsRehash(encoded string) bool {
	if isBcrypt(encoded) {
		return true
	}
	params, _, _, err := decodeArgon2id(encoded)
	return err != nil || params != h.params
}

// burn performs a verification against a fixed hash so that lookups for
// unknown identities cost about as much as real ones.
func (h *PasswordHasher) burn(password string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = h.Hash("not a real password")
	})
	h.Verify(h.dummy, password)
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

// decodeArgon2id parses $argon2id$v=19$m=...,t=...,p=...$salt$key.
func decodeArgon2id(encoded string) (util.Argon2idParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return util.Argon2idParams{}, nil, nil, fmt.Errorf("malformed argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != 19 {
		return util.Argon2idParams{}, nil, nil, fmt.Errorf("unsupported argon2id version %q", parts[2])
	}
	var p util.Argon2idParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Parallelism); err != nil {
		return util.Argon2idParams{}, nil, nil, fmt.Errorf("malformed argon2id parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return util.Argon2idParams{}, nil, nil, fmt.Errorf("malformed argon2id salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return util.Argon2idParams{}, nil, nil, fmt.Errorf("malformed argon2id key: %w", err)
	}
	p.KeyLen = uint32(len(key))
	if err := p.Validate(); err != nil {
		return util.Argon2idParams{}, nil, nil, err
	}
	return p, salt, key, nil
}
